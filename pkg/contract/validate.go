package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wilhg/mcpbridge/pkg/errmodel"
)

// Validate checks args against the contract and returns the normalized
// argument object: required fields present, every value coerced to its
// declared semantic type, unknown fields rejected, and defaults filled in for
// missing optionals. No network I/O happens here.
func (c *Contract) Validate(args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	normalized, err := validateObject(c.fields, args, "$")
	if err != nil {
		return nil, err
	}
	if c.compiled != nil {
		if err := validateInstance(c.compiled, normalized); err != nil {
			return nil, errmodel.Validation("schema_violation", "arguments violate the declared schema",
				map[string]any{"error": err.Error()})
		}
	}
	return normalized, nil
}

func validateObject(fields []Field, args map[string]any, path string) (map[string]any, error) {
	index := make(map[string]int, len(fields))
	for i, f := range fields {
		index[f.Name] = i
	}
	// Unknown fields are rejected rather than dropped, so a caller's intent
	// is never silently lost.
	var unknown []string
	for k := range args {
		if _, ok := index[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		return nil, errmodel.Validation("unknown_fields", "arguments name fields outside the contract",
			map[string]any{"path": path, "fields": unknown})
	}

	out := make(map[string]any, len(fields))
	var missing []string
	for _, f := range fields {
		v, present := args[f.Name]
		if !present {
			if f.Required {
				missing = append(missing, f.Name)
				continue
			}
			if f.Default != nil {
				out[f.Name] = f.Default
			}
			continue
		}
		coerced, err := coerce(f.Type, v, path+"."+f.Name)
		if err != nil {
			return nil, err
		}
		out[f.Name] = coerced
	}
	if len(missing) > 0 {
		return nil, errmodel.Validation("missing_fields", "required arguments absent",
			map[string]any{"path": path, "fields": missing})
	}
	return out, nil
}

// coerce converts v to the declared semantic type, accepting obviously
// compatible representations (a numeric string for an integer field, an
// integral float for an integer). Anything else fails.
func coerce(t Type, v any, path string) (any, error) {
	switch t.Kind {
	case String:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case Integer:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			// The float bounds of int64: conversion outside them is
			// implementation-specific, not an error.
			if n == math.Trunc(n) && n >= math.MinInt64 && n < math.MaxInt64 {
				return int64(n), nil
			}
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
		case string:
			if i, err := strconv.ParseInt(n, 10, 64); err == nil {
				return i, nil
			}
		}
	case Number:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, nil
			}
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f, nil
			}
		}
	case Boolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed, nil
			}
		}
	case Enum:
		if s, ok := v.(string); ok {
			for _, m := range t.Enum {
				if s == m {
					return s, nil
				}
			}
		}
	case Array:
		if items, ok := v.([]any); ok {
			out := make([]any, len(items))
			for i, item := range items {
				c, err := coerce(*t.Elem, item, fmt.Sprintf("%s[%d]", path, i))
				if err != nil {
					return nil, err
				}
				out[i] = c
			}
			return out, nil
		}
	case Object:
		if m, ok := v.(map[string]any); ok {
			return validateObject(t.Fields, m, path)
		}
	case Union:
		for _, variant := range t.Variants {
			if c, err := coerce(variant, v, path); err == nil {
				return c, nil
			}
		}
	}
	return nil, errmodel.Validation("type_mismatch",
		fmt.Sprintf("value cannot be coerced to %s", renderType(t)),
		map[string]any{"path": path, "value": fmt.Sprintf("%v", v)})
}

// validateInstance runs the compiled schema over the normalized arguments as
// a full-fidelity backstop for constraints the structural contract does not
// model (lengths, ranges, patterns).
func validateInstance(schema *jsonschema.Schema, args map[string]any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return err
	}
	return schema.Validate(v)
}
