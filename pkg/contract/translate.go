package contract

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wilhg/mcpbridge/pkg/errmodel"
)

// Schema composition constructs outside the supported subset. Their presence
// anywhere in a schema fails the whole translation: a silently-incomplete
// contract would let invalid calls reach the remote side.
var unsupportedKeywords = []string{"allOf", "anyOf", "oneOf", "not", "$ref", "const", "if", "then", "else"}

// Translate converts one tool's input schema into a Contract.
// An empty or missing schema yields a zero-field contract (the tool takes no
// arguments). Any unsupported construct fails with a schema error naming the
// offending field path; partial contracts are never produced.
func Translate(schema []byte) (*Contract, error) {
	trimmed := bytes.TrimSpace(schema)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return &Contract{index: map[string]int{}}, nil
	}

	node, err := parseObject(trimmed, "$")
	if err != nil {
		return nil, err
	}
	if t, ok := node.keys["type"]; ok {
		name, err := typeName(t, "$")
		if err != nil {
			return nil, err
		}
		if name != "object" {
			return nil, errmodel.Schema("bad_root", "top-level schema must be an object", map[string]any{"path": "$", "type": name})
		}
	}
	fields, err := translateObjectFields(node, "$")
	if err != nil {
		return nil, err
	}

	compiled, err := compile(trimmed)
	if err != nil {
		return nil, errmodel.Schema("compile_failed", "schema does not compile", map[string]any{"path": "$"}, err)
	}

	c := &Contract{fields: fields, index: make(map[string]int, len(fields)), compiled: compiled}
	for i, f := range fields {
		c.index[f.Name] = i
	}
	return c, nil
}

// schemaNode is one parsed schema object with key order preserved for the
// properties map.
type schemaNode struct {
	keys map[string]json.RawMessage
}

// parseObject decodes raw as a JSON object. Boolean schemas and any other
// non-object forms are outside the supported subset.
func parseObject(raw json.RawMessage, path string) (*schemaNode, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errmodel.Schema("bad_shape", "schema is not an object", map[string]any{"path": path, "schema": string(trimmed)})
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &keys); err != nil {
		return nil, errmodel.Schema("bad_shape", "cannot parse schema object", map[string]any{"path": path}, err)
	}
	for _, kw := range unsupportedKeywords {
		if _, ok := keys[kw]; ok {
			return nil, errmodel.Schema("unsupported_keyword", "schema uses an unsupported construct", map[string]any{"path": path, "keyword": kw})
		}
	}
	return &schemaNode{keys: keys}, nil
}

// translateObjectFields walks an object schema's properties depth-first,
// preserving the schema's own declaration order.
func translateObjectFields(node *schemaNode, path string) ([]Field, error) {
	propsRaw, ok := node.keys["properties"]
	if !ok {
		return nil, nil
	}
	names, values, err := orderedMembers(propsRaw, path+".properties")
	if err != nil {
		return nil, err
	}
	required := map[string]bool{}
	if reqRaw, ok := node.keys["required"]; ok {
		var req []string
		if err := json.Unmarshal(reqRaw, &req); err != nil {
			return nil, errmodel.Schema("bad_required", "required must be an array of names", map[string]any{"path": path}, err)
		}
		for _, r := range req {
			required[r] = true
		}
	}
	declared := map[string]bool{}
	for _, n := range names {
		declared[n] = true
	}
	for r := range required {
		if !declared[r] {
			return nil, errmodel.Schema("bad_required", "required names an undeclared property",
				map[string]any{"path": path, "field": r})
		}
	}

	fields := make([]Field, 0, len(names))
	for i, name := range names {
		fieldPath := path + "." + name
		child, err := parseObject(values[i], fieldPath)
		if err != nil {
			return nil, err
		}
		ft, err := translateType(child, fieldPath)
		if err != nil {
			return nil, err
		}
		f := Field{Name: name, Type: ft, Required: required[name]}
		if d, ok := child.keys["description"]; ok {
			_ = json.Unmarshal(d, &f.Description)
		}
		if d, ok := child.keys["default"]; ok && !required[name] {
			var def any
			if err := json.Unmarshal(d, &def); err != nil {
				return nil, errmodel.Schema("bad_default", "cannot parse default value", map[string]any{"path": fieldPath}, err)
			}
			// Normalize the default through the same coercion applied to
			// caller-supplied values, so filled defaults and explicit
			// arguments carry identical types.
			coerced, err := coerce(ft, def, fieldPath)
			if err != nil {
				return nil, errmodel.Schema("bad_default", "default does not fit the declared type",
					map[string]any{"path": fieldPath}, err)
			}
			f.Default = coerced
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// translateType maps one schema node onto the supported semantic type set.
func translateType(node *schemaNode, path string) (Type, error) {
	if enumRaw, ok := node.keys["enum"]; ok {
		var members []string
		if err := json.Unmarshal(enumRaw, &members); err != nil {
			return Type{}, errmodel.Schema("bad_enum", "only string enums are supported", map[string]any{"path": path}, err)
		}
		if len(members) == 0 {
			return Type{}, errmodel.Schema("bad_enum", "enum has no members", map[string]any{"path": path})
		}
		return Type{Kind: Enum, Enum: members}, nil
	}

	typeRaw, ok := node.keys["type"]
	if !ok {
		return Type{}, errmodel.Schema("missing_type", "schema declares no type", map[string]any{"path": path})
	}

	// A type given as an array of primitive names becomes a union.
	if bytes.HasPrefix(bytes.TrimSpace(typeRaw), []byte("[")) {
		var names []string
		if err := json.Unmarshal(typeRaw, &names); err != nil {
			return Type{}, errmodel.Schema("bad_type", "cannot parse type list", map[string]any{"path": path}, err)
		}
		variants := make([]Type, 0, len(names))
		for _, n := range names {
			v, err := primitiveType(n, path)
			if err != nil {
				return Type{}, err
			}
			variants = append(variants, v)
		}
		if len(variants) < 2 {
			return Type{}, errmodel.Schema("bad_type", "type list needs at least two entries", map[string]any{"path": path})
		}
		return Type{Kind: Union, Variants: variants}, nil
	}

	name, err := typeName(typeRaw, path)
	if err != nil {
		return Type{}, err
	}
	switch name {
	case "array":
		itemsRaw, ok := node.keys["items"]
		if !ok {
			return Type{}, errmodel.Schema("missing_items", "array schema declares no item shape", map[string]any{"path": path})
		}
		child, err := parseObject(itemsRaw, path+"[]")
		if err != nil {
			return Type{}, err
		}
		elem, err := translateType(child, path+"[]")
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: Array, Elem: &elem}, nil
	case "object":
		fields, err := translateObjectFields(node, path)
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: Object, Fields: fields}, nil
	default:
		return primitiveType(name, path)
	}
}

func primitiveType(name, path string) (Type, error) {
	switch name {
	case "string":
		return Type{Kind: String}, nil
	case "integer":
		return Type{Kind: Integer}, nil
	case "number":
		return Type{Kind: Number}, nil
	case "boolean":
		return Type{Kind: Boolean}, nil
	default:
		return Type{}, errmodel.Schema("unsupported_type", fmt.Sprintf("type %q is outside the supported subset", name), map[string]any{"path": path})
	}
}

func typeName(raw json.RawMessage, path string) (string, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", errmodel.Schema("bad_type", "type must be a name or a list of names", map[string]any{"path": path}, err)
	}
	return name, nil
}

// orderedMembers decodes a JSON object's members preserving declaration
// order, which encoding/json maps discard.
func orderedMembers(raw json.RawMessage, path string) ([]string, []json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, errmodel.Schema("bad_properties", "cannot parse properties", map[string]any{"path": path}, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, errmodel.Schema("bad_properties", "properties must be an object", map[string]any{"path": path})
	}
	var (
		names  []string
		values []json.RawMessage
	)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, errmodel.Schema("bad_properties", "cannot parse property name", map[string]any{"path": path}, err)
		}
		name, _ := keyTok.(string)
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, nil, errmodel.Schema("bad_properties", "cannot parse property value", map[string]any{"path": path + "." + name}, err)
		}
		names = append(names, name)
		values = append(values, value)
	}
	return names, values, nil
}

// compile runs the schema through jsonschema/v6 so instance validation has a
// full-fidelity backstop beyond the structural contract.
func compile(schema []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, err
	}
	if err := c.AddResource("mem://schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("mem://schema.json")
}
