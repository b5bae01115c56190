// Package contract derives runtime-checked parameter contracts from the JSON
// Schemas that MCP tool descriptors declare. A contract is built once per
// descriptor and treated as immutable data afterwards, so it is safe to read
// from concurrent runs.
package contract

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Kind is the semantic type of a contract value.
type Kind int

const (
	String Kind = iota
	Integer
	Number
	Boolean
	Enum
	Array
	Object
	Union
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Integer:
		return "integer"
	case Number:
		return "number"
	case Boolean:
		return "boolean"
	case Enum:
		return "enum"
	case Array:
		return "array"
	case Object:
		return "object"
	case Union:
		return "union"
	default:
		return "invalid"
	}
}

// Type describes the recursively-defined shape of one value.
// Exactly one of the composite slots is populated, selected by Kind:
// Enum values for Enum, Elem for Array, Fields for Object, Variants for Union.
type Type struct {
	Kind     Kind
	Enum     []string
	Elem     *Type
	Fields   []Field
	Variants []Type
}

// Field is one named parameter of a contract.
type Field struct {
	Name        string
	Description string
	Type        Type
	Required    bool
	Default     any
}

// Contract is the validated parameter shape of one tool. Field order is the
// schema's own property declaration order; lookups are by name.
type Contract struct {
	fields   []Field
	index    map[string]int
	compiled *jsonschema.Schema
}

// Len returns the number of declared fields.
func (c *Contract) Len() int { return len(c.fields) }

// Fields returns the ordered field list. Callers must treat it as read-only.
func (c *Contract) Fields() []Field { return c.fields }

// Field looks up a field by name.
func (c *Contract) Field(name string) (Field, bool) {
	i, ok := c.index[name]
	if !ok {
		return Field{}, false
	}
	return c.fields[i], true
}

// Required returns the names of all required fields in declaration order.
func (c *Contract) Required() []string {
	var out []string
	for _, f := range c.fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// Document renders the contract as human-readable parameter documentation,
// one line per field in canonical (declaration) order. Reasoning engines that
// take a plain-text tool description consume this.
func (c *Contract) Document() string {
	if len(c.fields) == 0 {
		return "(no parameters)"
	}
	var b strings.Builder
	for _, f := range c.fields {
		b.WriteString("- ")
		b.WriteString(f.Name)
		b.WriteString(" (")
		b.WriteString(renderType(f.Type))
		if f.Required {
			b.WriteString(", required")
		}
		b.WriteString(")")
		if f.Description != "" {
			b.WriteString(": ")
			b.WriteString(f.Description)
		}
		if f.Default != nil {
			fmt.Fprintf(&b, " [default: %v]", f.Default)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderType(t Type) string {
	switch t.Kind {
	case Enum:
		return "enum<" + strings.Join(t.Enum, "|") + ">"
	case Array:
		return "array<" + renderType(*t.Elem) + ">"
	case Object:
		names := make([]string, 0, len(t.Fields))
		for _, f := range t.Fields {
			names = append(names, f.Name)
		}
		return "object{" + strings.Join(names, ", ") + "}"
	case Union:
		parts := make([]string, 0, len(t.Variants))
		for _, v := range t.Variants {
			parts = append(parts, renderType(v))
		}
		return strings.Join(parts, "|")
	default:
		return t.Kind.String()
	}
}
