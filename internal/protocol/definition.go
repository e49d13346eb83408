package protocol

import "strings"

// Parameter types with special resolver handling.
const (
	ParameterTypeBytes  = "Bytes"
	ParameterTypeBase64 = "Base64"
	ParameterTypeFile   = "File"
)

// CommandDefinition describes a command a plugin implements.
type CommandDefinition struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	OutputType  string      `yaml:"output_type,omitempty" json:"output_type,omitempty"`
	CommandType string      `yaml:"command_type,omitempty" json:"command_type,omitempty"`
	Parameters  []Parameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	InputSchema any         `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
}

// Parameter declares one named input of a command. Nested parameters describe
// the keys of a dictionary-typed value.
type Parameter struct {
	Key         string      `yaml:"key" json:"key"`
	Type        string      `yaml:"type,omitempty" json:"type,omitempty"`
	Multi       bool        `yaml:"multi,omitempty" json:"multi,omitempty"`
	Optional    bool        `yaml:"optional,omitempty" json:"optional,omitempty"`
	Nullable    bool        `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Default     any         `yaml:"default,omitempty" json:"default,omitempty"`
	Parameters  []Parameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	// AutoResolve nil means true.
	AutoResolve *bool `yaml:"auto_resolve,omitempty" json:"auto_resolve,omitempty"`
}

// ShouldAutoResolve reports whether references bound to this parameter are
// fetched before the command runs.
func (p Parameter) ShouldAutoResolve() bool {
	return p.AutoResolve == nil || *p.AutoResolve
}

// TypeIs compares the parameter type case-insensitively.
func (p Parameter) TypeIs(t string) bool {
	return strings.EqualFold(p.Type, t)
}

// FindParameter returns the definition for key, or a zero Parameter carrying
// only the key when none matches.
func FindParameter(defs []Parameter, key string) Parameter {
	for _, d := range defs {
		if d.Key == key {
			return d
		}
	}
	return Parameter{Key: key}
}

// FullInputSchema returns the input schema expanded to a JSON Schema object.
// A compact map of property name to type name is accepted as shorthand.
func (c CommandDefinition) FullInputSchema() any {
	return expandSchema(c.InputSchema)
}

func expandSchema(schema any) any {
	if schema == nil {
		return nil
	}

	m, ok := schema.(map[string]any)
	if !ok {
		return schema
	}

	// Already a JSON schema.
	if _, hasType := m["type"]; hasType {
		return schema
	}

	properties := make(map[string]any)
	for k, v := range m {
		if propType, isString := v.(string); isString {
			properties[k] = map[string]any{"type": propType}
		} else {
			properties[k] = v
		}
	}

	return map[string]any{
		"type":       "object",
		"properties": properties,
	}
}
