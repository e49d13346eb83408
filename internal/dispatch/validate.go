package dispatch

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/mattjoyce/taproom/internal/protocol"
)

// ValidatorFunc checks a decoded request before it is scheduled. A
// DiscardError drops the message; any other error requeues it.
type ValidatorFunc func(req *protocol.Request) error

// SystemValidator discards requests addressed to a different system.
func SystemValidator(system string) ValidatorFunc {
	return func(req *protocol.Request) error {
		if !strings.EqualFold(req.System, system) {
			return protocol.Discard(fmt.Sprintf("received message for system %q", req.System))
		}
		return nil
	}
}

// SchemaValidator checks parameters against the command's input schema.
// Commands without a schema, and unknown commands, pass.
func SchemaValidator(registry *Registry) ValidatorFunc {
	return func(req *protocol.Request) error {
		if req.Status().Terminal() {
			return nil
		}
		cmd, err := registry.Lookup(req.Command)
		if err != nil {
			return nil
		}
		schema := cmd.Definition.FullInputSchema()
		if schema == nil {
			return nil
		}

		params := req.Parameters
		if params == nil {
			params = map[string]any{}
		}
		result, err := gojsonschema.Validate(
			gojsonschema.NewGoLoader(schema),
			gojsonschema.NewGoLoader(params),
		)
		if err != nil {
			return protocol.DiscardWrap(fmt.Sprintf("command %q has an unusable input schema", req.Command), err)
		}
		if result.Valid() {
			return nil
		}

		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return protocol.Discard(fmt.Sprintf("parameters for %q do not match schema: %s", req.Command, strings.Join(msgs, "; ")))
	}
}
