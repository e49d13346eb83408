package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/mattjoyce/taproom/internal/protocol"
)

// FormatOutput renders a command result for the request's output field.
// Strings pass through; everything else becomes JSON, or its fmt form when
// it cannot be encoded.
func FormatOutput(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

type errorDocument struct {
	Message    string         `json:"message"`
	Arguments  []any          `json:"arguments"`
	Attributes map[string]any `json:"attributes"`
}

// FormatErrorOutput renders err for the request's output field. JSON requests
// get a structured document; others get the error text.
func FormatErrorOutput(req *protocol.Request, err error) string {
	if req == nil || !req.IsJSON() {
		return err.Error()
	}

	doc := errorDocument{
		Message:    err.Error(),
		Arguments:  []any{},
		Attributes: map[string]any{},
	}
	var withArgs protocol.Argumented
	if errors.As(err, &withArgs) {
		for _, a := range withArgs.Arguments() {
			doc.Arguments = append(doc.Arguments, jsonSafe(a))
		}
	}
	for k, v := range exportedFields(err) {
		doc.Attributes[k] = jsonSafe(v)
	}

	data, mErr := json.Marshal(doc)
	if mErr != nil {
		return err.Error()
	}
	return string(data)
}

// ErrorClass names the concrete type of err, looking through fmt and errors
// wrappers.
func ErrorClass(err error) string {
	for err != nil {
		t := reflect.TypeOf(err)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if pkg := t.PkgPath(); pkg == "fmt" || pkg == "errors" {
			if inner := errors.Unwrap(err); inner != nil {
				err = inner
				continue
			}
			return "error"
		}
		if t.Name() == "" {
			return "error"
		}
		return t.Name()
	}
	return ""
}

func jsonSafe(v any) any {
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprint(v)
	}
	return v
}

func exportedFields(err error) map[string]any {
	out := map[string]any{}
	v := reflect.ValueOf(err)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return out
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return out
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		fv := v.Field(i).Interface()
		if e, ok := fv.(error); ok && e != nil {
			fv = e.Error()
		}
		out[f.Name] = fv
	}
	return out
}
