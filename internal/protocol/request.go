package protocol

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Status is the lifecycle state of a Request.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusReceived   Status = "RECEIVED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusError      Status = "ERROR"
	StatusCanceled   Status = "CANCELED"
	// StatusInvalid is assigned by the control plane to requests it rejected.
	StatusInvalid Status = "INVALID"
)

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCanceled, StatusInvalid:
		return true
	}
	return false
}

func (s Status) valid() bool {
	switch s {
	case StatusCreated, StatusReceived, StatusInProgress,
		StatusSuccess, StatusError, StatusCanceled, StatusInvalid:
		return true
	}
	return false
}

// ParseStatus converts a wire string into a Status. Empty means CREATED.
func ParseStatus(s string) (Status, error) {
	if s == "" {
		return StatusCreated, nil
	}
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrStatusTransition, s)
	}
	return st, nil
}

const (
	CommandTypeAction    = "ACTION"
	CommandTypeInfo      = "INFO"
	CommandTypeEphemeral = "EPHEMERAL"
	CommandTypeAdmin     = "ADMIN"

	OutputTypeString = "STRING"
	OutputTypeJSON   = "JSON"
)

// Request is a single command invocation travelling between the control plane
// and a plugin. Its status can only move forward through SetStatus.
type Request struct {
	ID            string
	System        string
	SystemVersion string
	InstanceName  string
	Namespace     string
	Command       string
	CommandType   string
	Parameters    map[string]any
	Output        string
	OutputType    string
	ErrorClass    string
	Parent        *Request
	Children      []*Request
	HasParent     bool
	Comment       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Metadata      map[string]any

	status Status
}

// NewRequest returns a request for command in CREATED status.
func NewRequest(command string, params map[string]any) *Request {
	if params == nil {
		params = map[string]any{}
	}
	return &Request{
		Command:    command,
		Parameters: params,
		CreatedAt:  time.Now().UTC(),
		status:     StatusCreated,
	}
}

// Status returns the current status.
func (r *Request) Status() Status {
	if r.status == "" {
		return StatusCreated
	}
	return r.status
}

// SetStatus moves the request to s.
// Terminal requests never change again, and IN_PROGRESS may only be followed
// by itself or a terminal status.
func (r *Request) SetStatus(s Status) error {
	if !s.valid() {
		return fmt.Errorf("%w: unknown status %q", ErrStatusTransition, s)
	}
	cur := r.Status()
	if cur.Terminal() {
		return fmt.Errorf("%w: request %s is already %s, cannot become %s", ErrStatusTransition, r.ID, cur, s)
	}
	if cur == StatusInProgress && s != StatusInProgress && !s.Terminal() {
		return fmt.Errorf("%w: request %s is %s, cannot become %s", ErrStatusTransition, r.ID, cur, s)
	}
	r.status = s
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// WithTerminalError returns a copy of r in ERROR status carrying output and
// errorClass. The receiver is left untouched.
func (r *Request) WithTerminalError(output, errorClass string) *Request {
	cp := *r
	cp.Parameters = maps.Clone(r.Parameters)
	cp.Metadata = maps.Clone(r.Metadata)
	cp.Children = append([]*Request(nil), r.Children...)
	cp.Output = output
	cp.ErrorClass = errorClass
	cp.status = StatusError
	cp.UpdatedAt = time.Now().UTC()
	return &cp
}

// IsEphemeral reports whether the control plane does not track this request.
func (r *Request) IsEphemeral() bool {
	return strings.EqualFold(r.CommandType, CommandTypeEphemeral)
}

// IsJSON reports whether output is expected to be a JSON document.
func (r *Request) IsJSON() bool {
	return strings.EqualFold(r.OutputType, OutputTypeJSON)
}

func (r *Request) String() string {
	return fmt.Sprintf("%s:%s(%s)", r.ID, r.Command, r.Status())
}

type requestWire struct {
	ID            string         `json:"id,omitempty"`
	System        string         `json:"system,omitempty"`
	SystemVersion string         `json:"system_version,omitempty"`
	InstanceName  string         `json:"instance_name,omitempty"`
	Namespace     string         `json:"namespace,omitempty"`
	Command       string         `json:"command"`
	CommandType   string         `json:"command_type,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Status        string         `json:"status,omitempty"`
	Output        string         `json:"output,omitempty"`
	OutputType    string         `json:"output_type,omitempty"`
	ErrorClass    string         `json:"error_class,omitempty"`
	Parent        *Request       `json:"parent,omitempty"`
	Children      []*Request     `json:"children,omitempty"`
	HasParent     bool           `json:"has_parent,omitempty"`
	Comment       string         `json:"comment,omitempty"`
	CreatedAt     time.Time      `json:"created_at,omitzero"`
	UpdatedAt     time.Time      `json:"updated_at,omitzero"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (r Request) wire() requestWire {
	return requestWire{
		ID:            r.ID,
		System:        r.System,
		SystemVersion: r.SystemVersion,
		InstanceName:  r.InstanceName,
		Namespace:     r.Namespace,
		Command:       r.Command,
		CommandType:   r.CommandType,
		Parameters:    r.Parameters,
		Status:        string(r.Status()),
		Output:        r.Output,
		OutputType:    r.OutputType,
		ErrorClass:    r.ErrorClass,
		Parent:        r.Parent,
		Children:      r.Children,
		HasParent:     r.HasParent || r.Parent != nil,
		Comment:       r.Comment,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Metadata:      r.Metadata,
	}
}

func (r *Request) fromWire(w requestWire) error {
	st, err := ParseStatus(w.Status)
	if err != nil {
		return err
	}
	*r = Request{
		ID:            w.ID,
		System:        w.System,
		SystemVersion: w.SystemVersion,
		InstanceName:  w.InstanceName,
		Namespace:     w.Namespace,
		Command:       w.Command,
		CommandType:   w.CommandType,
		Parameters:    w.Parameters,
		Output:        w.Output,
		OutputType:    w.OutputType,
		ErrorClass:    w.ErrorClass,
		Parent:        w.Parent,
		Children:      w.Children,
		HasParent:     w.HasParent,
		Comment:       w.Comment,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
		Metadata:      w.Metadata,
		status:        st,
	}
	if r.Parameters == nil {
		r.Parameters = map[string]any{}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.wire())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Request) UnmarshalJSON(data []byte) error {
	var w requestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	return r.fromWire(w)
}

// MarshalCBOR implements cbor.Marshaler.
func (r Request) MarshalCBOR() ([]byte, error) {
	return cborEnc.Marshal(r.wire())
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (r *Request) UnmarshalCBOR(data []byte) error {
	var w requestWire
	if err := cborDec.Unmarshal(data, &w); err != nil {
		return err
	}
	return r.fromWire(w)
}

var _ cbor.Marshaler = Request{}
