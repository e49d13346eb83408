package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Codec converts requests to and from broker message bodies.
type Codec interface {
	ContentType() string
	DecodeRequest(body []byte) (*Request, error)
	EncodeRequest(req *Request) ([]byte, error)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor enc mode: %v", err))
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor dec mode: %v", err))
	}
}

// CodecFor returns the codec registered under name. Empty selects JSON.
func CodecFor(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q (must be json or cbor)", name)
	}
}

// JSONCodec is the default wire format.
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return "application/json" }

// DecodeRequest parses body and checks the required fields.
func (JSONCodec) DecodeRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if err := checkDecoded(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (JSONCodec) EncodeRequest(req *Request) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("failed to encode request: nil request")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return data, nil
}

// CBORCodec encodes requests as CBOR using the same field names as JSON.
type CBORCodec struct{}

func (CBORCodec) ContentType() string { return "application/cbor" }

func (CBORCodec) DecodeRequest(body []byte) (*Request, error) {
	var req Request
	if err := cborDec.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if err := checkDecoded(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (CBORCodec) EncodeRequest(req *Request) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("failed to encode request: nil request")
	}
	data, err := cborEnc.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return data, nil
}

func checkDecoded(req *Request) error {
	if strings.TrimSpace(req.Command) == "" {
		return fmt.Errorf("request missing required field: command")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	return nil
}
