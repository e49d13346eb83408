package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/taproom/internal/dispatch"
	"github.com/mattjoyce/taproom/internal/plugin"
	"github.com/mattjoyce/taproom/internal/protocol"
)

// builtinManifest declares the commands served when no manifest is configured.
const builtinManifest = `
manifest_version: 1
name: echo
version: 1.0.0
description: Built-in demonstration commands
commands:
  - name: say
    description: Return the message unchanged
    parameters:
      - key: message
        type: String
    input_schema:
      message: string
  - name: shout
    description: Return the message in upper case
    parameters:
      - key: message
        type: String
    input_schema:
      message: string
  - name: sleep
    description: Wait for the given number of seconds
    parameters:
      - key: seconds
        type: Float
    input_schema:
      seconds: number
  - name: fail
    description: Always fail with the given message
    parameters:
      - key: message
        type: String
        optional: true
  - name: digest
    description: BLAKE3 digest of a byte payload
    output_type: JSON
    parameters:
      - key: data
        type: Bytes
  - name: spawn
    description: Create a child say request
    parameters:
      - key: message
        type: String
`

// builtins implements the built-in commands. plugin is set once the runtime
// has been assembled; only spawn needs it.
type builtins struct {
	plugin *plugin.Plugin
}

func (b *builtins) handlers() map[string]dispatch.HandlerFunc {
	return map[string]dispatch.HandlerFunc{
		"say":    b.say,
		"shout":  b.shout,
		"sleep":  b.sleep,
		"fail":   b.fail,
		"digest": b.digest,
		"spawn":  b.spawn,
	}
}

func (b *builtins) say(_ context.Context, params map[string]any) (any, error) {
	msg, _ := params["message"].(string)
	return msg, nil
}

func (b *builtins) shout(_ context.Context, params map[string]any) (any, error) {
	msg, _ := params["message"].(string)
	return strings.ToUpper(msg), nil
}

func (b *builtins) sleep(ctx context.Context, params map[string]any) (any, error) {
	secs, _ := params["seconds"].(float64)
	t := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return fmt.Sprintf("slept %gs", secs), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *builtins) fail(_ context.Context, params map[string]any) (any, error) {
	msg, _ := params["message"].(string)
	if msg == "" {
		msg = "failed on request"
	}
	return nil, errors.New(msg)
}

func (b *builtins) digest(_ context.Context, params map[string]any) (any, error) {
	var data []byte
	switch v := params["data"].(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return nil, fmt.Errorf("data must be bytes, got %T", params["data"])
	}
	sum := blake3.Sum256(data)
	return map[string]any{"blake3": hex.EncodeToString(sum[:]), "size": len(data)}, nil
}

func (b *builtins) spawn(ctx context.Context, params map[string]any) (any, error) {
	if b.plugin == nil {
		return nil, errors.New("spawn: runtime not ready")
	}
	child := protocol.NewRequest("say", map[string]any{"message": params["message"]})
	created, err := b.plugin.Invoke(ctx, child, nil)
	if err != nil {
		return nil, err
	}
	return created.ID, nil
}
