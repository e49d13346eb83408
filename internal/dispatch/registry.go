package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mattjoyce/taproom/internal/protocol"
)

// HandlerFunc implements a command. params have already been resolved.
type HandlerFunc func(ctx context.Context, params map[string]any) (any, error)

// Command pairs a definition with its implementation.
type Command struct {
	Definition protocol.CommandDefinition
	Handler    HandlerFunc
}

// Registry maps command names to implementations.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds a command. Names must be unique.
func (r *Registry) Register(def protocol.CommandDefinition, handler HandlerFunc) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return fmt.Errorf("command name is required")
	}
	if handler == nil {
		return fmt.Errorf("command %q: handler is nil", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[def.Name]; exists {
		return fmt.Errorf("command %q already registered", def.Name)
	}
	r.commands[def.Name] = Command{Definition: def, Handler: handler}
	return nil
}

// Lookup returns the command called name, or a CommandNotFoundError.
func (r *Registry) Lookup(name string) (Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	if !ok {
		return Command{}, &protocol.CommandNotFoundError{Command: name}
	}
	return cmd, nil
}

// Definitions returns every registered definition sorted by name.
func (r *Registry) Definitions() []protocol.CommandDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.CommandDefinition, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c.Definition)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered commands.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}
