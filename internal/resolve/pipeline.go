package resolve

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/taproom/internal/payload"
	"github.com/mattjoyce/taproom/internal/protocol"
)

// Direction selects which half of the resolvers a pass uses.
type Direction int

const (
	// Download turns references into payloads before a command runs.
	Download Direction = iota
	// Upload turns payloads into references before a request is sent.
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Pipeline walks a parameter tree and applies resolvers to its leaves.
type Pipeline struct {
	resolvers []Resolver
	byStorage map[string]Resolver
	logger    *slog.Logger
}

// NewPipeline returns a pipeline with the identity resolver first, followed
// by extra in order. Later resolvers do not replace earlier ones for the same
// storage type.
func NewPipeline(logger *slog.Logger, extra ...Resolver) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		resolvers: append([]Resolver{IdentityResolver{}}, extra...),
		byStorage: make(map[string]Resolver, len(extra)),
		logger:    logger.With("component", "resolver"),
	}
	for _, r := range extra {
		if _, exists := p.byStorage[r.Name()]; !exists {
			p.byStorage[r.Name()] = r
		}
	}
	return p
}

// NewDefaultPipeline wires the bytes and file resolvers against store.
func NewDefaultPipeline(store payload.Store, logger *slog.Logger) *Pipeline {
	return NewPipeline(logger, BytesResolver{Store: store}, FileResolver{Store: store})
}

// Resolvers returns the ordered resolver names.
func (p *Pipeline) Resolvers() []string {
	out := make([]string, 0, len(p.resolvers))
	for _, r := range p.resolvers {
		out = append(out, r.Name())
	}
	return out
}

// Resolve returns a copy of values with every leaf resolved in direction d.
// workDir is only used for downloads.
func (p *Pipeline) Resolve(ctx context.Context, d Direction, values map[string]any, defs []protocol.Parameter, workDir string) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for key, value := range values {
		def := protocol.FindParameter(defs, key)
		resolved, err := p.resolveValue(ctx, d, value, def, workDir)
		if err != nil {
			return nil, fmt.Errorf("resolve parameter %q: %w", key, err)
		}
		out[key] = resolved
	}
	return out, nil
}

func (p *Pipeline) resolveValue(ctx context.Context, d Direction, value any, def protocol.Parameter, workDir string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch v := value.(type) {
	case map[string]any:
		if len(def.Parameters) > 0 && !payloadTyped(def) {
			return p.Resolve(ctx, d, v, def.Parameters, workDir)
		}
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := p.resolveValue(ctx, d, item, def, workDir)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	}

	if d == Upload {
		return p.upload(ctx, value, def)
	}
	return p.download(ctx, value, def, workDir)
}

func (p *Pipeline) upload(ctx context.Context, value any, def protocol.Parameter) (any, error) {
	for _, r := range p.resolvers {
		if r.ShouldUpload(value, def) {
			return r.Upload(ctx, value, def)
		}
	}
	return value, nil
}

func (p *Pipeline) download(ctx context.Context, value any, def protocol.Parameter, workDir string) (any, error) {
	ref, ok := protocol.ResolvableFromValue(value)
	if !ok || !payloadTyped(def) {
		return value, nil
	}
	if p.resolvers[0].ShouldDownload(value, def) {
		return p.resolvers[0].Download(ctx, value, def, workDir)
	}

	r, ok := p.byStorage[ref.Storage]
	if !ok {
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownStorageType, ref.Storage)
	}
	if !r.ShouldDownload(value, def) {
		return nil, fmt.Errorf("%w: %q cannot serve %s parameter %q", protocol.ErrUnknownStorageType, ref.Storage, def.Type, def.Key)
	}
	p.logger.Debug("downloading parameter", "key", def.Key, "storage", ref.Storage, "payload_id", ref.ID)
	return r.Download(ctx, value, def, workDir)
}
