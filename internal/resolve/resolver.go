// Package resolve swaps out-of-band payload references in request parameters
// for their contents, and back.
package resolve

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattjoyce/taproom/internal/payload"
	"github.com/mattjoyce/taproom/internal/protocol"
)

// Storage types understood by the built-in resolvers.
const (
	StorageBytes = "bytes"
	StorageFile  = "file"
)

// Resolver handles one storage type in both directions.
type Resolver interface {
	Name() string
	ShouldUpload(value any, def protocol.Parameter) bool
	Upload(ctx context.Context, value any, def protocol.Parameter) (any, error)
	ShouldDownload(value any, def protocol.Parameter) bool
	Download(ctx context.Context, value any, def protocol.Parameter, workDir string) (any, error)
}

// payloadTyped reports whether def declares a type whose values travel as
// references. Anything else is plain data, whatever its shape.
func payloadTyped(def protocol.Parameter) bool {
	return def.TypeIs(protocol.ParameterTypeBytes) || fileTyped(def)
}

// IdentityResolver leaves references alone. It makes uploading an already
// uploaded value a no-op, and hands the reference itself to commands whose
// parameter opts out of auto resolution.
type IdentityResolver struct{}

func (IdentityResolver) Name() string { return "identity" }

func (IdentityResolver) ShouldUpload(value any, def protocol.Parameter) bool {
	switch value.(type) {
	case protocol.Resolvable, *protocol.Resolvable:
		return true
	}
	_, ok := protocol.ResolvableFromValue(value)
	return ok && payloadTyped(def)
}

func (IdentityResolver) Upload(_ context.Context, value any, _ protocol.Parameter) (any, error) {
	ref, _ := protocol.ResolvableFromValue(value)
	return ref.Map(), nil
}

func (IdentityResolver) ShouldDownload(value any, def protocol.Parameter) bool {
	_, ok := protocol.ResolvableFromValue(value)
	return ok && payloadTyped(def) && !def.ShouldAutoResolve()
}

func (IdentityResolver) Download(_ context.Context, value any, _ protocol.Parameter, _ string) (any, error) {
	ref, _ := protocol.ResolvableFromValue(value)
	return ref, nil
}

// BytesResolver stores raw bytes for parameters of type Bytes.
type BytesResolver struct {
	Store payload.Store
}

func (BytesResolver) Name() string { return StorageBytes }

func (BytesResolver) ShouldUpload(value any, def protocol.Parameter) bool {
	if !def.TypeIs(protocol.ParameterTypeBytes) {
		return false
	}
	switch value.(type) {
	case []byte, string:
		return true
	}
	return false
}

func (r BytesResolver) Upload(ctx context.Context, value any, def protocol.Parameter) (any, error) {
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	id, err := r.Store.Upload(ctx, data, "")
	if err != nil {
		return nil, fmt.Errorf("upload bytes for %q: %w", def.Key, err)
	}
	return protocol.Resolvable{ID: id, Type: protocol.ParameterTypeBytes, Storage: StorageBytes}.Map(), nil
}

func (BytesResolver) ShouldDownload(value any, def protocol.Parameter) bool {
	ref, ok := protocol.ResolvableFromValue(value)
	return ok && ref.Storage == StorageBytes && def.TypeIs(protocol.ParameterTypeBytes)
}

func (r BytesResolver) Download(ctx context.Context, value any, def protocol.Parameter, _ string) (any, error) {
	ref, _ := protocol.ResolvableFromValue(value)
	data, err := r.Store.Download(ctx, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("download bytes for %q: %w", def.Key, err)
	}
	return data, nil
}

// FileResolver moves local files for parameters of type Base64 or File.
// Downloads land in workDir/<id>/<filename>.
type FileResolver struct {
	Store payload.Store
}

func (FileResolver) Name() string { return StorageFile }

func fileTyped(def protocol.Parameter) bool {
	return def.TypeIs(protocol.ParameterTypeBase64) || def.TypeIs(protocol.ParameterTypeFile)
}

func (FileResolver) ShouldUpload(value any, def protocol.Parameter) bool {
	path, ok := value.(string)
	return ok && path != "" && fileTyped(def)
}

func (r FileResolver) Upload(ctx context.Context, value any, def protocol.Parameter) (any, error) {
	path := value.(string)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q for %q: %w", path, def.Key, err)
	}
	name := filepath.Base(path)
	id, err := r.Store.Upload(ctx, data, name)
	if err != nil {
		return nil, fmt.Errorf("upload file for %q: %w", def.Key, err)
	}
	return protocol.Resolvable{ID: id, Type: def.Type, Storage: StorageFile, Filename: name}.Map(), nil
}

func (FileResolver) ShouldDownload(value any, def protocol.Parameter) bool {
	ref, ok := protocol.ResolvableFromValue(value)
	return ok && ref.Storage == StorageFile && fileTyped(def)
}

func (r FileResolver) Download(ctx context.Context, value any, def protocol.Parameter, workDir string) (any, error) {
	ref, _ := protocol.ResolvableFromValue(value)
	data, err := r.Store.Download(ctx, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("download file for %q: %w", def.Key, err)
	}

	name := filepath.Base(ref.Filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = ref.ID
	}
	dir := filepath.Join(workDir, filepath.Base(ref.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	target := filepath.Join(dir, name)
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return nil, fmt.Errorf("write %q: %w", target, err)
	}
	return target, nil
}
