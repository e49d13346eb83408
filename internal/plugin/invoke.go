package plugin

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/taproom/internal/dispatch"
	"github.com/mattjoyce/taproom/internal/protocol"
	"github.com/mattjoyce/taproom/internal/resolve"
)

// Invoke creates a request on the control plane. Parameters described by
// defs are uploaded first, and when ctx carries the request being processed
// the new request becomes its child.
//
// Routing fields left blank target this plugin's own system.
func (p *Plugin) Invoke(ctx context.Context, req *protocol.Request, defs []protocol.Parameter) (*protocol.Request, error) {
	if req == nil {
		return nil, errors.New("invoke: nil request")
	}
	if req.Command == "" {
		return nil, errors.New("invoke: command is required")
	}

	child := *req
	if child.System == "" {
		child.System = p.cfg.Plugin.Name
		if child.SystemVersion == "" {
			child.SystemVersion = p.cfg.Plugin.Version
		}
		if child.InstanceName == "" {
			child.InstanceName = p.cfg.Plugin.Instance
		}
	}
	if child.Namespace == "" {
		child.Namespace = p.cfg.Plugin.Namespace
	}

	if parent, ok := dispatch.RequestFromContext(ctx); ok {
		child.Parent = &protocol.Request{ID: parent.ID}
		child.HasParent = true
	}

	params, err := p.resolver.Resolve(ctx, resolve.Upload, req.Parameters, defs, "")
	if err != nil {
		return nil, fmt.Errorf("upload parameters for %s: %w", req.Command, err)
	}
	child.Parameters = params

	created, err := p.client.CreateRequest(ctx, &child)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", req.Command, err)
	}
	p.logger.Debug("created request", "request_id", created.ID, "command", created.Command, "has_parent", child.HasParent)
	return created, nil
}
