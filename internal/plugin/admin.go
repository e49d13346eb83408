package plugin

import (
	"context"
	"fmt"

	"github.com/mattjoyce/taproom/internal/controlplane"
	"github.com/mattjoyce/taproom/internal/dispatch"
	"github.com/mattjoyce/taproom/internal/events"
	"github.com/mattjoyce/taproom/internal/protocol"
)

// Administrative commands understood on the admin queue.
const (
	CommandStart  = "_start"
	CommandStop   = "_stop"
	CommandStatus = "_status"
)

func (p *Plugin) adminRegistry() (*dispatch.Registry, error) {
	r := dispatch.NewRegistry()
	for name, h := range map[string]dispatch.HandlerFunc{
		CommandStart:  p.handleStart,
		CommandStop:   p.handleStop,
		CommandStatus: p.handleStatus,
	} {
		def := protocol.CommandDefinition{
			Name:        name,
			CommandType: protocol.CommandTypeAdmin,
			OutputType:  protocol.OutputTypeString,
		}
		if err := r.Register(def, h); err != nil {
			return nil, fmt.Errorf("register admin command: %w", err)
		}
	}
	return r, nil
}

func (p *Plugin) handleStart(ctx context.Context, _ map[string]any) (any, error) {
	if err := p.client.UpdateInstanceStatus(ctx, p.cfg.InstanceID(), controlplane.InstanceRunning); err != nil {
		return nil, fmt.Errorf("mark instance running: %w", err)
	}
	p.publish(events.TypePluginLifecycle, map[string]string{"state": "running"})
	return "Successfully started plugin", nil
}

// handleStop begins shutdown before reporting so no new work is accepted
// while the control plane records the instance as stopped.
func (p *Plugin) handleStop(ctx context.Context, _ map[string]any) (any, error) {
	p.Stop()
	if err := p.client.UpdateInstanceStatus(ctx, p.cfg.InstanceID(), controlplane.InstanceStopped); err != nil {
		return nil, fmt.Errorf("mark instance stopped: %w", err)
	}
	return "Successfully stopped plugin", nil
}

func (p *Plugin) handleStatus(ctx context.Context, _ map[string]any) (any, error) {
	if err := p.updater.Heartbeat(ctx, p.cfg.InstanceID()); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return nil, nil
}
