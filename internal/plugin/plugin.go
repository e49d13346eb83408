// Package plugin assembles the runtime: it wires the processors, the status
// updater and the queue consumers for one system instance, and owns their
// start and shutdown order.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/taproom/internal/api"
	"github.com/mattjoyce/taproom/internal/auth"
	"github.com/mattjoyce/taproom/internal/broker"
	"github.com/mattjoyce/taproom/internal/config"
	"github.com/mattjoyce/taproom/internal/controlplane"
	"github.com/mattjoyce/taproom/internal/dispatch"
	"github.com/mattjoyce/taproom/internal/events"
	"github.com/mattjoyce/taproom/internal/lock"
	"github.com/mattjoyce/taproom/internal/payload"
	"github.com/mattjoyce/taproom/internal/protocol"
	"github.com/mattjoyce/taproom/internal/resolve"
	"github.com/mattjoyce/taproom/internal/updater"
	"github.com/mattjoyce/taproom/internal/workspace"
)

// consumerCount is the number of queues a plugin consumes: requests and admin.
const consumerCount = 2

const janitorInterval = 10 * time.Minute

// pruner is a payload store that can expire old payloads.
type pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// ControlPlane is everything the runtime asks of the control plane.
type ControlPlane interface {
	updater.ControlPlane
	CreateRequest(ctx context.Context, req *protocol.Request) (*protocol.Request, error)
	UpdateInstanceStatus(ctx context.Context, instanceID, status string) error
}

// Options configures a Plugin. Only Config and Registry are required; the
// rest default to the real AMQP, REST and SQLite implementations.
type Options struct {
	Config   *config.Config
	Registry *dispatch.Registry

	Dialer       broker.Dialer
	ControlPlane ControlPlane
	// Store overrides the payload store chosen by Config.Payload.
	Store  payload.Store
	Hub    *events.Hub
	Logger *slog.Logger
}

// Plugin serves one (system, version, instance) queue pair.
type Plugin struct {
	cfg      *config.Config
	registry *dispatch.Registry
	client   ControlPlane
	updater  *updater.Updater
	store    payload.Store
	resolver *resolve.Pipeline
	hub      *events.Hub
	logger   *slog.Logger

	requests   *dispatch.Processor
	admin      *dispatch.Processor
	dialer     broker.Dialer
	workspaces *workspace.Manager

	mu              sync.Mutex
	consumers       map[string]*broker.Consumer
	closedConsumers atomic.Int32

	closeStore func() error
	running    atomic.Bool
	stopping   atomic.Bool
	stopCh     chan struct{}
	stopOnce   sync.Once
	shutOnce   sync.Once
	// cancelAux stops the API server and the workspace janitor.
	cancelAux context.CancelFunc
}

// New wires a plugin from opts. Nothing touches the network until Run.
func New(ctx context.Context, opts Options) (*Plugin, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("plugin: config is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("plugin: registry is required")
	}
	if cfg.Plugin.Name == "" {
		return nil, errors.New("plugin: plugin.name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("system", cfg.Plugin.Name, "version", cfg.Plugin.Version, "instance", cfg.Plugin.Instance)

	p := &Plugin{
		cfg:       cfg,
		registry:  opts.Registry,
		hub:       opts.Hub,
		logger:    logger.With("component", "plugin"),
		dialer:    opts.Dialer,
		consumers: make(map[string]*broker.Consumer),
		stopCh:    make(chan struct{}),
	}

	p.client = opts.ControlPlane
	if p.client == nil {
		client, err := controlplane.New(controlplane.Options{
			URL:     cfg.ControlPlane.URL,
			Token:   cfg.ControlPlane.Token,
			Timeout: cfg.ControlPlane.Timeout,
			Tracing: cfg.Tracing.Enabled,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("control plane client: %w", err)
		}
		p.client = client
	}
	if p.dialer == nil {
		p.dialer = broker.DialAMQP(cfg.RequestQueue())
	}

	store, closeStore, err := openStore(ctx, cfg, opts.Store, p.client, logger)
	if err != nil {
		return nil, err
	}
	p.store = store
	p.closeStore = closeStore
	p.resolver = resolve.NewDefaultPipeline(store, logger)

	p.updater = updater.New(p.client, updater.Options{
		MaxAttempts:     cfg.Updater.MaxAttempts,
		MaxTimeout:      cfg.Updater.MaxTimeout,
		StartingTimeout: cfg.Updater.StartingTimeout,
		PollInterval:    cfg.Updater.PollInterval,
		OnStateChange:   p.onControlPlaneState,
		Logger:          logger,
	})

	codec, err := protocol.CodecFor(cfg.Broker.Codec)
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	p.workspaces, err = workspace.NewManager(cfg.Payload.WorkingDir)
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	p.requests, err = dispatch.NewProcessor(dispatch.Options{
		Name:     "requests",
		Registry: p.registry,
		Codec:    codec,
		Updater:  &reportingUpdater{next: p.updater, hub: p.hub},
		Resolver: p.resolver,
		Validators: []dispatch.ValidatorFunc{
			dispatch.SystemValidator(cfg.Plugin.Name),
			dispatch.SchemaValidator(p.registry),
		},
		Workspaces:    p.workspaces,
		MaxConcurrent: cfg.Plugin.MaxConcurrent,
		Logger:        logger,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	adminRegistry, err := p.adminRegistry()
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	p.admin, err = dispatch.NewAdminProcessor(dispatch.Options{
		Registry: adminRegistry,
		Codec:    codec,
		Logger:   logger,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	return p, nil
}

func openStore(ctx context.Context, cfg *config.Config, override payload.Store, client ControlPlane, logger *slog.Logger) (payload.Store, func() error, error) {
	noop := func() error { return nil }
	if override != nil {
		return override, noop, nil
	}
	switch cfg.Payload.Backend {
	case config.PayloadBackendSQLite:
		s, err := payload.OpenSQLiteStore(ctx, cfg.Payload.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open payload store: %w", err)
		}
		return s, s.Close, nil
	default:
		s, ok := client.(payload.Store)
		if !ok {
			return nil, nil, errors.New("control plane client cannot store payloads; set payload.backend to sqlite")
		}
		return s, noop, nil
	}
}

// Registry returns the command registry requests are dispatched against.
func (p *Plugin) Registry() *dispatch.Registry { return p.registry }

// Stop asks Run to shut down. It does not wait.
func (p *Plugin) Stop() {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		close(p.stopCh)
	})
}

// Run consumes both queues until ctx is cancelled, Stop is called, or a
// consumer fails fatally. It always shuts down cleanly before returning.
func (p *Plugin) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("plugin: already running")
	}
	defer p.running.Store(false)

	if path := p.cfg.Service.LockPath; path != "" {
		l, err := lock.AcquirePIDLock(path)
		if err != nil {
			return fmt.Errorf("acquire instance lock: %w", err)
		}
		defer func() {
			if err := l.Release(); err != nil {
				p.logger.Warn("failed to release instance lock", "error", err)
			}
		}()
	}

	p.updater.Start()
	p.publish(events.TypePluginLifecycle, map[string]string{"state": "starting"})
	p.logger.Info("plugin starting",
		"request_queue", p.cfg.RequestQueue(),
		"admin_queue", p.cfg.AdminQueue(),
		"commands", len(p.registry.Definitions()),
		"resolvers", p.resolver.Resolvers(),
	)

	g, gctx := errgroup.WithContext(ctx)

	var fatal atomic.Pointer[error]
	onFatal := func(err error) {
		fatal.CompareAndSwap(nil, &err)
		p.publish(events.TypeConsumerFatal, map[string]string{"error": err.Error()})
		p.logger.Error("consumer failed, stopping plugin", "error", err)
		p.Stop()
	}

	// Consumers outlive gctx so in-flight work is settled during shutdown.
	consumeCtx := context.WithoutCancel(gctx)
	for _, spec := range []struct {
		name     string
		queue    string
		handler  broker.Handler
		prefetch int
	}{
		{"requests", p.cfg.RequestQueue(), &rejectReporter{next: p.requests, hub: p.hub}, max(p.cfg.Plugin.MaxConcurrent, 1)},
		{"admin", p.cfg.AdminQueue(), p.admin, 1},
	} {
		g.Go(func() error {
			return p.runConsumer(consumeCtx, spec.name, spec.queue, spec.handler, spec.prefetch, onFatal)
		})
	}

	auxCtx, cancelAux := context.WithCancel(context.WithoutCancel(ctx))
	p.cancelAux = cancelAux

	if retention := p.cfg.Payload.WorkspaceRetention; retention > 0 {
		g.Go(func() error {
			p.workspaces.Janitor(auxCtx, min(retention, janitorInterval), retention, p.logger)
			return nil
		})
	}

	if retention := p.cfg.Payload.Retention; retention > 0 {
		if s, ok := p.store.(pruner); ok {
			g.Go(func() error {
				p.prunePayloads(auxCtx, s, min(retention, janitorInterval), retention)
				return nil
			})
		}
	}

	if p.cfg.API.Enabled {
		srv := api.New(api.Config{
			Listen:  p.cfg.API.Listen,
			Token:   p.cfg.API.Token,
			Tokens:  apiTokens(p.cfg.API.Tokens),
			Tracing: p.cfg.Tracing.Enabled,
		}, p, p.hub, p.logger)
		g.Go(func() error {
			if err := srv.Start(auxCtx); err != nil {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-p.stopCh:
		}
		p.shutdown()
		return nil
	})

	err := g.Wait()
	if errp := fatal.Load(); errp != nil && err == nil {
		err = *errp
	}
	p.publish(events.TypePluginLifecycle, map[string]string{"state": "stopped"})
	p.logger.Info("plugin stopped")
	return err
}

// prunePayloads expires stored payloads older than retention every interval
// until ctx is done.
func (p *Plugin) prunePayloads(ctx context.Context, s pruner, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("payload prune failed", "error", err)
				}
				continue
			}
			if n > 0 {
				p.logger.Debug("pruned payloads", "count", n)
			}
		}
	}
}

// runConsumer runs one queue consumer to completion. Once every consumer
// has closed on its own, the plugin stops.
func (p *Plugin) runConsumer(ctx context.Context, name, queue string, h broker.Handler, prefetch int, onFatal func(error)) error {
	c, err := broker.NewConsumer(broker.Options{
		Name:              name,
		URL:               p.cfg.Broker.URL,
		Queue:             queue,
		Prefetch:          prefetch,
		MaxConnectRetries: p.cfg.Broker.MaxConnectRetries,
		MaxConnectBackoff: p.cfg.Broker.MaxConnectBackoff,
		ReconnectDelay:    p.cfg.Broker.ReconnectDelay,
		AppID:             p.cfg.Plugin.Name,
		Dialer:            p.dialer,
		Handler:           h,
		OnFatal:           onFatal,
		Observer:          p.onConsumerState,
		Logger:            p.logger,
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.consumers[name] = c
	p.mu.Unlock()

	// shutdown sets stopping before it snapshots the consumers, so a consumer
	// registered too late for the snapshot sees the flag here.
	if p.stopping.Load() {
		return nil
	}
	_ = c.Run(ctx)
	if p.stopping.Load() {
		return nil
	}

	p.logger.Warn("consumer closed", "consumer", name)
	if p.closedConsumers.Add(1) == consumerCount {
		p.logger.Warn("all consumers closed, stopping plugin")
		p.Stop()
	}
	return nil
}

// shutdown stops intake, releases outage waiters, drains the pools and then
// closes the consumers.
func (p *Plugin) shutdown() {
	p.shutOnce.Do(func() {
		p.Stop()
		p.logger.Info("plugin shutting down")
		p.publish(events.TypePluginLifecycle, map[string]string{"state": "stopping"})

		consumers := p.snapshotConsumers()
		for _, c := range consumers {
			c.StopConsuming()
		}
		p.updater.Shutdown()
		p.requests.Shutdown()
		p.admin.Shutdown()
		for _, c := range consumers {
			c.Stop()
		}

		if p.cancelAux != nil {
			p.cancelAux()
		}
		if err := p.closeStore(); err != nil {
			p.logger.Warn("failed to close payload store", "error", err)
		}
	})
}

func (p *Plugin) snapshotConsumers() []*broker.Consumer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*broker.Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		out = append(out, c)
	}
	return out
}

// Status implements api.StatusProvider.
func (p *Plugin) Status() api.StatusResponse {
	resp := api.StatusResponse{
		System:           p.cfg.Plugin.Name,
		Version:          p.cfg.Plugin.Version,
		Instance:         p.cfg.Plugin.Instance,
		Namespace:        p.cfg.Plugin.Namespace,
		Running:          p.running.Load() && !p.stopping.Load(),
		ControlPlaneDown: p.updater.IsDown(),
		InFlight: map[string]int{
			"requests": p.requests.InFlight(),
			"admin":    p.admin.InFlight(),
		},
		EventsDropped: p.hub.Dropped(),
	}
	queues := map[string]string{
		"requests": p.cfg.RequestQueue(),
		"admin":    p.cfg.AdminQueue(),
	}
	for _, c := range p.snapshotConsumers() {
		resp.Consumers = append(resp.Consumers, api.ConsumerStatus{
			Name:     c.Name(),
			Queue:    queues[c.Name()],
			State:    c.State().String(),
			Pending:  c.Pending(),
			Panicked: c.Panicked(),
		})
	}
	sort.Slice(resp.Consumers, func(i, j int) bool { return resp.Consumers[i].Name < resp.Consumers[j].Name })
	for _, def := range p.registry.Definitions() {
		resp.Commands = append(resp.Commands, def.Name)
	}
	return resp
}

func (p *Plugin) onControlPlaneState(down bool) {
	if down {
		p.publish(events.TypeControlPlaneDown, nil)
		return
	}
	p.publish(events.TypeControlPlaneUp, nil)
}

func (p *Plugin) onConsumerState(consumer string, state broker.State) {
	p.publish(events.TypeConsumerState, events.ConsumerState{Consumer: consumer, State: state.String()})
}

func (p *Plugin) publish(eventType string, data any) {
	p.hub.Publish(eventType, data)
}

func apiTokens(in []config.APITokenConfig) []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(in))
	for _, t := range in {
		out = append(out, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return out
}
