package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/taproom/internal/protocol"
	"github.com/mattjoyce/taproom/internal/resolve"
	"github.com/mattjoyce/taproom/internal/updater"
)

const tracerName = "github.com/mattjoyce/taproom/internal/dispatch"

// Updater reports request status and decides the fate of the delivery.
type Updater interface {
	UpdateRequest(ctx context.Context, req *protocol.Request, headers protocol.Headers) (protocol.Outcome, error)
}

// ParamResolver turns parameter references into usable values.
type ParamResolver interface {
	Resolve(ctx context.Context, d resolve.Direction, values map[string]any, defs []protocol.Parameter, workDir string) (map[string]any, error)
}

// Workspaces hands out a per-request directory for downloaded files.
type Workspaces interface {
	Ensure(ctx context.Context, requestID string) (string, error)
}

// Options configures a Processor.
type Options struct {
	Name       string
	Registry   *Registry
	Codec      protocol.Codec
	Updater    Updater
	Resolver   ParamResolver
	Validators []ValidatorFunc
	// WorkDir is used for downloads when Workspaces is nil.
	WorkDir       string
	Workspaces    Workspaces
	MaxConcurrent int
	Logger        *slog.Logger
}

// Processor decodes deliveries and runs them on its pool.
type Processor struct {
	name       string
	registry   *Registry
	codec      protocol.Codec
	updater    Updater
	resolver   ParamResolver
	validators []ValidatorFunc
	workDir    string
	workspaces Workspaces
	admin      bool

	pool   *Pool
	logger *slog.Logger
	tracer trace.Tracer
}

// NewProcessor builds a request processor.
func NewProcessor(opts Options) (*Processor, error) {
	return newProcessor(opts, false)
}

// NewAdminProcessor builds the processor for administrative commands: one
// worker, no IN_PROGRESS update and no status reporting.
func NewAdminProcessor(opts Options) (*Processor, error) {
	opts.MaxConcurrent = 1
	opts.Updater = updater.NoopUpdater{}
	return newProcessor(opts, true)
}

func newProcessor(opts Options, admin bool) (*Processor, error) {
	if opts.Registry == nil {
		return nil, errors.New("processor: registry is required")
	}
	if opts.Updater == nil {
		return nil, errors.New("processor: updater is required")
	}
	if opts.Codec == nil {
		opts.Codec = protocol.JSONCodec{}
	}
	if opts.Name == "" {
		opts.Name = "requests"
		if admin {
			opts.Name = "admin"
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		name:       opts.Name,
		registry:   opts.Registry,
		codec:      opts.Codec,
		updater:    opts.Updater,
		resolver:   opts.Resolver,
		validators: opts.Validators,
		workDir:    opts.WorkDir,
		workspaces: opts.Workspaces,
		admin:      admin,
		pool:       NewPool(opts.Name, opts.MaxConcurrent, logger),
		logger:     logger.With("component", "processor", "processor", opts.Name),
		tracer:     otel.Tracer(tracerName),
	}, nil
}

// Codec returns the codec bodies are decoded with.
func (p *Processor) Codec() protocol.Codec { return p.codec }

// InFlight returns the number of unfinished tasks.
func (p *Processor) InFlight() int { return p.pool.InFlight() }

// Shutdown stops accepting messages and waits for running tasks.
func (p *Processor) Shutdown() {
	p.pool.Shutdown()
}

// OnMessage parses body and schedules it. The returned error is synchronous:
// a DiscardError means drop the message, anything else means requeue it.
func (p *Processor) OnMessage(ctx context.Context, body []byte, headers protocol.Headers) (Handle, error) {
	req, err := p.codec.DecodeRequest(body)
	if err != nil {
		p.logger.Warn("discarding unparseable message", "error", err, "bytes", len(body))
		return nil, protocol.DiscardWrap("unparseable request", err)
	}

	for _, validate := range p.validators {
		if err := validate(req); err != nil {
			p.logger.Warn("request failed validation", "request_id", req.ID, "command", req.Command, "error", err)
			return nil, err
		}
	}

	if req.Status().Terminal() {
		p.logger.Debug("request already complete, re-sending status", "request_id", req.ID, "status", string(req.Status()))
		return p.pool.Submit(ctx, func(ctx context.Context) (protocol.Outcome, error) {
			return p.updater.UpdateRequest(ctx, req, headers)
		})
	}

	return p.pool.Submit(ctx, func(ctx context.Context) (protocol.Outcome, error) {
		return p.processMessage(ctx, req, headers)
	})
}

func (p *Processor) processMessage(ctx context.Context, req *protocol.Request, headers protocol.Headers) (protocol.Outcome, error) {
	logger := p.logger.With("request_id", req.ID, "command", req.Command)

	ctx, span := p.tracer.Start(ctx, "command "+req.Command,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("taproom.request_id", req.ID),
			attribute.String("taproom.system", req.System),
			attribute.String("taproom.command", req.Command),
			attribute.Int("taproom.retry_attempt", headers.RetryAttempt),
		),
	)
	defer span.End()

	if !p.admin {
		if err := req.SetStatus(protocol.StatusInProgress); err != nil {
			return protocol.Outcome{}, fmt.Errorf("mark request %s in progress: %w", req.ID, err)
		}
		out, err := p.updater.UpdateRequest(ctx, req, headers)
		if err != nil || out.Kind != protocol.OutcomeAck {
			logger.Debug("in-progress update did not ack", "outcome", out.String())
			return out, err
		}
	}

	logger.Debug("invoking command")
	result, err := p.invoke(ctx, req)
	if err != nil {
		p.logFailure(ctx, logger, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if sErr := req.SetStatus(protocol.StatusError); sErr != nil {
			return protocol.Outcome{}, fmt.Errorf("mark request %s failed: %w", req.ID, sErr)
		}
		req.Output = FormatErrorOutput(req, err)
		req.ErrorClass = ErrorClass(err)
	} else {
		if sErr := req.SetStatus(protocol.StatusSuccess); sErr != nil {
			return protocol.Outcome{}, fmt.Errorf("mark request %s succeeded: %w", req.ID, sErr)
		}
		req.Output = FormatOutput(result)
		logger.Info("command succeeded")
	}

	out, err := p.updater.UpdateRequest(ctx, req, headers)
	span.SetAttributes(attribute.String("taproom.outcome", out.Kind.String()))
	return out, err
}

func (p *Processor) invoke(ctx context.Context, req *protocol.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &protocol.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	cmd, err := p.registry.Lookup(req.Command)
	if err != nil {
		return nil, err
	}

	params := req.Parameters
	if p.resolver != nil && !req.IsEphemeral() {
		workDir := p.workDir
		if p.workspaces != nil && req.ID != "" && takesFiles(cmd.Definition.Parameters) {
			if workDir, err = p.workspaces.Ensure(ctx, req.ID); err != nil {
				return nil, fmt.Errorf("prepare workspace: %w", err)
			}
		}
		params, err = p.resolver.Resolve(ctx, resolve.Download, params, cmd.Definition.Parameters, workDir)
		if err != nil {
			return nil, fmt.Errorf("resolve parameters: %w", err)
		}
	}
	if params == nil {
		params = map[string]any{}
	}

	if !p.admin {
		ctx = WithRequest(ctx, req)
	}
	return cmd.Handler(ctx, params)
}

func takesFiles(defs []protocol.Parameter) bool {
	for _, def := range defs {
		if def.TypeIs(protocol.ParameterTypeFile) || def.TypeIs(protocol.ParameterTypeBase64) {
			return true
		}
		if takesFiles(def.Parameters) {
			return true
		}
	}
	return false
}

func (p *Processor) logFailure(ctx context.Context, logger *slog.Logger, err error) {
	level := slog.LevelError
	var leveler protocol.LogLeveler
	if errors.As(err, &leveler) {
		level = leveler.LogLevel()
	}

	attrs := []any{"error", err, "error_class", ErrorClass(err)}
	var suppressor protocol.StackSuppressor
	suppress := errors.As(err, &suppressor) && suppressor.SuppressStackTrace()
	var panicked *protocol.PanicError
	if !suppress && errors.As(err, &panicked) {
		attrs = append(attrs, "stack", string(panicked.Stack))
	}
	logger.Log(ctx, level, "command failed", attrs...)
}
