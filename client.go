package orchard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/theproxycompany/orchard/ipc"
	"github.com/theproxycompany/orchard/lease"
	"github.com/theproxycompany/orchard/registry"
	"github.com/theproxycompany/orchard/telemetry"
	"github.com/theproxycompany/orchard/wire"
)

// Options configures a Client. It mirrors lease.Options for the
// subprocess/cache-root concerns and adds the telemetry settings
// threaded through every Client entry point.
type Options struct {
	CacheRoot   string
	EnginePath  string
	EngineArgs  []string
	ModelRoot   string
	HFCacheRoot string

	LockTimeout          time.Duration
	StartupTimeout       time.Duration
	ShutdownGraceTimeout time.Duration

	Logger    *slog.Logger
	Telemetry *telemetry.Settings
}

func (o Options) leaseOptions() lease.Options {
	return lease.Options{
		CacheRoot:            o.CacheRoot,
		EnginePath:           o.EnginePath,
		EngineArgs:           o.EngineArgs,
		ModelRoot:            o.ModelRoot,
		HFCacheRoot:          o.HFCacheRoot,
		LockTimeout:          o.LockTimeout,
		StartupTimeout:       o.StartupTimeout,
		ShutdownGraceTimeout: o.ShutdownGraceTimeout,
		Logger:               o.Logger,
	}
}

// Client is the engine client facade. One Client acquires
// one engine lease; Close releases it. A Client is safe for concurrent
// use by multiple goroutines.
type Client struct {
	lease     *lease.Lease
	tracer    telemetry.Settings
	logger    *slog.Logger
	closeOnce sync.Once
}

// New acquires an engine lease (spawning the engine subprocess on first
// use for this cache root) and returns a ready-to-use Client.
func New(ctx context.Context, opts Options) (*Client, error) {
	l, err := lease.Acquire(ctx, opts.leaseOptions())
	if err != nil {
		return nil, err
	}

	settings := opts.Telemetry
	if settings == nil {
		settings = telemetry.DefaultSettings()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{lease: l, tracer: *settings, logger: logger}, nil
}

// Close releases this Client's engine lease. Idempotent and safe to
// call from a process-exit hook.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.lease.Close()
	})
	return err
}

// ListModels issues the list_models management command (a supplemented
// feature).
func (c *Client) ListModels(ctx context.Context) ([]ipc.ModelSummary, error) {
	return telemetry.RecordSpan(ctx, telemetry.GetTracer(&c.tracer), telemetry.SpanOptions{
		Name:        "orchard.listModels",
		EndWhenDone: true,
	}, func(ctx context.Context, _ trace.Span) ([]ipc.ModelSummary, error) {
		return c.lease.IPCState().ListModels(ctx)
	})
}

// ensureLoaded resolves and, if needed, loads modelID, returning its
// registry Info (formatter handle included).
func (c *Client) ensureLoaded(ctx context.Context, modelID string) (*registry.Info, error) {
	return telemetry.RecordSpan(ctx, telemetry.GetTracer(&c.tracer), telemetry.SpanOptions{
		Name:        "orchard.ensureLoaded",
		Attributes:  telemetry.GetBaseAttributes(modelID, &c.tracer),
		EndWhenDone: true,
	}, func(ctx context.Context, _ trace.Span) (*registry.Info, error) {
		return c.lease.Registry().EnsureLoaded(ctx, modelID)
	})
}

// paramsFor applies call-site options on top of
// wire.DefaultChatParameters().
func (c *Client) paramsFor(opts []CallOption) wire.ChatParameters {
	return applyCallOptions(wire.DefaultChatParameters(), opts)
}
