// Package app runs a provisioning unit as a long-lived daemon: it applies the
// document, then keeps the capacity controller, service autoscaler and
// endpoint publisher running behind the status server until stopped.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/picklr-io/inferstack/internal/autoscale"
	"github.com/picklr-io/inferstack/internal/config"
	"github.com/picklr-io/inferstack/internal/engine"
	"github.com/picklr-io/inferstack/internal/httpserver"
	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/metrics"
	"github.com/picklr-io/inferstack/internal/publish"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

const shutdownTimeout = 10 * time.Second

// Daemon owns one unit's control loops.
type Daemon struct {
	cfg    *config.Config
	eng    *engine.Engine
	unit   *engine.Unit
	logger *slog.Logger

	mu          sync.Mutex
	server      *httpserver.Server
	controllers []*autoscale.Controller
	publisher   *publish.Publisher
	ready       chan struct{}
}

func New(cfg *config.Config, eng *engine.Engine, unit *engine.Unit, logger *slog.Logger) *Daemon {
	return &Daemon{
		cfg:    cfg,
		eng:    eng,
		unit:   unit,
		logger: logger.With("unit", unit.Name),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the loops and the status server are running.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr returns the status server address once Ready.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server == nil {
		return nil
	}
	return d.server.Addr()
}

// Controllers returns the running controllers once Ready.
func (d *Daemon) Controllers() []*autoscale.Controller {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controllers
}

// Run applies doc and serves until ctx is done. An apply that does not
// succeed is returned as an error and nothing is started.
func (d *Daemon) Run(ctx context.Context, doc *ir.Config) error {
	result, err := d.eng.Apply(ctx, d.unit, doc)
	if err != nil {
		return fmt.Errorf("apply stopped at %s (%s): %w", result.ResumeFrom, result.Status, err)
	}
	d.logger.InfoContext(ctx, "unit converged", "nodes", len(result.Converged))

	st, err := d.unit.Backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	return d.Serve(ctx, st)
}

// Serve starts the loops for an already applied state and blocks until ctx is done.
func (d *Daemon) Serve(ctx context.Context, st *ir.State) error {
	controllers, err := autoscale.FromState(st, d.eng.Registry(),
		autoscale.WithIntervals(d.cfg.CapacityInterval, d.cfg.ServiceInterval),
		autoscale.WithWindow(d.cfg.MetricWindow),
		autoscale.WithLogger(d.logger),
		autoscale.WithCooldownStore(&stateCooldowns{backend: d.unit.Backend, logger: d.logger}),
	)
	if err != nil {
		return fmt.Errorf("failed to build controllers: %w", err)
	}
	publisher, err := d.newPublisher(st)
	if err != nil {
		return err
	}

	checks := make([]httpserver.Checker, 0, len(controllers))
	for _, c := range controllers {
		checks = append(checks, c)
	}
	opts := []httpserver.Option{httpserver.WithUnit(d.unit.Name), httpserver.WithChecks(checks...)}
	if publisher != nil {
		opts = append(opts, httpserver.WithEndpoint(publisher))
	}
	server := httpserver.New(d.logger, d.cfg.HTTPPort, opts...)
	if err := server.Start(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	d.server = server
	d.controllers = controllers
	d.publisher = publisher
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range controllers {
		wg.Add(1)
		go func(c *autoscale.Controller) {
			defer wg.Done()
			c.Run(ctx)
		}(c)
	}
	if publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := publisher.Run(ctx, d.cfg.PublishInterval); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.ErrorContext(ctx, "publisher stopped", "error", err)
			}
		}()
	}

	<-server.Ready()
	close(d.ready)
	d.logger.InfoContext(ctx, "daemon running", "controllers", len(controllers), "publisher", publisher != nil)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	wg.Wait()
	d.logger.InfoContext(shutdownCtx, "daemon stopped")
	return err
}

// newPublisher tracks the first Output node of st. It returns nil when the
// unit publishes no endpoint.
func (d *Daemon) newPublisher(st *ir.State) (*publish.Publisher, error) {
	for _, rs := range st.Resources {
		if rs.Kind != ir.KindOutput || !rs.Converged() {
			continue
		}

		var initial publish.OutputState
		if err := ir.DecodeProperties(rs.Outputs, &initial); err != nil {
			return nil, fmt.Errorf("output %s: %w", rs.Name, err)
		}
		prov, err := d.eng.Registry().Get(rs.Provider)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", rs.Name, err)
		}
		health, ok := prov.(sdk.HealthReader)
		if !ok {
			return nil, fmt.Errorf("output %s: provider %s cannot report health", rs.Name, rs.Provider)
		}

		metrics.SetEndpointState(initial.Key, initial.ReadyState)
		return publish.NewPublisher(health, initial, publish.WithOnChange(func(ep ir.Endpoint) {
			metrics.SetEndpointState(initial.Key, ep.ReadyState)
		})), nil
	}
	return nil, nil
}
