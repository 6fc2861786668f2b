package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	sserr "github.com/StricklySoft/storefront-gateway/pkg/errors"
)

const tracerName = "github.com/StricklySoft/storefront-gateway/pkg/lifecycle"

// DefaultDrainTimeout bounds the drain phase when none is configured.
const DefaultDrainTimeout = 15 * time.Second

// StateChangeHandler observes a transition. Handlers run synchronously
// under the service's state lock and must not call back into it.
type StateChangeHandler func(old, new State)

// Component is one long-running part of the process, typically a
// listener.
type Component struct {
	// Name identifies the component in logs and spans.
	Name string

	// Serve blocks until the component stops. Returning nil before Stop
	// was called counts as an unexpected exit.
	Serve func() error

	// Stop asks Serve to return, waiting for in-flight work until ctx
	// expires.
	Stop func(ctx context.Context) error
}

// Service runs a set of components and coordinates their shutdown.
// Create one with [ServiceBuilder].
type Service struct {
	name         string
	drainTimeout time.Duration
	components   []Component
	onStop       []func(ctx context.Context) error

	mu       sync.RWMutex
	state    State
	started  time.Time
	handlers []StateChangeHandler

	tracer trace.Tracer
	logger *slog.Logger
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.name
}

// State returns the current state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Uptime returns how long the service has been running, or zero when it
// is not running.
func (s *Service) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateRunning {
		return 0
	}
	return time.Since(s.started)
}

// Health returns nil while the service is running and a
// [sserr.CodeUnavailable] error otherwise. Readiness probes use it so
// that a draining replica leaves the load balancer first.
func (s *Service) Health(context.Context) error {
	if state := s.State(); state != StateRunning {
		return sserr.Newf(sserr.CodeUnavailable,
			"lifecycle: %s is not running, current state is %q", s.name, state)
	}
	return nil
}

func (s *Service) setState(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.state
	if !ValidTransition(old, next) {
		return sserr.Newf(sserr.CodeInternal,
			"lifecycle: invalid state transition from %q to %q", old, next)
	}
	s.state = next
	if next == StateRunning {
		s.started = time.Now()
	}

	for _, h := range s.handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("lifecycle: state change handler panicked",
						"panic", r, "old_state", string(old), "new_state", string(next))
				}
			}()
			h(old, next)
		}()
	}
	return nil
}

// Run starts every component and blocks until ctx is canceled or a
// component exits. It then drains: components are stopped in reverse
// order under the drain timeout, followed by the stop hooks.
//
// Run returns nil after a clean shutdown triggered by ctx. A component
// failure is returned wrapped with [sserr.CodeInternal] and leaves the
// service in [StateFailed]. A service can be run once.
func (s *Service) Run(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Run",
		trace.WithAttributes(
			attribute.String("service.name", s.name),
			attribute.Int("service.components", len(s.components)),
		),
	)
	defer span.End()

	if err := s.setState(StateStarting); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.logger.InfoContext(ctx, "lifecycle: starting", "service", s.name)

	group, groupCtx := errgroup.WithContext(ctx)
	stopCalled := make(chan struct{})
	for _, c := range s.components {
		group.Go(func() error {
			err := c.Serve()
			select {
			case <-stopCalled:
				if err != nil {
					return sserr.Wrapf(err, sserr.CodeInternal, "lifecycle: %s failed while draining", c.Name)
				}
				return nil
			default:
			}
			if err == nil {
				err = errors.New("exited before shutdown")
			}
			return sserr.Wrapf(err, sserr.CodeInternal, "lifecycle: %s stopped unexpectedly", c.Name)
		})
	}

	if err := s.setState(StateRunning); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "lifecycle: running", "service", s.name)

	<-groupCtx.Done()
	cause := context.Cause(groupCtx)
	failed := ctx.Err() == nil

	_ = s.setState(StateDraining)
	if failed {
		s.logger.ErrorContext(ctx, "lifecycle: component failed, draining", "service", s.name, "error", cause)
	} else {
		s.logger.InfoContext(ctx, "lifecycle: shutdown requested, draining", "service", s.name)
	}

	close(stopCalled)
	drainErr := s.drain(context.WithoutCancel(ctx))
	runErr := group.Wait()

	err := errors.Join(runErr, drainErr)
	if failed || err != nil {
		_ = s.setState(StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "component failure")
		return err
	}

	_ = s.setState(StateStopped)
	s.logger.InfoContext(ctx, "lifecycle: stopped", "service", s.name)
	span.SetStatus(codes.Ok, "")
	return nil
}

// drain stops components in reverse order, then runs the stop hooks,
// all sharing one deadline.
func (s *Service) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "lifecycle.Drain")
	defer span.End()

	var errs []error
	for i := len(s.components) - 1; i >= 0; i-- {
		c := s.components[i]
		if c.Stop == nil {
			continue
		}
		if err := c.Stop(ctx); err != nil {
			s.logger.WarnContext(ctx, "lifecycle: component did not stop cleanly",
				"component", c.Name, "error", err)
			errs = append(errs, sserr.Wrapf(err, sserr.CodeInternal, "lifecycle: stopping %s", c.Name))
		}
	}
	for _, hook := range s.onStop {
		if err := hook(ctx); err != nil {
			errs = append(errs, sserr.Wrap(err, sserr.CodeInternal, "lifecycle: stop hook failed"))
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// ServiceBuilder assembles a [Service].
type ServiceBuilder struct {
	svc *Service
	err error
}

// NewServiceBuilder starts a builder for a service called name.
func NewServiceBuilder(name string) *ServiceBuilder {
	return &ServiceBuilder{svc: &Service{
		name:         name,
		drainTimeout: DefaultDrainTimeout,
		state:        StateUnknown,
		tracer:       otel.Tracer(tracerName),
		logger:       slog.Default(),
	}}
}

// WithComponent adds a component. Components start in the order added
// and stop in reverse.
func (b *ServiceBuilder) WithComponent(c Component) *ServiceBuilder {
	if c.Name == "" || c.Serve == nil {
		b.err = errors.Join(b.err, sserr.New(sserr.CodeValidationRequired,
			"lifecycle: component requires a name and a Serve function"))
		return b
	}
	b.svc.components = append(b.svc.components, c)
	return b
}

// WithDrainTimeout bounds the drain phase. Non-positive values keep
// [DefaultDrainTimeout].
func (b *ServiceBuilder) WithDrainTimeout(d time.Duration) *ServiceBuilder {
	if d > 0 {
		b.svc.drainTimeout = d
	}
	return b
}

// WithOnStop registers a hook run after every component has stopped,
// such as closing the shared store.
func (b *ServiceBuilder) WithOnStop(hook func(ctx context.Context) error) *ServiceBuilder {
	if hook != nil {
		b.svc.onStop = append(b.svc.onStop, hook)
	}
	return b
}

// WithLogger sets the logger. Nil keeps slog.Default.
func (b *ServiceBuilder) WithLogger(logger *slog.Logger) *ServiceBuilder {
	if logger != nil {
		b.svc.logger = logger
	}
	return b
}

// WithTracer sets the tracer.
func (b *ServiceBuilder) WithTracer(tracer trace.Tracer) *ServiceBuilder {
	if tracer != nil {
		b.svc.tracer = tracer
	}
	return b
}

// OnStateChange registers an observer of state transitions.
func (b *ServiceBuilder) OnStateChange(h StateChangeHandler) *ServiceBuilder {
	if h != nil {
		b.svc.handlers = append(b.svc.handlers, h)
	}
	return b
}

// Build returns the service, or the first configuration error.
func (b *ServiceBuilder) Build() (*Service, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.svc.components) == 0 {
		return nil, sserr.New(sserr.CodeValidationRequired, "lifecycle: service has no components")
	}
	return b.svc, nil
}
