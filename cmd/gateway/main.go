// Command gateway runs the storefront edge gateway.
//
// Configuration comes from GATEWAY_* environment variables, optionally
// layered over a YAML or JSON file:
//
//	gateway -config /etc/storefront/gateway.yaml
//
// The HTTP listener serves the proxied API plus /healthz, /readyz and
// /metrics. When GATEWAY_GRPC_LISTEN_ADDR is set a gRPC listener is
// started with the standard health service; every other method is
// authenticated and forwarded to GATEWAY_UPSTREAM_GRPC_ADDR.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/StricklySoft/storefront-gateway/pkg/config"
	"github.com/StricklySoft/storefront-gateway/pkg/gateway"
	"github.com/StricklySoft/storefront-gateway/pkg/lifecycle"
)

const serviceName = "storefront-gateway"

func main() {
	configFile := flag.String("config", os.Getenv("GATEWAY_CONFIG_FILE"), "optional YAML or JSON configuration file")
	flag.Parse()

	loader := config.New().WithEnvPrefix(gateway.EnvPrefix)
	if *configFile != "" {
		loader = loader.WithFile(*configFile)
	}
	cfg := config.MustLoad[gateway.Config](loader)

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg gateway.Config, logger *slog.Logger) error {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	var svc *lifecycle.Service
	gw, err := gateway.New(ctx, cfg,
		gateway.WithLogger(logger),
		gateway.WithTracerProvider(tp),
		gateway.WithReadinessCheck(func(ctx context.Context) error { return svc.Health(ctx) }),
	)
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	healthServer := health.NewServer()

	builder := lifecycle.NewServiceBuilder(serviceName).
		WithLogger(logger).
		WithTracer(tp.Tracer("github.com/StricklySoft/storefront-gateway/cmd/gateway")).
		WithDrainTimeout(cfg.ShutdownTimeout).
		WithComponent(lifecycle.Component{
			Name: "http",
			Serve: func() error {
				logger.Info("http listener starting", "addr", cfg.ListenAddr)
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			Stop: httpServer.Shutdown,
		}).
		OnStateChange(func(_, next lifecycle.State) {
			if next == lifecycle.StateDraining {
				healthServer.Shutdown()
			}
		}).
		WithOnStop(func(context.Context) error { return gw.Close() }).
		WithOnStop(tp.Shutdown)

	if cfg.GRPCListenAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
		if err != nil {
			_ = gw.Close()
			return fmt.Errorf("listening on %s: %w", cfg.GRPCListenAddr, err)
		}
		grpcServer := grpc.NewServer(gw.GRPCServerOptions()...)
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		reflection.Register(grpcServer)

		builder = builder.WithComponent(lifecycle.Component{
			Name: "grpc",
			Serve: func() error {
				logger.Info("grpc listener starting", "addr", lis.Addr().String())
				return grpcServer.Serve(lis)
			},
			Stop: func(ctx context.Context) error {
				done := make(chan struct{})
				go func() {
					grpcServer.GracefulStop()
					close(done)
				}()
				select {
				case <-done:
					return nil
				case <-ctx.Done():
					grpcServer.Stop()
					return ctx.Err()
				}
			},
		})
	}

	svc, err = builder.Build()
	if err != nil {
		_ = gw.Close()
		return err
	}
	return svc.Run(ctx)
}
