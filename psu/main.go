package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.bug.st/serial"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itohio/gopdpsu/pkg/config"
	"github.com/itohio/gopdpsu/pkg/console"
	"github.com/itohio/gopdpsu/pkg/control"
	"github.com/itohio/gopdpsu/pkg/telemetry"
)

func main() {
	app := &cli.App{
		Name:  "psu",
		Usage: "USB-PD bench power supply controller",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "configuration file path",
			},
			&cli.BoolFlag{
				Name:  "mock",
				Usage: "run against the simulated power board",
			},
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "console serial port override (e.g. /dev/ttyUSB0), stdin when empty",
			},
			&cli.StringFlag{
				Name:  "broker",
				Usage: "MQTT broker override (e.g. tcp://localhost:1883)",
			},
			&cli.StringFlag{
				Name:  "metrics",
				Usage: "Prometheus listen address override (e.g. :9100)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "development logging",
			},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:      "defaults",
				Usage:     "write the default configuration",
				ArgsUsage: "<file>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("expected one file name", 2)
					}
					return config.Default().Save(c.Args().First())
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	zl, err := newLogger(c.Bool("debug"))
	if err != nil {
		return err
	}
	defer zl.Sync()
	log := zl.Sugar()

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Console.Port = c.String("port")
	}
	if c.IsSet("broker") {
		cfg.Telemetry.Broker = c.String("broker")
	}
	if c.IsSet("metrics") {
		cfg.Metrics.Addr = c.String("metrics")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBoard(cfg, c.Bool("mock"), log)
	if err != nil {
		return err
	}
	defer b.Close(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctrl, err := control.New(cfg, b.sensor, b.negotiator, b.actuator,
		control.WithLogger(log.Named("control")),
		control.WithMetrics(control.NewMetrics(reg)),
	)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(ctx)
	})
	if b.simulate != nil {
		g.Go(func() error {
			return b.simulate(ctx)
		})
	}
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.Addr, reg, log)
		})
	}
	if cfg.Telemetry.Broker != "" {
		client, err := telemetry.DialMQTT(cfg.Telemetry, log.Named("mqtt"))
		if err != nil {
			log.Warnw("telemetry disabled", "error", err)
		} else {
			defer client.Close()
			pub := telemetry.NewPublisher(ctrl, client, cfg.Telemetry, nil, log.Named("telemetry"))
			g.Go(func() error {
				return pub.Run(ctx)
			})
		}
	}

	if err := startConsole(ctx, cfg.Console, console.New(ctrl, log.Named("console")), log); err != nil {
		return err
	}

	log.Infow("psu running", "mock", c.Bool("mock"), "tick", cfg.Control.TickPeriod)
	err = g.Wait()
	log.Infow("psu stopped")
	return err
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopmentConfig().Build()
	}
	return zap.NewProductionConfig().Build()
}

// startConsole serves the operator console on the configured serial port, or
// on stdin/stdout when none is set. It is not part of the shutdown group:
// a blocked stdin read cannot be interrupted.
func startConsole(ctx context.Context, cfg config.ConsoleConfig, con *console.Console, log *zap.SugaredLogger) error {
	var (
		r io.Reader = os.Stdin
		w io.Writer = os.Stdout
	)
	if cfg.Port != "" {
		port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
		if err != nil {
			return fmt.Errorf("failed to open console port %s: %w", cfg.Port, err)
		}
		go func() {
			<-ctx.Done()
			port.Close()
		}()
		r, w = port, port
	}

	go func() {
		if err := con.Serve(ctx, r, w); err != nil {
			log.Warnw("console stopped", "error", err)
		}
	}()
	return nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	log.Infow("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}
