package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "go.uber.org/automaxprocs"

	"github.com/arborkit/arbor/relation"
	"github.com/arborkit/arbor/treesvc"
	"github.com/arborkit/arbor/treesvc/handlers"
	"github.com/arborkit/arbor/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	"github.com/cockroachdb/pebble"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "arbord",
		Usage:   "ordered tree index daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "store",
			Usage:   "relation store backend: memory, sql or pebble",
			Value:   "sql",
			EnvVars: []string{"ARBOR_STORE"},
		},
		&cli.StringFlag{
			Name:    "db-url",
			Usage:   "database connection string for the sql store",
			Value:   "sqlite://data/arbor/arbor.sqlite",
			EnvVars: []string{"ARBOR_DATABASE_URL", "DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Usage:   "maximum number of open database connections",
			Value:   40,
			EnvVars: []string{"ARBOR_MAX_DB_CONNECTIONS"},
		},
		&cli.IntFlag{
			Name:    "relation-cache-size",
			Usage:   "number of relations kept in the sql store read cache",
			Value:   10_000,
			EnvVars: []string{"ARBOR_RELATION_CACHE_SIZE"},
		},
		&cli.StringFlag{
			Name:    "pebble-path",
			Usage:   "directory of the pebble store",
			Value:   "data/arbor/pebble",
			EnvVars: []string{"ARBOR_PEBBLE_PATH"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"ARBOR_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format: text or json",
			EnvVars: []string{"ARBOR_LOG_FMT"},
		},
	}

	app.Before = func(cctx *cli.Context) error {
		_, err := cliutil.SetupSlog(cliutil.LogOptions{
			LogLevel:  cctx.String("log-level"),
			LogFormat: cctx.String("log-format"),
		})
		return err
	}

	app.Commands = []*cli.Command{
		serveCmd,
		dumpCmd,
		verifyCmd,
	}

	return app.Run(args)
}

// openStore returns the configured relation store and a function releasing
// it.
func openStore(cctx *cli.Context) (relation.Store, func() error, error) {
	switch cctx.String("store") {
	case "memory":
		return relation.NewMemStore(), func() error { return nil }, nil
	case "sql":
		db, err := cliutil.SetupDatabase(cctx.String("db-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store, err := relation.NewGormStore(db, cctx.Int("relation-cache-size"))
		if err != nil {
			return nil, nil, err
		}
		sqldb, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return store, sqldb.Close, nil
	case "pebble":
		path := cctx.String("pebble-path")
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, nil, err
		}
		store, err := relation.OpenPebbleStore(path, &pebble.Options{})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open pebble store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend: %q", cctx.String("store"))
	}
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the arbord API daemon",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "Specify the local IP/port to bind to",
			Value:   ":2585",
			EnvVars: []string{"ARBOR_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":2586",
			EnvVars: []string{"ARBOR_METRICS_LISTEN"},
		},
		&cli.DurationFlag{
			Name:    "cycle-interval",
			Usage:   "how often queued moves and relation changes are indexed",
			Value:   time.Second,
			EnvVars: []string{"ARBOR_CYCLE_INTERVAL"},
		},
		&cli.BoolFlag{
			Name:    "rebalance",
			Usage:   "renumber sibling keys when a move runs out of room",
			EnvVars: []string{"ARBOR_REBALANCE"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := slog.Default()

		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := cliutil.SetupTracing(ctx, "arbord")
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				logger.Error("failed to shutdown trace exporter", "err", err)
			}
		}()

		store, closeStore, err := openStore(cctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := closeStore(); err != nil {
				logger.Error("failed to close store", "err", err)
			}
		}()

		svc, err := treesvc.New(ctx, store, treesvc.Config{
			Logger:    logger,
			Rebalance: cctx.Bool("rebalance"),
		})
		if err != nil {
			return fmt.Errorf("failed to construct service: %w", err)
		}

		e := echo.New()
		e.HideBanner = true
		e.Use(slogecho.New(logger))
		e.Use(middleware.Recover())
		e.Use(otelecho.Middleware("arbord"))
		e.Use(middleware.BodyLimit("1M"))
		e.Use(echoprometheus.NewMiddleware("arbord"))
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
		handlers.NewHandlers(svc).Register(e)

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			err := svc.Run(ctx, cctx.Duration("cycle-interval"))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})

		g.Go(func() error {
			logger.Info("starting server", "bind", cctx.String("bind"))
			if err := e.Start(cctx.String("bind")); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		if listen := cctx.String("metrics-listen"); listen != "" {
			metricsSrv := &http.Server{
				Addr:    listen,
				Handler: promhttp.Handler(),
			}
			g.Go(func() error {
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("failed to start metrics endpoint: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				return metricsSrv.Close()
			})
		}

		g.Go(func() error {
			<-ctx.Done()
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		})

		err = g.Wait()

		// index whatever was written before shutdown
		if _, cerr := svc.Cycle(context.Background()); cerr != nil {
			logger.Warn("final cycle failed", "err", cerr)
		}
		logger.Info("graceful shutdown complete")
		return err
	},
}

var dumpCmd = &cli.Command{
	Name:  "dump",
	Usage: "print the subtree under an entity",
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:     "root",
			Usage:    "entity id to start from",
			Required: true,
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "print one JSON object per entity instead of a tree",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		store, closeStore, err := openStore(cctx)
		if err != nil {
			return err
		}
		defer closeStore()

		svc, err := treesvc.New(ctx, store, treesvc.Config{})
		if err != nil {
			return err
		}

		root := relation.EntityID(cctx.Uint64("root"))
		if cctx.Bool("json") {
			enc := json.NewEncoder(os.Stdout)
			for _, n := range svc.Subtree(root) {
				if err := enc.Encode(n); err != nil {
					return err
				}
			}
			return nil
		}
		fmt.Print(svc.Render(root))
		return nil
	},
}

var verifyCmd = &cli.Command{
	Name:  "verify",
	Usage: "build the tree index from the store and check its invariants",
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		store, closeStore, err := openStore(cctx)
		if err != nil {
			return err
		}
		defer closeStore()

		svc, err := treesvc.New(ctx, store, treesvc.Config{})
		if err != nil {
			return err
		}
		if err := svc.Verify(ctx); err != nil {
			return err
		}
		stats := svc.Stats()
		fmt.Printf("ok: %d children under %d parents\n", stats.Siblings, stats.Parents)
		return nil
	},
}
