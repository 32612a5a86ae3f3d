package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"era5-downloader/internal/archive"
	"era5-downloader/internal/cache"
	"era5-downloader/internal/catalog"
	"era5-downloader/internal/config"
	"era5-downloader/internal/era5"
	"era5-downloader/internal/httpserver"
	"era5-downloader/internal/metrics"
	"era5-downloader/internal/planner"
	"era5-downloader/internal/runner"
	"era5-downloader/pkg/logging/logging"
)

const (
	exitOK       = 0
	exitFailed   = 1
	exitBadInput = 2
)

// exitError carries the process exit code out of cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return "exit " + strconv.Itoa(e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func badInput(err error) error { return &exitError{code: exitBadInput, err: err} }
func failed(err error) error   { return &exitError{code: exitFailed, err: err} }

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, "era5dl:", ee.err)
		}
		return ee.code
	}
	// flag and argument errors from cobra
	fmt.Fprintln(stderr, "era5dl:", err)
	return exitBadInput
}

type cliOptions struct {
	configFile string
	variables  []string
	output     string
	name       string
	offline    bool
	list       bool
}

func newRootCommand() *cobra.Command {
	var opts cliOptions

	cmd := &cobra.Command{
		Use:   "era5dl [flags] LAT LON",
		Short: "Download hourly ERA5 point series into a CSV table",
		Long: "era5dl downloads hourly ERA5 single-level series for one point from the\n" +
			"Copernicus Climate Data Store, caching every chunk so re-runs only fetch\n" +
			"what is new. Put \"--\" before a negative latitude: era5dl -- -33.92 18.42",
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.list {
				return nil
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configFile, "config", "", "config file (yaml, toml or json)")
	f.BoolVar(&opts.list, "list-variables", false, "print the variable catalog and exit")
	f.StringArrayVarP(&opts.variables, "variable", "v", []string{"2m_temperature"}, "variable long name (repeatable)")
	f.StringVarP(&opts.output, "output", "o", "", `output table (default "<slug>_era5.csv", "-" for stdout)`)
	f.BoolVar(&opts.offline, "offline", false, "plan and report from the cache without contacting the archive")
	f.StringVar(&opts.name, "name", "", "friendly location name for logs and the report")

	d := config.Defaults()
	f.Int("start-year", d.Plan.StartYear, "first year to download (default: dataset start)")
	f.String("catalog", d.Catalog, "variable catalog JSON (default: embedded table)")
	f.String("cache-backend", d.Cache.Backend, "cache backend: fs, sqlite, redis or memory")
	f.String("cache-dir", d.Cache.Dir, "cache directory")
	f.Int("workers", d.Fetch.Workers, "concurrent archive jobs")
	f.String("metrics-addr", d.Metrics.Addr, "serve /metrics, /status and /healthz on this address")
	f.String("log-level", d.Log.Level, "log level: debug, info, warn or error")

	return cmd
}

func run(cmd *cobra.Command, args []string, opts cliOptions) error {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: opts.configFile, Flags: cmd.Flags()})
	if err != nil {
		return badInput(err)
	}

	// ----- Logger -----
	logger, err := logging.NewLogger(logging.Options{Env: cfg.Log.Env, Level: cfg.Log.Level})
	if err != nil {
		return badInput(fmt.Errorf("logger: %w", err))
	}
	defer func() { _ = logger.Sync() }()

	// ----- Catalog -----
	cat, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return badInput(err)
	}
	if opts.list {
		if err := cat.WriteList(cmd.OutOrStdout()); err != nil {
			return failed(err)
		}
		return nil
	}

	loc, err := parseLocation(args, opts.name)
	if err != nil {
		return badInput(err)
	}
	if !opts.offline {
		if err := cfg.RequireCredentials(); err != nil {
			return badInput(err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.Cache.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return failed(fmt.Errorf("redis %s: %w", cfg.Cache.RedisAddr, err))
		}
		logger.Info("redis connection established", zap.String("addr", cfg.Cache.RedisAddr))
	}

	// ----- Cache -----
	backend, err := cache.New(cfg.Cache.Store(), redisClient, cache.WithLogger(logger))
	if err != nil {
		return failed(err)
	}
	if c, ok := backend.(io.Closer); ok {
		defer c.Close()
	}
	store := cache.NewLoggingStore(backend)

	// ----- Archive client -----
	var arch archive.Archive
	if !opts.offline {
		client, err := archive.NewClient(cfg.Archive.Client(), logger)
		if err != nil {
			return failed(err)
		}
		defer client.Close()

		limited := archive.NewRateLimited(client, cfg.Archive.RateLimit, cfg.Archive.RateBurst)
		arch = archive.NewBreaker(limited, cfg.Archive.Breaker(), logger)
	}

	r, err := runner.New(runner.Options{
		Catalog: cat,
		Store:   store,
		Archive: arch,
		Planner: cfg.Plan.Planner(),
		Fetch:   cfg.Fetch.Executor(),
		Stdout:  cmd.OutOrStdout(),
	}, logger)
	if err != nil {
		return failed(err)
	}

	// ----- Status server -----
	if cfg.Metrics.Addr != "" {
		srv := httpserver.NewServer(cfg.Metrics.Addr, httpserver.NewRouter(logger, func() any {
			return r.Progress().Snapshot()
		}))
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status server error", zap.Error(err))
			}
		}()
		logger.Info("status server listening", zap.String("addr", srv.Addr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("status server shutdown error", zap.Error(err))
			}
		}()
	}

	output := opts.output
	if output == "" {
		output = loc.Slug() + "_era5.csv"
	}

	rep, err := r.Run(ctx, runner.Request{
		Variables: opts.variables,
		Location:  loc,
		Output:    output,
		Offline:   opts.offline,
	})
	if err != nil {
		if errors.Is(err, era5.ErrUnknownVariable) ||
			errors.Is(err, era5.ErrInvalidLocation) ||
			errors.Is(err, planner.ErrEmptyWindow) {
			return badInput(err)
		}
		return failed(err)
	}

	if err := rep.WriteText(cmd.ErrOrStderr()); err != nil {
		logger.Warn("report write failed", zap.Error(err))
	}
	if code := rep.ExitCode(); code != exitOK {
		return &exitError{code: code}
	}
	return nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}

func parseLocation(args []string, name string) (era5.Location, error) {
	if len(args) != 2 {
		return era5.Location{}, fmt.Errorf("%w: expected LAT LON", era5.ErrInvalidLocation)
	}
	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return era5.Location{}, fmt.Errorf("%w: latitude %q", era5.ErrInvalidLocation, args[0])
	}
	lon, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return era5.Location{}, fmt.Errorf("%w: longitude %q", era5.ErrInvalidLocation, args[1])
	}
	loc := era5.Location{Lat: lat, Lon: lon, Name: name}
	if err := loc.Validate(); err != nil {
		return era5.Location{}, err
	}
	return loc, nil
}
