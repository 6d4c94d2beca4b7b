// Command coralgate serves the JSON-over-WebSocket gateway on top of the
// in-memory store, rules, identity and audit engines.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/coralbase/coralgate/audit"
	"github.com/coralbase/coralgate/config"
	"github.com/coralbase/coralgate/gateway"
	"github.com/coralbase/coralgate/identity"
	"github.com/coralbase/coralgate/observability/prom"
	"github.com/coralbase/coralgate/permission"
	"github.com/coralbase/coralgate/ratelimit"
	"github.com/coralbase/coralgate/rules/memrules"
	"github.com/coralbase/coralgate/store/memstore"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "coralgate:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to YAML config file")
		listen      = flag.String("listen", "", "listen address (overrides config)")
		wsPath      = flag.String("path", "", "websocket endpoint path (overrides config)")
		requireAuth = flag.Bool("require-auth", false, "require authentication (overrides config when set)")
		logLevel    = flag.String("log-level", "", "log level: debug|info|warn|error")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("coralgate %s (%s)\n", version, commit)
		return nil
	}

	cfgFile, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfgFile.Listen = *listen
	}
	if *wsPath != "" {
		cfgFile.Path = *wsPath
	}
	if *requireAuth {
		cfgFile.RequireAuth = true
	}
	if *logLevel != "" {
		cfgFile.Log.Level = *logLevel
	}

	log, err := newLogger(cfgFile.Log.Level, cfgFile.Log.Pretty)
	if err != nil {
		return err
	}

	cfg := gateway.DefaultConfig()
	cfg.Logger = log
	cfg.RequireAuth = cfgFile.RequireAuth
	cfg.ExposeErrorDetails = cfgFile.ExposeErrorDetails
	cfg.AllowedOrigins = cfgFile.AllowedOrigins
	if cfgFile.AllowNoOrigin != nil {
		cfg.AllowNoOrigin = *cfgFile.AllowNoOrigin
	}
	if cfgFile.Heartbeat.IntervalMS > 0 {
		cfg.Heartbeat.Interval = time.Duration(cfgFile.Heartbeat.IntervalMS) * time.Millisecond
	}
	if cfgFile.Heartbeat.TimeoutMS > 0 {
		cfg.Heartbeat.Timeout = time.Duration(cfgFile.Heartbeat.TimeoutMS) * time.Millisecond
	}
	if cfgFile.Backpressure.MaxBufferedBytes > 0 {
		cfg.Backpressure.MaxBufferedBytes = cfgFile.Backpressure.MaxBufferedBytes
	}
	if cfgFile.Backpressure.HighWaterMark > 0 {
		cfg.Backpressure.HighWaterMark = cfgFile.Backpressure.HighWaterMark
	}
	if cfgFile.MaxSubscriptionsPerConnection > 0 {
		cfg.MaxSubscriptionsPerConnection = cfgFile.MaxSubscriptionsPerConnection
	}
	if cfgFile.ReadLimit > 0 {
		cfg.ReadLimit = cfgFile.ReadLimit
	}

	cfg.Store = memstore.New()
	if !cfgFile.Rules.Disabled {
		cfg.Rules = memrules.New()
	}
	cfg.Audit = audit.NewLog(cfgFile.Audit.Capacity)

	var idStore *identity.Store
	if cfgFile.Identity.TokenSecret != "" {
		idStore, err = identity.NewStore(identity.Config{
			TokenSecret:      []byte(cfgFile.Identity.TokenSecret),
			SessionTTL:       time.Duration(cfgFile.Identity.SessionTTLMS) * time.Millisecond,
			SuperadminSecret: cfgFile.Identity.SuperadminSecret,
		})
		if err != nil {
			return err
		}
		for _, u := range cfgFile.Identity.Bootstrap {
			if _, err := idStore.CreateUser(u.Username, u.Password, u.Roles, nil); err != nil {
				return fmt.Errorf("bootstrap user %q: %w", u.Username, err)
			}
			log.Info().Str("user", u.Username).Msg("bootstrap user created")
		}
		cfg.Identity = idStore
	} else if cfgFile.RequireAuth {
		return errors.New("requireAuth is set but identity.tokenSecret is empty")
	}

	if cfgFile.Permissions.Enabled {
		pc := permission.Config{DefaultAllow: cfgFile.Permissions.DefaultAllow}
		if idStore != nil {
			pc.ACL = idStore
			pc.Roles = idStore
		}
		cfg.Permissions = permission.New(pc)
	}

	if cfgFile.RateLimit.MaxRequests > 0 {
		cfg.RateLimit = ratelimit.New(ratelimit.Config{
			MaxRequests: cfgFile.RateLimit.MaxRequests,
			Window:      time.Duration(cfgFile.RateLimit.WindowMS) * time.Millisecond,
		})
	}

	if cfgFile.MetricsListen != "" {
		reg := prom.NewRegistry()
		cfg.Observer = prom.NewGatewayObserver(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler(reg))
		metricsSrv := newHTTPServer(cfgFile.MetricsListen, mux)
		go func() {
			log.Info().Str("listen", cfgFile.MetricsListen).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer metricsSrv.Close()
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(cfgFile.Path, gw)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := newHTTPServer(cfgFile.Listen, mux)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfgFile.Listen).Str("path", cfgFile.Path).Str("version", version).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	grace := 10 * time.Second
	if cfgFile.ShutdownGraceMS > 0 {
		grace = time.Duration(cfgFile.ShutdownGraceMS) * time.Millisecond
	}
	gw.Stop(grace)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func newLogger(level string, pretty bool) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q", level)
		}
		lvl = parsed
	}
	var w = os.Stderr
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).Level(lvl).With().Timestamp().Logger(), nil
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}
