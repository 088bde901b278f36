package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"plugin-fleet/pkg/api"
	"plugin-fleet/pkg/db"
	"plugin-fleet/pkg/logging"
	"plugin-fleet/pkg/store"
	"plugin-fleet/pkg/version"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := db.LoadDotEnv(); err != nil {
		hclog.Default().Warn("failed to load .env", "error", err)
	}
	defaultWorkers, _ := strconv.Atoi(envOr("FANOUT_WORKERS", "4"))

	addr := flag.String("addr", envOr("CONTROLLER_LISTEN", ":8080"), "listen address")
	token := flag.String("token", os.Getenv("AUTH_TOKEN"), "bootstrap auth token with approver rights (optional)")
	requireJWT := flag.Bool("jwt", false, "require a JWT or the bootstrap token on every API call")
	storeType := flag.String("store", envOr("STORE", "memory"), "store backend: memory|mysql|consul (consul requires build tag consul)")
	consulAddr := flag.String("consul-addr", "127.0.0.1:8500", "consul address (when store=consul)")
	tlsCert := flag.String("tls-cert", "", "TLS cert path (enables HTTPS if set with --tls-key)")
	tlsKey := flag.String("tls-key", "", "TLS key path (enables HTTPS if set with --tls-cert)")
	clientCA := flag.String("client-ca", "", "require and verify client certs using this CA (optional)")
	workers := flag.Int("fanout-workers", defaultWorkers, "concurrent per-node command writes")
	logLevel := flag.String("log-level", envOr("LOG_LEVEL", "info"), "trace|debug|info|warn|error")
	flag.Parse()

	logger := logging.New("controller", *logLevel, nil)

	var st store.Store
	switch *storeType {
	case "memory":
		st = store.NewMemory()
	case "mysql":
		gdb, err := db.Init(logger.Named("mysql"))
		if err != nil {
			logger.Error("mysql init failed", "error", err)
			os.Exit(1)
		}
		st = db.NewStore(gdb, nil)
	case "consul":
		var err error
		st, err = store.NewConsulStore(*consulAddr)
		if err != nil {
			logger.Error("consul store init failed", "error", err)
			os.Exit(1)
		}
	default:
		logger.Error("unsupported store type", "store", *storeType)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	api.NewServer(api.Options{
		Store:      st,
		Workers:    *workers,
		Token:      *token,
		RequireJWT: *requireJWT,
		Logger:     logger,
	}).RegisterRoutes(mux)
	(&api.AuthHandler{Users: st, Logger: logger.Named("auth")}).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("controller listening", "addr", *addr, "store", *storeType, "version", version.Get().String())
	var err error
	if *tlsCert != "" && *tlsKey != "" {
		cfg, errTLS := api.ServerTLSConfig(*tlsCert, *tlsKey, *clientCA)
		if errTLS != nil {
			logger.Error("failed to build TLS config", "error", errTLS)
			os.Exit(1)
		}
		srv.TLSConfig = cfg
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
