package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/hashicorp/go-hclog"

	"plugin-fleet/pkg/command"
	"plugin-fleet/pkg/model"
	"plugin-fleet/pkg/reconcile"
	"plugin-fleet/pkg/store"
	"plugin-fleet/pkg/version"
	"plugin-fleet/pkg/workflow"
)

// Options configures a Server.
type Options struct {
	Store store.Store
	Hub   *WSHub
	// Factory stamps commands. Nil means wall clock.
	Factory *command.Factory
	// Workers bounds concurrent per-node command writes.
	Workers    int
	Token      string
	RequireJWT bool
	Logger     hclog.Logger
}

// Server is the controller HTTP surface.
type Server struct {
	store      store.Store
	workflow   *workflow.Workflow
	engine     *reconcile.Engine
	dispatcher *command.Dispatcher
	hub        *WSHub
	auth       *Authenticator
	logger     hclog.Logger
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewWSHub(logger)
	}
	commands := NotifyingCommands{CommandStore: opts.Store, Hub: hub}
	dispatcher := command.NewDispatcher(opts.Store, commands, opts.Factory,
		command.WithWorkers(opts.Workers), command.WithLogger(logger))
	return &Server{
		store:      opts.Store,
		workflow:   workflow.New(opts.Store, opts.Store, dispatcher, logger),
		engine:     reconcile.NewEngine(opts.Store, logger),
		dispatcher: dispatcher,
		hub:        hub,
		auth:       NewAuthenticator(opts.Token, opts.RequireJWT),
		logger:     logger.Named("api"),
	}
}

// RegisterRoutes wires the HTTP handlers on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("plugin-fleet controller"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	})

	mux.HandleFunc("/api/v1/plugin/upgrade/action", s.guard(http.MethodPost, s.handleUpgradeAction))
	mux.HandleFunc("/api/v1/plugin/upgrade", s.guard("", s.handleUpgrade))
	mux.HandleFunc("/api/v1/plugin/remove", s.guard(http.MethodPost, s.handleRemove))
	mux.HandleFunc("/api/v1/plugin/sync", s.guard(http.MethodPost, s.handleSync))
	mux.HandleFunc("/api/v1/plugin/commands", s.guard(http.MethodGet, s.handleCommands))
	mux.HandleFunc("/api/v1/plugin/runtime", s.guard("", s.handleRuntime))
	mux.HandleFunc("/api/v1/clusters", s.guard("", s.handleClusters))
	mux.HandleFunc("/api/v1/diagnose", s.guard(http.MethodGet, s.handleDiagnose))
	mux.HandleFunc("/api/v1/audit", s.guard(http.MethodGet, func(w http.ResponseWriter, r *http.Request, _ Principal) {
		entries, err := s.store.ListAudit(r.Context(), 50)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}))
	mux.HandleFunc("/api/v1/ws/agent", s.guard("", func(w http.ResponseWriter, r *http.Request, _ Principal) {
		s.hub.HandleAgentWS(w, r)
	}))
}

type principalHandler func(http.ResponseWriter, *http.Request, Principal)

// guard authenticates the caller and enforces method when it is set.
func (s *Server) guard(method string, next principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.auth.Identify(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if method != "" && r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r, p)
	}
}

type invalidError string

func (e invalidError) Error() string { return string(e) }

func invalid(format string, args ...interface{}) error {
	return invalidError(fmt.Sprintf(format, args...))
}

// fail writes err with the status code its kind maps to.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		fanout *command.FanoutError
		bad    invalidError
	)
	switch {
	case errors.As(err, &fanout):
		s.logger.Warn("command fan-out incomplete", "path", r.URL.Path, "failed", fanout.Failed, "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Failed: fanout.Failed})
	case errors.As(err, &bad):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrStateConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, model.ErrUnauthorized):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, model.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) audit(ctx context.Context, actor, action, target, detail string) {
	err := s.store.AppendAudit(ctx, model.AuditEntry{Actor: actor, Action: action, Target: target, Detail: detail})
	if err != nil {
		s.logger.Warn("audit write failed", "action", action, "target", target, "error", err)
	}
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return invalid("invalid payload: %v", err)
	}
	return nil
}

func (s *Server) requireCluster(ctx context.Context, clusterID string) error {
	if clusterID == "" {
		return invalid("clusterId is required")
	}
	ok, err := s.store.ClusterExists(ctx, clusterID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cluster %s: %w", clusterID, model.ErrNotFound)
	}
	return nil
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request, p Principal) {
	switch r.Method {
	case http.MethodGet:
		clusters, err := s.store.ListClusters(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, clusters)
	case http.MethodPost:
		var req ClusterRequest
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		if req.ClusterID == "" {
			s.fail(w, r, invalid("clusterId is required"))
			return
		}
		c, err := s.store.UpsertCluster(r.Context(), req.ClusterID, req.Nodes)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.audit(r.Context(), p.Name, "cluster_upsert", c.ID, fmt.Sprintf("nodes=%v", req.Nodes))
		writeJSON(w, http.StatusOK, c)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request, p Principal) {
	switch r.Method {
	case http.MethodGet:
		clusterID := r.URL.Query().Get("clusterId")
		if clusterID == "" {
			s.fail(w, r, invalid("clusterId is required"))
			return
		}
		desired, err := s.store.ListDesired(r.Context(), clusterID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, desired)
	case http.MethodPost:
		var req RuntimeRequest
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		if req.PluginName == "" || req.PluginVersion == "" || !req.PluginType.Valid() {
			s.fail(w, r, invalid("pluginName, pluginVersion and a valid pluginType are required"))
			return
		}
		if err := s.requireCluster(r.Context(), req.ClusterID); err != nil {
			s.fail(w, r, err)
			return
		}
		err := s.store.PutDesired(r.Context(), model.DesiredPlugin{
			ClusterID:     req.ClusterID,
			PluginName:    req.PluginName,
			PluginVersion: req.PluginVersion,
			PluginType:    req.PluginType,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.audit(r.Context(), p.Name, "runtime_put", req.ClusterID, req.PluginName+"@"+req.PluginVersion)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func queryUint(r *http.Request, key string) (uint64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, invalid("%s must be a non-negative integer", key)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
