// Package main implements the meta-data service. It keeps one durable
// ShardMeta record per shard in a bolt database, applies the create and put
// rules every node relies on for leases, and tracks cluster membership.
//
// Configuration:
//   - METAD_CONFIG: optional YAML config file
//   - METAD_ADDR: listen address (default ":8080")
//   - META_PATH: bolt database file (default "meta.db")
//   - LOG_LEVEL: zerolog level (default "info")
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	sync "github.com/sasha-s/go-deadlock"
	"golang.org/x/exp/slices"

	"github.com/dreamware/replikv/internal/cluster"
	"github.com/dreamware/replikv/internal/config"
	"github.com/dreamware/replikv/internal/meta"
)

// logFatal is a variable so tests can intercept fatal errors.
var logFatal = func(log zerolog.Logger, err error, msg string) {
	log.Fatal().Err(err).Msg(msg)
}

func main() {
	log := newLogger("info")
	cfg, err := config.Load(getenv("METAD_CONFIG", ""))
	if err != nil {
		logFatal(log, err, "loading config")
		return
	}
	log = newLogger(cfg.LogLevel)
	addr := getenv("METAD_ADDR", ":8080")

	backend, err := meta.OpenBolt(cfg.MetaPath)
	if err != nil {
		logFatal(log, err, "opening meta database")
		return
	}
	defer backend.Close()
	srv := newServer(meta.NewService(backend, nil), log)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("db", cfg.MetaPath).Msg("meta-data service listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal(log, err, "listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	log.Info().Msg("meta-data service stopped")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Str("service", "metad").Logger()
}

type server struct {
	svc *meta.Service
	log zerolog.Logger

	mu    sync.RWMutex
	nodes []cluster.NodeInfo
}

func newServer(svc *meta.Service, log zerolog.Logger) *server {
	return &server{svc: svc, log: log}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/nodes", s.handleListNodes)
	mux.HandleFunc("/meta/create", s.handleWrite(s.svc.Create))
	mux.HandleFunc("/meta/put", s.handleWrite(s.svc.Put))
	mux.HandleFunc("/meta/get", s.handleGet)
	mux.HandleFunc("/meta/watch", s.handleWatch)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == req.Node.ID })
	if idx >= 0 {
		s.nodes[idx] = req.Node
	} else {
		s.nodes = append(s.nodes, req.Node)
		s.log.Info().Str("node", req.Node.ID).Str("addr", req.Node.Addr).Msg("node registered")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	list := cluster.NodeList{Nodes: slices.Clone(s.nodes)}
	s.mu.RUnlock()
	slices.SortFunc(list.Nodes, func(a, b cluster.NodeInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	if list.Nodes == nil {
		list.Nodes = []cluster.NodeInfo{}
	}
	writeJSON(w, list)
}

// handleWrite serves /meta/create and /meta/put. Rule violations are
// returned in the body with status 200 so the client can map them back to
// storage errors.
func (s *server) handleWrite(write func(*meta.ShardMeta) (*meta.ShardMeta, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var m meta.ShardMeta
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		stored, err := write(&m)
		if err != nil {
			s.log.Debug().Err(err).Str("path", r.URL.Path).Uint64("shard", uint64(m.ShardID)).Msg("meta write rejected")
		} else {
			s.log.Debug().Str("path", r.URL.Path).Stringer("meta", stored).Msg("meta stored")
		}
		writeJSON(w, meta.WriteResponse{Meta: stored, Error: meta.ErrorCode(err)})
	}
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.URL.Query().Get("shard"), 10, 64)
	if err != nil || id == 0 {
		http.Error(w, "invalid shard", http.StatusBadRequest)
		return
	}
	m, err := s.svc.Get(meta.ShardID(id))
	writeJSON(w, meta.WriteResponse{Meta: m, Error: meta.ErrorCode(err)})
}

func (s *server) handleWatch(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = n
	}
	shards, version, err := s.svc.Changes(since)
	if err != nil {
		s.log.Error().Err(err).Msg("reading meta changes")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if shards == nil {
		shards = []*meta.ShardMeta{}
	}
	writeJSON(w, meta.WatchResponse{Version: version, Shards: shards})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
