// Package main implements the storage node. A node hosts shard replicas in
// its local storage engine and runs the replication coordinator that keeps
// them consistent: it takes and renews shard leases through the meta-data
// service, recovers replicas that missed writes, and serves client reads
// and writes for the shards it owns.
//
// Architecture:
//
//	┌──────────────────────────────────────────────┐
//	│                     Node                     │
//	├──────────────────────────────────────────────┤
//	│  HTTP API:                                   │
//	│    /rpc                 - node-to-node RPC   │
//	│    /data/{key}          - GET, PUT, DELETE   │
//	│    /shards              - list, create       │
//	│    /shards/{id}         - delete             │
//	│    /shards/{id}/stats   - container stats    │
//	│    /shards/{id}/command - STATUS, RECOVERED  │
//	│    /health, /info                            │
//	├──────────────────────────────────────────────┤
//	│  Components:                                 │
//	│    sched.Loop       - one event loop         │
//	│    Coordinator      - shards, ops, commands  │
//	│    HealthMonitor    - peer liveness          │
//	│    ShardRegistry    - key routing            │
//	│    MemoryStore      - storage engine         │
//	└──────────────────────────────────────────────┘
//
// Configuration is read by config.Load from the YAML file named by
// NODE_CONFIG, then environment overrides:
//   - NODE_ID: unique node identifier (required)
//   - NODE_LISTEN: listen address (default ":8081")
//   - NODE_ADDR: public base URL (default "http://127.0.0.1:8081")
//   - META_ADDR: meta-data service URL (default "http://127.0.0.1:8080")
//   - NUM_SHARDS, LEASE_DURATION, RPC_TIMEOUT, LOG_LEVEL, ...
//
// Example usage:
//
//	NODE_ID=node-1 NODE_LISTEN=:8081 NODE_ADDR=http://localhost:8081 ./node
//	NODE_ID=node-2 NODE_LISTEN=:8082 NODE_ADDR=http://localhost:8082 ./node
//
//	# create shard 1 on both nodes, node-1 preferred
//	curl -X POST localhost:8081/shards -d '{"shard_id":1,"nodes":["node-1","node-2"]}'
//	curl -X PUT localhost:8082/data/user:123 -d '{"name":"Alice"}'
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/replikv/internal/cluster"
	"github.com/dreamware/replikv/internal/config"
	"github.com/dreamware/replikv/internal/coordinator"
	"github.com/dreamware/replikv/internal/meta"
	"github.com/dreamware/replikv/internal/rpc"
	"github.com/dreamware/replikv/internal/sched"
	"github.com/dreamware/replikv/internal/shard"
	"github.com/dreamware/replikv/internal/storage"
)

// logFatal is a variable so tests can intercept fatal errors without the
// process exiting.
var logFatal = func(log zerolog.Logger, err error, msg string) {
	log.Fatal().Err(err).Msg(msg)
}

// metaPollInterval is how often a node polls the meta-data service for
// changes made by other nodes.
const metaPollInterval = 250 * time.Millisecond

func main() {
	log := newLogger("info")
	cfg, err := config.Load(getenv("NODE_CONFIG", ""))
	if err != nil {
		logFatal(log, err, "loading config")
		return
	}
	if cfg.NodeID == "" {
		logFatal(log, errors.New("missing NODE_ID"), "loading config")
		return
	}
	log = newLogger(cfg.LogLevel).With().Str("node", cfg.NodeID).Logger()

	n := newNode(cfg, storage.NewMemoryStore(), log, func(p meta.Poster) meta.Storage {
		return meta.NewHTTPClient(cfg.MetaAddr, p, cfg.Replication.RPCTimeout, metaPollInterval, log)
	})
	n.start()

	s := &http.Server{
		Addr:              cfg.Listen,
		Handler:           n.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("listen", cfg.Listen).Str("addr", cfg.Addr).Msg("node listening")
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal(log, err, "listen")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := register(ctx, cfg.MetaAddr, cluster.NodeInfo{ID: cfg.NodeID, Addr: cfg.Addr}, log); err != nil {
		logFatal(log, err, "registering with meta-data service")
		return
	}
	go n.refreshDirectory(ctx, cfg.MetaAddr, cfg.Health.Interval)
	go n.health.Start(ctx, n.dir.All)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	cancel()
	if err := n.shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("coordinator shutdown incomplete")
	}
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("node stopped")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

// node wires one storage node together. Everything the coordinator owns is
// touched only from loop tasks; HTTP handlers post work to the loop and
// wait for the reply.
type node struct {
	id  string
	cfg config.Config
	log zerolog.Logger

	loop     *sched.Loop
	dir      *cluster.Directory
	coord    *coordinator.Coordinator
	registry *coordinator.ShardRegistry
	health   *coordinator.HealthMonitor
}

// newNode builds a node over store. newMeta returns the meta-data client
// bound to the node's loop.
func newNode(cfg config.Config, store storage.Store, log zerolog.Logger, newMeta func(meta.Poster) meta.Storage) *node {
	n := &node{
		id:       cfg.NodeID,
		cfg:      cfg,
		log:      log,
		loop:     sched.NewLoop(log),
		dir:      cluster.NewDirectory(cluster.NodeInfo{ID: cfg.NodeID, Addr: cfg.Addr}),
		registry: coordinator.NewShardRegistry(cfg.NumShards),
		health:   coordinator.NewHealthMonitor(cfg.NodeID, cfg.Health, log),
	}
	n.coord = coordinator.New(coordinator.Options{
		Node:      cfg.NodeID,
		Sched:     n.loop,
		Meta:      newMeta(n.loop),
		Messenger: rpc.NewHTTPMessenger(cfg.NodeID, n.dir, n.loop, log),
		Server:    rpc.NewServer(cfg.NodeID, store, log),
		Config:    cfg.Replication,
		Log:       log,
	})
	n.coord.AddNotifier(n.registry.Observe)
	n.health.SetCallbacks(n.nodeLive, n.nodeDead)
	return n
}

// start runs the loop and loads the shards already in local storage.
func (n *node) start() {
	n.loop.Start()
	n.loop.Post(n.coord.Start)
}

func (n *node) nodeLive(id string) { n.loop.Post(func() { n.coord.NodeLive(id) }) }

func (n *node) nodeDead(id string) { n.loop.Post(func() { n.coord.NodeDead(id) }) }

// shutdown stops the coordinator, releasing leases, then the health
// monitor and the loop.
func (n *node) shutdown(ctx context.Context) error {
	stopped := make(chan struct{})
	n.loop.Post(func() { n.coord.Shutdown(func() { close(stopped) }) })
	var err error
	select {
	case <-stopped:
	case <-ctx.Done():
		err = ctx.Err()
	}
	n.health.Stop()
	n.loop.Stop()
	return err
}

// register announces the node to the meta-data service, retrying while the
// service starts up.
func register(ctx context.Context, metaAddr string, self cluster.NodeInfo, log zerolog.Logger) error {
	body := cluster.RegisterRequest{Node: self}
	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, metaAddr+"/register", body, nil)
		if lastErr == nil {
			log.Info().Str("meta", metaAddr).Msg("registered")
			return nil
		}
		log.Warn().Err(lastErr).Int("attempt", i+1).Msg("register retry")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(400 * time.Millisecond):
		}
	}
	return fmt.Errorf("register with %s: %w", metaAddr, lastErr)
}

// refreshDirectory keeps the node directory in step with the meta-data
// service's membership list until ctx is cancelled.
func (n *node) refreshDirectory(ctx context.Context, metaAddr string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := n.refreshOnce(ctx, metaAddr); err != nil && ctx.Err() == nil {
			n.log.Warn().Err(err).Msg("refreshing node list")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *node) refreshOnce(ctx context.Context, metaAddr string) error {
	reqCtx, cancel := context.WithTimeout(ctx, n.cfg.Replication.RPCTimeout)
	defer cancel()
	var list cluster.NodeList
	if err := cluster.GetJSON(reqCtx, metaAddr+"/nodes", &list); err != nil {
		return err
	}
	self := cluster.NodeInfo{ID: n.id, Addr: n.cfg.Addr}
	n.dir.Replace(append(list.Nodes, self))
	return nil
}

func (n *node) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/rpc", n.handleRPC)
	mux.HandleFunc("/data/", n.handleData)
	mux.HandleFunc("/shards", n.handleShards)
	mux.HandleFunc("/shards/", n.handleShard)
	mux.HandleFunc("/info", n.handleInfo)
	return mux
}

// handle runs req through the local coordinator and waits for its reply.
func (n *node) handle(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	ch := make(chan *rpc.Response, 1)
	n.loop.Post(func() {
		n.coord.Handle(req, func(resp *rpc.Response) { ch <- resp })
	})
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// forward sends req to node, locally or over HTTP.
func (n *node) forward(ctx context.Context, node string, req *rpc.Request) (*rpc.Response, error) {
	if node == n.id {
		return n.handle(ctx, req)
	}
	addr, ok := n.dir.Lookup(node)
	if !ok {
		return nil, fmt.Errorf("%w: %s not in directory", rpc.ErrNodeDead, node)
	}
	out := *req
	out.From = n.id
	var resp rpc.Response
	if err := cluster.PostJSON(ctx, addr+"/rpc", &out, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// route sends a client operation to the shard's home as far as this node
// knows it, following one WrongNode redirect.
func (n *node) route(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	target := n.id
	if a := n.registry.GetAssignment(req.Shard); a != nil && a.Home != "" {
		target = a.Home
	}
	resp, err := n.forward(ctx, target, req)
	if err == nil && resp.Status == rpc.StatusWrongNode && resp.Home != "" && resp.Home != target {
		n.log.Debug().Str("from", target).Str("to", resp.Home).Uint64("shard", uint64(req.Shard)).Msg("following redirect")
		resp, err = n.forward(ctx, resp.Home, req)
	}
	return resp, err
}

func (n *node) opContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 2*n.cfg.Replication.RPCTimeout+time.Second)
}

// httpStatus maps an operation status to the HTTP status returned to
// clients.
func httpStatus(st rpc.Status) int {
	switch st {
	case rpc.StatusOK:
		return http.StatusOK
	case rpc.StatusObjectUnknown, rpc.StatusContainerUnknown:
		return http.StatusNotFound
	case rpc.StatusContainerExists:
		return http.StatusConflict
	case rpc.StatusInvalid:
		return http.StatusBadRequest
	case rpc.StatusWrongNode, rpc.StatusNotReady, rpc.StatusShutdown, rpc.StatusNodeDead, rpc.StatusTimeout:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, resp *rpc.Response) {
	msg := resp.Status.String()
	if resp.Detail != "" {
		msg += ": " + resp.Detail
	}
	if resp.Home != "" {
		w.Header().Set("X-Shard-Home", resp.Home)
	}
	http.Error(w, msg, httpStatus(resp.Status))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// handleRPC serves node-to-node messages: replica reads and writes during
// recovery, container management, and client operations forwarded from
// peers.
func (n *node) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	resp, err := n.handle(r.Context(), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleData serves /data/{key}. The key's shard comes from the routing
// table; the operation runs on the shard's home.
//
// Responses:
//   - GET 200: the stored value, with its seqno in X-Seqno
//   - PUT/DELETE 204: applied, with the assigned seqno in X-Seqno
//   - 404: no such key or shard
//   - 503: the shard has no reachable owner yet
func (n *node) handleData(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/data/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}
	req := &rpc.Request{Shard: n.registry.GetShardForKey(key), Key: key}
	switch r.Method {
	case http.MethodGet:
		req.Type = rpc.MsgGet
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		req.Type = rpc.MsgPut
		req.Data = body
	case http.MethodDelete:
		req.Type = rpc.MsgDelete
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := n.opContext(r)
	defer cancel()
	resp, err := n.route(ctx, req)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to route request: %v", err), http.StatusBadGateway)
		return
	}
	if resp.Status != rpc.StatusOK {
		writeError(w, resp)
		return
	}
	w.Header().Set("X-Seqno", strconv.FormatUint(resp.Seqno, 10))
	if req.Type != rpc.MsgGet {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(resp.Record.Data)
}

// createShardRequest is the body of POST /shards. Without Nodes the shard
// is placed round robin over the known nodes.
type createShardRequest struct {
	ShardID  meta.ShardID `json:"shard_id"`
	Nodes    []string     `json:"nodes,omitempty"`
	Replicas int          `json:"replicas,omitempty"`
	Type     string       `json:"type,omitempty"`
	VIPGroup int          `json:"vip_group,omitempty"`
}

func parseReplicationType(s string) (meta.ReplicationType, error) {
	switch s {
	case "", meta.Mirrored.String():
		return meta.Mirrored, nil
	case meta.MetaOnly.String():
		return meta.MetaOnly, nil
	}
	return 0, fmt.Errorf("unknown replication type %q", s)
}

// handleShards lists this node's shards (GET) or creates a shard (POST).
func (n *node) handleShards(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var shards []shard.Info
		if err := n.loop.Call(func() { shards = n.coord.Shards() }); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if shards == nil {
			shards = []shard.Info{}
		}
		writeJSON(w, http.StatusOK, struct {
			NodeID      string                         `json:"node_id"`
			NumShards   int                            `json:"num_shards"`
			Shards      []shard.Info                   `json:"shards"`
			Assignments []*coordinator.ShardAssignment `json:"assignments"`
		}{
			NodeID:      n.id,
			NumShards:   n.registry.NumShards(),
			Shards:      shards,
			Assignments: n.registry.GetAllAssignments(),
		})

	case http.MethodPost:
		var body createShardRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		typ, err := parseReplicationType(body.Type)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.ShardID == 0 {
			http.Error(w, "shard_id required", http.StatusBadRequest)
			return
		}
		nodes := body.Nodes
		if len(nodes) == 0 {
			nodes, err = n.place(body.ShardID, body.Replicas)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		req := &rpc.Request{
			Type:            rpc.MsgCreateShard,
			Shard:           body.ShardID,
			Nodes:           nodes,
			ReplicationType: typ,
			VIPGroupID:      body.VIPGroup,
		}
		ctx, cancel := n.opContext(r)
		defer cancel()
		// the preferred replica creates, so it takes the lease at once
		resp, err := n.forward(ctx, nodes[0], req)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to create shard: %v", err), http.StatusBadGateway)
			return
		}
		if resp.Status != rpc.StatusOK {
			writeError(w, resp)
			return
		}
		n.log.Info().Uint64("shard", uint64(body.ShardID)).Strs("nodes", nodes).Msg("shard created")
		writeJSON(w, http.StatusCreated, createShardRequest{ShardID: body.ShardID, Nodes: nodes, Type: typ.String()})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// place picks replicas for id from the directory. replicas <= 0 means
// every known node.
func (n *node) place(id meta.ShardID, replicas int) ([]string, error) {
	var ids []string
	for _, info := range n.dir.All() {
		ids = append(ids, info.ID)
	}
	if replicas <= 0 || replicas > len(ids) {
		replicas = len(ids)
	}
	placement, err := n.registry.Placement(ids, replicas)
	if err != nil {
		return nil, err
	}
	nodes, ok := placement[id]
	if !ok {
		return nil, fmt.Errorf("shard %d outside [1, %d]", id, n.registry.NumShards())
	}
	return nodes, nil
}

// handleShard serves /shards/{id} (DELETE), /shards/{id}/stats (GET) and
// /shards/{id}/command (POST, plain-text command line).
func (n *node) handleShard(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/shards/")
	idStr, action, _ := strings.Cut(rest, "/")
	v, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil || v == 0 {
		http.Error(w, "invalid shard id", http.StatusBadRequest)
		return
	}
	id := meta.ShardID(v)

	switch {
	case action == "" && r.Method == http.MethodDelete:
		ctx, cancel := n.opContext(r)
		defer cancel()
		resp, err := n.route(ctx, &rpc.Request{Type: rpc.MsgDeleteShard, Shard: id})
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to route request: %v", err), http.StatusBadGateway)
			return
		}
		if resp.Status != rpc.StatusOK {
			writeError(w, resp)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case action == "stats" && r.Method == http.MethodGet:
		var st coordinator.ContainerStats
		var statErr error
		if err := n.loop.Call(func() { st, statErr = n.coord.GetContainerStats(id) }); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if statErr != nil {
			http.Error(w, statErr.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, st)

	case action == "command" && r.Method == http.MethodPost:
		line, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		type result struct {
			out string
			err error
		}
		ch := make(chan result, 1)
		n.coord.CommandAsync(id, string(line), func(out string, err error) { ch <- result{out, err} })
		var res result
		select {
		case res = <-ch:
		case <-r.Context().Done():
			return
		}
		switch {
		case res.err == nil:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.WriteString(w, res.out)
		case errors.Is(res.err, coordinator.ErrUnknownShard):
			http.Error(w, res.err.Error(), http.StatusNotFound)
		case errors.Is(res.err, coordinator.ErrUnknownCommand):
			http.Error(w, res.err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, res.err.Error(), http.StatusConflict)
		}

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// handleInfo describes the node, its peers and their health.
func (n *node) handleInfo(w http.ResponseWriter, r *http.Request) {
	var shards []shard.Info
	if err := n.loop.Call(func() { shards = n.coord.Shards() }); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		NodeID string                              `json:"node_id"`
		Addr   string                              `json:"addr"`
		Peers  []cluster.NodeInfo                  `json:"peers"`
		Health map[string]*coordinator.NodeHealth `json:"health"`
		Count  int                                 `json:"shard_count"`
	}{
		NodeID: n.id,
		Addr:   n.cfg.Addr,
		Peers:  n.dir.All(),
		Health: n.health.GetAllNodeHealth(),
		Count:  len(shards),
	})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
