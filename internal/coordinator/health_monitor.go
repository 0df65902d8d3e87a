package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dreamware/replikv/internal/cluster"
	"github.com/dreamware/replikv/internal/config"
	"github.com/rs/zerolog"
	sync "github.com/sasha-s/go-deadlock"
)

// Health statuses reported in NodeHealth.Status.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the health status of a single peer.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`   // Timestamp of the last health check attempt
	LastHealthy      time.Time `json:"last_healthy"` // Timestamp of the last successful health check
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"` // "healthy", "unhealthy" or "unknown"
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor is the liveness detector behind Coordinator.NodeLive and
// Coordinator.NodeDead. It probes every peer's /health endpoint on an
// interval and reports transitions: a peer is live from its first
// successful probe, and dead after MaxFailures consecutive failures or when
// it leaves the node list.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	self        string
	nodes       map[string]*NodeHealth  // Current health status per peer
	httpClient  *http.Client            // HTTP client for health checks
	checkFunc   func(addr string) error // Function to perform health check
	onLive      func(nodeID string)
	onDead      func(nodeID string)
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	log         zerolog.Logger
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

// NewHealthMonitor creates a monitor for the peers of node self.
//
// Example:
//
//	monitor := NewHealthMonitor("node-1", cfg.Health, log)
//	monitor.SetCallbacks(
//		func(id string) { loop.Post(func() { coord.NodeLive(id) }) },
//		func(id string) { loop.Post(func() { coord.NodeDead(id) }) },
//	)
//	go monitor.Start(ctx, dir.All)
func NewHealthMonitor(self string, cfg config.Health, log zerolog.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		self:        self,
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		maxFailures: cfg.MaxFailures,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		ctx:         ctx,
		cancel:      cancel,
		log:         log.With().Str("component", "health").Str("node", self).Logger(),
	}
}

// SetCallbacks sets the functions told about liveness transitions. They are
// called from the monitor's goroutine, so callers that own a scheduler post
// the event onto it. Calls come one at a time and in the order the
// transitions were observed, with no lock held.
func (h *HealthMonitor) SetCallbacks(onLive, onDead func(nodeID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onLive = onLive
	h.onDead = onDead
}

// Start checks the peers returned by nodeProvider every interval. It blocks
// until ctx is cancelled or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info().Dur("interval", h.interval).Msg("health monitor started")
	h.checkAllNodes(nodeProvider())
	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(nodeProvider())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop cancels the monitoring goroutine and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	h.log.Info().Msg("health monitor stopped")
}

type transition struct {
	node string
	live bool
}

// checkAllNodes probes every peer in nodes and forgets peers that left the
// list, reporting the ones that were live as dead.
func (h *HealthMonitor) checkAllNodes(nodes []cluster.NodeInfo) {
	current := make(map[string]bool)
	var changes []transition

	for _, node := range nodes {
		if node.ID == h.self {
			continue
		}
		current[node.ID] = true
		if tr, ok := h.checkNode(node); ok {
			changes = append(changes, tr)
		}
	}

	h.mu.Lock()
	for id, health := range h.nodes {
		if current[id] {
			continue
		}
		if health.Status == StatusHealthy {
			changes = append(changes, transition{node: id})
		}
		delete(h.nodes, id)
		h.log.Info().Str("peer", id).Msg("removed from health monitoring")
	}
	h.mu.Unlock()

	h.report(changes)
}

// checkNode probes one peer and returns the liveness transition it caused,
// if any.
func (h *HealthMonitor) checkNode(node cluster.NodeInfo) (transition, bool) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown}
		h.nodes[node.ID] = health
	}
	check := h.checkFunc
	h.mu.Unlock()
	if check == nil {
		check = h.defaultHealthCheck
	}

	err := check(node.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	health.LastCheck = now

	if err != nil {
		health.ConsecutiveFails++
		h.log.Debug().Err(err).Str("peer", node.ID).
			Int("fails", health.ConsecutiveFails).Int("max", h.maxFailures).
			Msg("health check failed")
		if health.ConsecutiveFails < h.maxFailures || health.Status == StatusUnhealthy {
			return transition{}, false
		}
		prev := health.Status
		health.Status = StatusUnhealthy
		h.log.Warn().Str("peer", node.ID).Int("fails", health.ConsecutiveFails).Msg("peer unhealthy")
		// a peer never seen healthy was never reported live
		return transition{node: node.ID}, prev == StatusHealthy
	}

	prev := health.Status
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = now
	if prev == StatusHealthy {
		return transition{}, false
	}
	h.log.Info().Str("peer", node.ID).Str("was", prev).Msg("peer healthy")
	return transition{node: node.ID, live: true}, true
}

func (h *HealthMonitor) report(changes []transition) {
	h.mu.RLock()
	onLive, onDead := h.onLive, h.onDead
	h.mu.RUnlock()
	for _, tr := range changes {
		switch {
		case tr.live && onLive != nil:
			onLive(tr.node)
		case !tr.live && onDead != nil:
			onDead(tr.node)
		}
	}
}

// defaultHealthCheck GETs <addr>/health and expects 200 OK.
func (h *HealthMonitor) defaultHealthCheck(addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("http://%s", addr)
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of a peer's health record, or nil if the peer
// is not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns copies of every peer's health record keyed by
// node ID.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		cp := *health
		result[id] = &cp
	}
	return result
}

// IsHealthy reports whether a peer's last status is healthy. Unmonitored
// peers are not.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}

// SetCheckFunction overrides the HTTP probe, for tests and custom checks.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(addr string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = checkFunc
}
