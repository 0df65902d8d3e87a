package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dreamware/replikv/internal/cluster"
	"github.com/dreamware/replikv/internal/config"
	"github.com/rs/zerolog"
	sync "github.com/sasha-s/go-deadlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// transitions records liveness callbacks as "+node" / "-node".
type transitions struct {
	mu  sync.Mutex
	got []string
}

func (tr *transitions) live(id string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, "+"+id)
}

func (tr *transitions) dead(id string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, "-"+id)
}

func (tr *transitions) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.got...)
}

func testHealth() config.Health {
	return config.Health{Interval: 20 * time.Millisecond, Timeout: 100 * time.Millisecond, MaxFailures: 3}
}

// newTestMonitor returns a monitor for node "self" whose probe fails for
// the addresses in down.
func newTestMonitor(down map[string]bool) (*HealthMonitor, *transitions) {
	h := NewHealthMonitor("self", testHealth(), zerolog.Nop())
	tr := &transitions{}
	h.SetCallbacks(tr.live, tr.dead)
	h.SetCheckFunction(func(addr string) error {
		if down[addr] {
			return errors.New("connection refused")
		}
		return nil
	})
	return h, tr
}

var peers = []cluster.NodeInfo{
	{ID: "self", Addr: "self:1"},
	{ID: "a", Addr: "a:1"},
	{ID: "b", Addr: "b:1"},
}

func TestHealthMonitorTransitions(t *testing.T) {
	down := map[string]bool{}
	h, tr := newTestMonitor(down)

	h.checkAllNodes(peers)
	assert.Equal(t, []string{"+a", "+b"}, tr.list())
	assert.Nil(t, h.GetNodeHealth("self"), "a node does not monitor itself")
	assert.True(t, h.IsHealthy("a"))

	down["b:1"] = true
	h.checkAllNodes(peers)
	h.checkAllNodes(peers)
	assert.True(t, h.IsHealthy("b"), "below the failure threshold")
	assert.Equal(t, 2, h.GetNodeHealth("b").ConsecutiveFails)

	h.checkAllNodes(peers)
	assert.False(t, h.IsHealthy("b"))
	assert.Equal(t, StatusUnhealthy, h.GetNodeHealth("b").Status)
	assert.Equal(t, []string{"+a", "+b", "-b"}, tr.list())

	// staying down reports nothing new
	h.checkAllNodes(peers)
	assert.Equal(t, []string{"+a", "+b", "-b"}, tr.list())

	delete(down, "b:1")
	h.checkAllNodes(peers)
	assert.Equal(t, []string{"+a", "+b", "-b", "+b"}, tr.list())
	health := h.GetNodeHealth("b")
	assert.Equal(t, 0, health.ConsecutiveFails)
	assert.False(t, health.LastHealthy.IsZero())
}

func TestHealthMonitorNeverLivePeerNotReportedDead(t *testing.T) {
	h, tr := newTestMonitor(map[string]bool{"a:1": true})
	for i := 0; i < 5; i++ {
		h.checkAllNodes(peers[:2])
	}
	assert.Empty(t, tr.list())
	assert.Equal(t, StatusUnhealthy, h.GetNodeHealth("a").Status)
}

func TestHealthMonitorNodeRemoval(t *testing.T) {
	h, tr := newTestMonitor(map[string]bool{"b:1": true})
	h.checkAllNodes(peers)
	require.Len(t, h.GetAllNodeHealth(), 2)

	h.checkAllNodes(peers[:1])
	assert.Empty(t, h.GetAllNodeHealth())
	// a was live and is reported dead; b never was
	assert.Equal(t, []string{"+a", "-a"}, tr.list())
}

func TestHealthMonitorGetAllNodeHealthCopies(t *testing.T) {
	h, _ := newTestMonitor(map[string]bool{})
	h.checkAllNodes(peers)

	all := h.GetAllNodeHealth()
	all["a"].Status = "tampered"
	assert.Equal(t, StatusHealthy, h.GetNodeHealth("a").Status)
	assert.Nil(t, h.GetNodeHealth("missing"))
	assert.False(t, h.IsHealthy("missing"))
}

func TestHealthMonitorDefaultCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	h := NewHealthMonitor("self", testHealth(), zerolog.Nop())
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{"healthy", healthy.URL, false},
		{"explicit path", healthy.URL + "/health", false},
		{"host and port", healthy.Listener.Addr().String(), false},
		{"unavailable", broken.URL, true},
		{"unreachable", "http://127.0.0.1:1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.defaultHealthCheck(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHealthMonitorStartStop(t *testing.T) {
	h, tr := newTestMonitor(map[string]bool{})
	done := make(chan struct{})
	go func() {
		h.Start(context.Background(), func() []cluster.NodeInfo { return peers })
		close(done)
	}()

	require.Eventually(t, func() bool { return len(tr.list()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		health := h.GetNodeHealth("a")
		return health != nil && !health.LastCheck.IsZero()
	}, time.Second, 5*time.Millisecond)

	h.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.Equal(t, []string{"+a", "+b"}, tr.list())
}
