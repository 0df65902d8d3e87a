package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	sync "github.com/sasha-s/go-deadlock"
	"golang.org/x/exp/slices"
)

// NodeInfo identifies a storage node and the base URL its HTTP surfaces listen on.
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// RegisterRequest is posted by a node to the meta-data service on startup.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// NodeList is the body returned by the meta-data service's /nodes endpoint.
type NodeList struct {
	Nodes []NodeInfo `json:"nodes"`
}

// HTTPError is returned by PostJSON and GetJSON when the peer answers with a
// non-2xx status code.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON posts body as JSON to url and decodes the reply into out,
// unless out is nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON fetches url and decodes the JSON reply into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Directory maps node IDs to their advertised addresses. It is refreshed from
// the meta-data service's node list and read by the HTTP transport.
type Directory struct {
	mu    sync.RWMutex
	nodes map[string]NodeInfo
}

// NewDirectory returns a directory seeded with the given nodes.
func NewDirectory(nodes ...NodeInfo) *Directory {
	d := &Directory{nodes: make(map[string]NodeInfo)}
	d.Replace(nodes)
	return d
}

// Replace swaps the directory contents for nodes.
func (d *Directory) Replace(nodes []NodeInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes = make(map[string]NodeInfo, len(nodes))
	for _, n := range nodes {
		d.nodes[n.ID] = n
	}
}

// Upsert adds or updates a single node.
func (d *Directory) Upsert(n NodeInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[n.ID] = n
}

// Lookup returns the address for id.
func (d *Directory) Lookup(id string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[id]
	return n.Addr, ok
}

// All returns the known nodes ordered by ID.
func (d *Directory) All() []NodeInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]NodeInfo, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b NodeInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
