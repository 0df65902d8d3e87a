package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireFieldNames(t *testing.T) {
	data, err := json.Marshal(RegisterRequest{Node: NodeInfo{ID: "node-1", Addr: "http://localhost:8081"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"node":{"id":"node-1","addr":"http://localhost:8081"}}`, string(data))

	var list NodeList
	require.NoError(t, json.Unmarshal([]byte(`{"nodes":[{"id":"a","addr":"http://a"}]}`), &list))
	assert.Equal(t, []NodeInfo{{ID: "a", Addr: "http://a"}}, list.Nodes)
}

// registrar records registrations the way the meta-data service does and
// answers with a canned status.
func registrar(t *testing.T, status int, delay time.Duration) (*httptest.Server, <-chan RegisterRequest) {
	t.Helper()
	got := make(chan RegisterRequest, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			got <- req
		}
		time.Sleep(delay)
		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)
	return ts, got
}

func TestPostJSON(t *testing.T) {
	self := RegisterRequest{Node: NodeInfo{ID: "node-1", Addr: "http://node-1:8081"}}

	tests := []struct {
		name    string
		status  int
		delay   time.Duration
		timeout time.Duration
		body    any
		wantErr bool
	}{
		{name: "registered", status: http.StatusNoContent, body: self},
		{name: "rejected", status: http.StatusBadRequest, body: self, wantErr: true},
		{name: "service error", status: http.StatusInternalServerError, body: self, wantErr: true},
		{name: "deadline", status: http.StatusNoContent, delay: 100 * time.Millisecond, timeout: time.Millisecond, body: self, wantErr: true},
		{name: "unencodable body", status: http.StatusNoContent, body: make(chan int), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, got := registrar(t, tt.status, tt.delay)
			ctx := context.Background()
			if tt.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.timeout)
				defer cancel()
			}
			err := PostJSON(ctx, ts.URL+"/register", tt.body, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, self, <-got)
		})
	}
}

func TestPostJSONDecodesReply(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in NodeInfo
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(NodeList{Nodes: []NodeInfo{in}})
	}))
	defer ts.Close()

	var out NodeList
	require.NoError(t, PostJSON(context.Background(), ts.URL, NodeInfo{ID: "a", Addr: "http://a"}, &out))
	assert.Equal(t, []NodeInfo{{ID: "a", Addr: "http://a"}}, out.Nodes)
}

func TestGetJSON(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    []NodeInfo
		wantErr bool
	}{
		{name: "node list", status: http.StatusOK, body: `{"nodes":[{"id":"a","addr":"http://a"},{"id":"b","addr":"http://b"}]}`,
			want: []NodeInfo{{ID: "a", Addr: "http://a"}, {ID: "b", Addr: "http://b"}}},
		{name: "empty", status: http.StatusOK, body: `{"nodes":[]}`, want: []NodeInfo{}},
		{name: "not found", status: http.StatusNotFound, body: `{}`, wantErr: true},
		{name: "redirect", status: http.StatusMovedPermanently, wantErr: true},
		{name: "garbage", status: http.StatusOK, body: `{nodes`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			var list NodeList
			err := GetJSON(context.Background(), ts.URL+"/nodes", &list)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, list.Nodes)
		})
	}
}

func TestUnreachable(t *testing.T) {
	for _, url := range []string{"://invalid-url", "http://localhost:99999"} {
		assert.Error(t, PostJSON(context.Background(), url, NodeInfo{}, nil), url)
		var list NodeList
		assert.Error(t, GetJSON(context.Background(), url, &list), url)
	}
}

func TestStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer ts.Close()

	err := PostJSON(context.Background(), ts.URL, NodeInfo{ID: "a"}, nil)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusConflict, httpErr.StatusCode)
	assert.Equal(t, ts.URL, httpErr.URL)
	assert.Contains(t, err.Error(), "409")
}

// TestDirectory tests node address bookkeeping
func TestDirectory(t *testing.T) {
	t.Run("seeded lookup", func(t *testing.T) {
		d := NewDirectory(NodeInfo{ID: "b", Addr: "http://b"}, NodeInfo{ID: "a", Addr: "http://a"})

		addr, ok := d.Lookup("a")
		assert.True(t, ok)
		assert.Equal(t, "http://a", addr)

		_, ok = d.Lookup("c")
		assert.False(t, ok)
	})

	t.Run("all is ordered by id", func(t *testing.T) {
		d := NewDirectory(NodeInfo{ID: "n3"}, NodeInfo{ID: "n1"}, NodeInfo{ID: "n2"})
		all := d.All()
		require.Len(t, all, 3)
		assert.Equal(t, "n1", all[0].ID)
		assert.Equal(t, "n2", all[1].ID)
		assert.Equal(t, "n3", all[2].ID)
	})

	t.Run("upsert and replace", func(t *testing.T) {
		d := NewDirectory()
		d.Upsert(NodeInfo{ID: "a", Addr: "http://old"})
		d.Upsert(NodeInfo{ID: "a", Addr: "http://new"})
		addr, _ := d.Lookup("a")
		assert.Equal(t, "http://new", addr)

		d.Replace([]NodeInfo{{ID: "z", Addr: "http://z"}})
		_, ok := d.Lookup("a")
		assert.False(t, ok)
		assert.Len(t, d.All(), 1)
	})
}
