package meta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/replikv/internal/cluster"
	"github.com/rs/zerolog"
)

// Error codes carried in WriteResponse.Error.
const (
	CodeStaleMeta       = "stale_meta"
	CodeLeaseExists     = "lease_exists"
	CodeContainerExists = "container_exists"
	CodeNotFound        = "not_found"
)

// WriteResponse is the body the meta-data service returns for /meta/create,
// /meta/put and /meta/get.
type WriteResponse struct {
	Meta  *ShardMeta `json:"meta,omitempty"`
	Error string     `json:"error,omitempty"`
}

// WatchResponse is the body returned by /meta/watch.
type WatchResponse struct {
	Version uint64       `json:"version"`
	Shards  []*ShardMeta `json:"shards"`
}

// ErrorCode maps a storage error to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStaleMeta):
		return CodeStaleMeta
	case errors.Is(err, ErrLeaseExists):
		return CodeLeaseExists
	case errors.Is(err, ErrContainerExists):
		return CodeContainerExists
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	}
	return err.Error()
}

// CodeError maps a wire code back to a storage error.
func CodeError(code string) error {
	switch code {
	case "":
		return nil
	case CodeStaleMeta:
		return ErrStaleMeta
	case CodeLeaseExists:
		return ErrLeaseExists
	case CodeContainerExists:
		return ErrContainerExists
	case CodeNotFound:
		return ErrNotFound
	}
	return errors.New(code)
}

// HTTPClient is a Storage backed by a remote meta-data service. Requests run
// on their own goroutines and complete on the poster.
type HTTPClient struct {
	base    string
	p       Poster
	timeout time.Duration
	poll    time.Duration
	log     zerolog.Logger
}

// NewHTTPClient returns a client for the service at base (e.g.
// "http://127.0.0.1:8080").
func NewHTTPClient(base string, p Poster, timeout, poll time.Duration, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		base:    base,
		p:       p,
		timeout: timeout,
		poll:    poll,
		log:     log.With().Str("component", "meta-client").Logger(),
	}
}

func (c *HTTPClient) write(path string, m *ShardMeta, cb func(*ShardMeta, time.Time, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		var resp WriteResponse
		err := cluster.PostJSON(ctx, c.base+path, m, &resp)
		if err == nil {
			err = CodeError(resp.Error)
		}
		c.p.Post(func() {
			if err != nil {
				cb(nil, time.Time{}, err)
				return
			}
			cb(resp.Meta, resp.Meta.LeaseExpires, nil)
		})
	}()
}

func (c *HTTPClient) Create(m *ShardMeta, cb func(*ShardMeta, time.Time, error)) {
	c.write("/meta/create", m, cb)
}

func (c *HTTPClient) Put(m *ShardMeta, cb func(*ShardMeta, time.Time, error)) {
	c.write("/meta/put", m, cb)
}

func (c *HTTPClient) Get(id ShardID, cb func(*ShardMeta, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		var resp WriteResponse
		err := cluster.GetJSON(ctx, fmt.Sprintf("%s/meta/get?shard=%d", c.base, id), &resp)
		if err == nil {
			err = CodeError(resp.Error)
		}
		c.p.Post(func() { cb(resp.Meta, err) })
	}()
}

// Subscribe polls /meta/watch until cancel is called.
func (c *HTTPClient) Subscribe(fn func(*ShardMeta)) (cancel func()) {
	ctx, stop := context.WithCancel(context.Background())
	go func() {
		var since uint64
		ticker := time.NewTicker(c.poll)
		defer ticker.Stop()
		for {
			since = c.pollOnce(ctx, since, fn)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return stop
}

func (c *HTTPClient) pollOnce(ctx context.Context, since uint64, fn func(*ShardMeta)) uint64 {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var resp WatchResponse
	if err := cluster.GetJSON(reqCtx, fmt.Sprintf("%s/meta/watch?since=%d", c.base, since), &resp); err != nil {
		if ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("meta watch failed")
		}
		return since
	}
	for _, m := range resp.Shards {
		m := m
		c.p.Post(func() { fn(m) })
	}
	return resp.Version
}
