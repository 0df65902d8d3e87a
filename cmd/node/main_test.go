package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		def   string
		want  string
	}{
		{name: "set", value: "custom", def: "default", want: "custom"},
		{name: "unset", def: "default", want: "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NODE_TEST_VAR", tt.value)
			assert.Equal(t, tt.want, getenv("NODE_TEST_VAR", tt.def))
		})
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"disabled", zerolog.Disabled},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.want, newLogger(tt.level).GetLevel())
		})
	}
}

// fakeMeta answers just enough of the meta-data service for a node to
// start: registration, membership and an empty change feed.
func fakeMeta() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/nodes", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"nodes":[]}`))
	})
	mux.HandleFunc("/meta/watch", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":0,"shards":[]}`))
	})
	return httptest.NewServer(mux)
}

func TestMainFunction(t *testing.T) {
	ms := fakeMeta()
	defer ms.Close()

	t.Setenv("NODE_ID", "node-test")
	t.Setenv("NODE_LISTEN", "127.0.0.1:0")
	t.Setenv("NODE_ADDR", "http://127.0.0.1:0")
	t.Setenv("META_ADDR", ms.URL)
	t.Setenv("LOG_LEVEL", "disabled")

	oldFatal := logFatal
	defer func() { logFatal = oldFatal }()
	fatal := make(chan error, 1)
	logFatal = func(_ zerolog.Logger, err error, _ string) { fatal <- err }

	done := make(chan struct{})
	go func() {
		defer close(done)
		main()
	}()
	time.Sleep(300 * time.Millisecond)

	process, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, process.Signal(syscall.SIGTERM))

	select {
	case <-done:
	case err := <-fatal:
		t.Fatalf("main failed: %v", err)
	case <-time.After(15 * time.Second):
		t.Fatal("main did not shut down")
	}
}

func TestMainRequiresNodeID(t *testing.T) {
	t.Setenv("NODE_ID", "")
	t.Setenv("LOG_LEVEL", "disabled")

	oldFatal := logFatal
	defer func() { logFatal = oldFatal }()
	var got error
	logFatal = func(_ zerolog.Logger, err error, _ string) { got = err }

	main()
	require.Error(t, got)
	assert.Contains(t, got.Error(), "NODE_ID")
}
