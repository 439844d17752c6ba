package debugsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "cronosphere/pkg/logx"
)

func TestCheckAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"disabled", Config{}, true},
		{"loopback", Config{Addr: "127.0.0.1:6060"}, true},
		{"localhost", Config{Addr: "localhost:6060"}, true},
		{"all interfaces", Config{Addr: ":6060"}, false},
		{"public with token", Config{Addr: "0.0.0.0:6060", Token: "s3cret"}, true},
		{"public insecure", Config{Addr: "0.0.0.0:6060", AllowInsecure: true}, true},
		{"no port", Config{Addr: "127.0.0.1"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckAddr(tc.cfg)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestEndpoints(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	healthy.Store(true)
	s := New(Config{Addr: "127.0.0.1:0", Token: "tok"}, Sources{
		Ping: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("down")
		},
		Schedules: func() any { return map[string]int{"jobs": 2} },
	}, logx.Nop())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	get := func(path, token string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, get("/healthz", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, get("/healthz", "wrong").StatusCode)
	assert.Equal(t, http.StatusOK, get("/healthz", "tok").StatusCode)
	assert.Equal(t, http.StatusOK, get("/healthz?token=tok", "").StatusCode)

	resp := get("/debug/schedules", "tok")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body["jobs"])

	assert.Equal(t, http.StatusNotFound, get("/debug/runtime", "tok").StatusCode)

	healthy.Store(false)
	assert.Equal(t, http.StatusServiceUnavailable, get("/healthz", "tok").StatusCode)
}
