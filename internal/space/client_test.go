package space

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wake-dispatch/internal/config"
	"wake-dispatch/internal/logging"
	"wake-dispatch/internal/models"
)

type recorded struct {
	method string
	path   string
	header http.Header
	body   []byte
}

type fakeHost struct {
	mu       sync.Mutex
	requests []recorded
	handler  http.HandlerFunc
}

func newFakeHost(t *testing.T, h http.HandlerFunc) (*fakeHost, *httptest.Server) {
	t.Helper()
	fh := &fakeHost{handler: h}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fh.mu.Lock()
		fh.requests = append(fh.requests, recorded{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), body: body})
		fh.mu.Unlock()
		if fh.handler != nil {
			fh.handler(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return fh, srv
}

func (f *fakeHost) all() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.requests...)
}

func newTestClient(base, mgmt string) *Client {
	return NewClient(Options{
		BaseURL:       base,
		ManagementURL: mgmt,
		SpaceID:       "acme/render",
		Token:         "hf_token",
		EngineKey:     "engine-secret",
		ServiceName:   "render-engine",
		ProbeTimeout:  200 * time.Millisecond,
		WakeTimeout:   200 * time.Millisecond,
		Logger:        logging.Discard(),
	})
}

func TestWakeSleepingSendsOneGet(t *testing.T) {
	host, srv := newFakeHost(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mgmt, mgmtSrv := newFakeHost(t, nil)

	err := newTestClient(srv.URL, mgmtSrv.URL).Wake(context.Background(), models.HostSleeping)
	require.NoError(t, err)

	reqs := host.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodGet, reqs[0].method)
	assert.Equal(t, "/", reqs[0].path)
	assert.Empty(t, mgmt.all())
}

func TestWakeSleepingIgnoresUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := newTestClient(srv.URL, "https://mgmt.invalid").Wake(context.Background(), models.HostSleeping)
	assert.NoError(t, err)
}

func TestWakeStoppedOrPausedRestarts(t *testing.T) {
	for _, state := range []models.HostState{models.HostStopped, models.HostPaused} {
		t.Run(string(state), func(t *testing.T) {
			host, srv := newFakeHost(t, nil)
			mgmt, mgmtSrv := newFakeHost(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			})

			err := newTestClient(srv.URL, mgmtSrv.URL).Wake(context.Background(), state)
			require.NoError(t, err, "restart failures are tolerated")

			reqs := mgmt.all()
			require.Len(t, reqs, 1)
			assert.Equal(t, http.MethodPost, reqs[0].method)
			assert.Equal(t, "/spaces/acme/render/restart", reqs[0].path)
			assert.Equal(t, "Bearer hf_token", reqs[0].header.Get("Authorization"))
			assert.Empty(t, host.all())
		})
	}
}

func TestWakeRestartWithoutCredentialsCannotBeAttempted(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://host.invalid", ManagementURL: "http://mgmt.invalid", SpaceID: "acme/render", Logger: logging.Discard()})
	err := c.Wake(context.Background(), models.HostStopped)
	assert.True(t, errors.Is(err, ErrRestartUnavailable))
}

func TestWakeOtherStatesDoNothing(t *testing.T) {
	host, srv := newFakeHost(t, nil)
	mgmt, mgmtSrv := newFakeHost(t, nil)
	c := newTestClient(srv.URL, mgmtSrv.URL)

	for _, state := range []models.HostState{models.HostRunning, models.HostUnknown, "BUILDING"} {
		require.NoError(t, c.Wake(context.Background(), state))
	}
	assert.Empty(t, host.all())
	assert.Empty(t, mgmt.all())
}

func TestReady(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"ready", 200, `{"service":"render-engine","ready":true}`, true},
		{"booting", 200, `{"service":"render-engine","ready":false}`, false},
		{"wrong service", 200, `{"service":"nginx","ready":true}`, false},
		{"missing identity", 200, `{"ready":true}`, false},
		{"ready as string", 200, `{"service":"render-engine","ready":"true"}`, false},
		{"loading page", 200, `<html>Building...</html>`, false},
		{"server error", 503, `{"service":"render-engine","ready":true}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, srv := newFakeHost(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			got := newTestClient(srv.URL, "").Ready(context.Background())
			assert.Equal(t, tt.want, got)
			reqs := host.all()
			require.Len(t, reqs, 1)
			assert.Equal(t, "/ping", reqs[0].path)
		})
	}
}

func TestReadyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	assert.False(t, newTestClient(srv.URL, "").Ready(context.Background()))
}

func TestDispatchSendsPayloadAndCredentials(t *testing.T) {
	host, srv := newFakeHost(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	payload := models.JobPayload{
		Job:         models.JobRef{Name: "render", ID: "42"},
		WebhookURL:  "https://discord.example/hook",
		DisplayName: "alice",
		UserID:      "u-1",
		Inputs:      map[string]any{"prompt": "cat"},
	}

	require.NoError(t, newTestClient(srv.URL, "").Dispatch(context.Background(), payload))

	reqs := host.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].method)
	assert.Equal(t, "/direct-dispatch", reqs[0].path)
	assert.Equal(t, "application/json", reqs[0].header.Get("Content-Type"))
	assert.Equal(t, "engine-secret", reqs[0].header.Get(EngineKeyHeader))
	assert.Equal(t, "Bearer hf_token", reqs[0].header.Get("Authorization"))

	var got models.JobPayload
	require.NoError(t, json.Unmarshal(reqs[0].body, &got))
	assert.Equal(t, payload, got)
}

func TestDispatchNonSuccessIsError(t *testing.T) {
	_, srv := newFakeHost(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine busy", http.StatusInternalServerError)
	})

	err := newTestClient(srv.URL, "").Dispatch(context.Background(), models.JobPayload{})
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusInternalServerError, de.StatusCode)
	assert.Contains(t, de.Error(), "engine busy")
}

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.Config{SpaceID: "acme/render", SpaceManagementURL: "https://huggingface.co/api/"}, logging.Discard())
	assert.Equal(t, "https://acme-render.hf.space", c.opts.BaseURL)
	assert.Equal(t, "https://huggingface.co/api", c.opts.ManagementURL)
	assert.Equal(t, 3*time.Second, c.opts.ProbeTimeout)

	u, err := c.restartURL()
	assert.ErrorIs(t, err, ErrRestartUnavailable)
	assert.Empty(t, u)
}
