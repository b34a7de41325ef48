package space

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wake-dispatch/internal/config"
	"wake-dispatch/internal/models"
	"wake-dispatch/internal/probe"
	"wake-dispatch/internal/telemetry"
)

// EngineKeyHeader carries the engine API key on dispatch.
const EngineKeyHeader = "x-engine-key"

// ErrRestartUnavailable means a restart was required but cannot be attempted.
var ErrRestartUnavailable = errors.New("restart requires a space id and management token")

// DispatchError is returned when the host answers the dispatch with a non-2xx status.
type DispatchError struct {
	StatusCode int
	Body       string
}

func (e *DispatchError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("dispatch failed with status: %d", e.StatusCode)
	}
	return fmt.Sprintf("dispatch failed with status: %d: %s", e.StatusCode, e.Body)
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	ManagementURL string
	SpaceID       string
	Token         string
	EngineKey     string
	ServiceName   string

	ProbeTimeout    time.Duration
	WakeTimeout     time.Duration
	DispatchTimeout time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the remote host: wake, readiness and dispatch.
type Client struct {
	opts   Options
	prober *probe.Prober
	http   *http.Client
	logger *slog.Logger
}

// NewClient builds a client, filling unset timeouts with defaults.
func NewClient(opts Options) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	opts.ManagementURL = strings.TrimRight(opts.ManagementURL, "/")
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.WakeTimeout <= 0 {
		opts.WakeTimeout = 5 * time.Second
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 5 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		prober: probe.New(httpClient),
		http:   httpClient,
		logger: logger.With("component", "space"),
	}
}

// FromConfig builds a client from process configuration.
func FromConfig(cfg config.Config, logger *slog.Logger) *Client {
	return NewClient(Options{
		BaseURL:         cfg.HostAddress(),
		ManagementURL:   cfg.SpaceManagementURL,
		SpaceID:         cfg.SpaceID,
		Token:           cfg.SpaceToken,
		EngineKey:       cfg.EngineAPIKey,
		ServiceName:     cfg.ServiceName,
		ProbeTimeout:    cfg.ProbeTimeout,
		WakeTimeout:     cfg.WakeTimeout,
		DispatchTimeout: cfg.DispatchTimeout,
		Logger:          logger,
	})
}

// Wake performs the wake action for state. A sleeping host gets a plain GET on its base
// address; a stopped or paused host gets a restart through the management API. The
// outcome of the wake call is ignored. An error is returned only when the action cannot
// be attempted at all.
func (c *Client) Wake(ctx context.Context, state models.HostState) error {
	switch state {
	case models.HostSleeping:
		res := c.prober.Do(ctx, probe.Request{
			URL:     c.opts.BaseURL + "/",
			Method:  http.MethodGet,
			Timeout: c.opts.WakeTimeout,
		})
		telemetry.WakeActions.WithLabelValues(string(state)).Inc()
		c.logger.Info("wake request sent", "state", state, "reached", res.Reached, "status", res.StatusCode)
		return nil
	case models.HostStopped, models.HostPaused:
		restartURL, err := c.restartURL()
		if err != nil {
			return err
		}
		res := c.prober.Do(ctx, probe.Request{
			URL:     restartURL,
			Method:  http.MethodPost,
			Header:  http.Header{"Authorization": []string{"Bearer " + c.opts.Token}},
			Timeout: c.opts.WakeTimeout,
		})
		telemetry.WakeActions.WithLabelValues(string(state)).Inc()
		if !res.OK() {
			c.logger.Warn("restart request not accepted", "state", state, "reached", res.Reached, "status", res.StatusCode)
			return nil
		}
		c.logger.Info("restart requested", "state", state, "status", res.StatusCode)
		return nil
	default:
		return nil
	}
}

func (c *Client) restartURL() (string, error) {
	if c.opts.SpaceID == "" || c.opts.Token == "" {
		return "", ErrRestartUnavailable
	}
	raw := fmt.Sprintf("%s/spaces/%s/restart", c.opts.ManagementURL, c.opts.SpaceID)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid restart url %q", raw)
	}
	return u.String(), nil
}

// Ready probes the readiness endpoint. Only a 2xx JSON body naming the expected service
// and reporting ready counts; a proxy or loading page that answers does not.
func (c *Client) Ready(ctx context.Context) bool {
	res := c.prober.Do(ctx, probe.Request{
		URL:        c.opts.BaseURL + "/ping",
		Method:     http.MethodGet,
		Timeout:    c.opts.ProbeTimeout,
		DecodeJSON: true,
	})
	switch {
	case !res.Reached:
		telemetry.ReadinessProbes.WithLabelValues("unreachable").Inc()
		return false
	case !res.OK() || !c.readyBody(res.Body):
		telemetry.ReadinessProbes.WithLabelValues("not_ready").Inc()
		return false
	}
	telemetry.ReadinessProbes.WithLabelValues("ready").Inc()
	return true
}

func (c *Client) readyBody(body map[string]any) bool {
	service, _ := body["service"].(string)
	if service == "" {
		return false
	}
	if c.opts.ServiceName != "" && service != c.opts.ServiceName {
		return false
	}
	ready, _ := body["ready"].(bool)
	return ready
}

// Dispatch posts the payload to the host. Transport errors and non-2xx answers are
// returned; the caller must not retry them blindly.
func (c *Client) Dispatch(ctx context.Context, payload models.JobPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, c.opts.DispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, c.opts.BaseURL+"/direct-dispatch", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EngineKeyHeader, c.opts.EngineKey)
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		telemetry.DispatchOutcomes.WithLabelValues(telemetry.StatusClass(0)).Inc()
		return fmt.Errorf("send dispatch: %w", err)
	}
	defer resp.Body.Close()

	telemetry.DispatchOutcomes.WithLabelValues(telemetry.StatusClass(resp.StatusCode)).Inc()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &DispatchError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.logger.Info("job dispatched", "job_id", payload.Job.ID, "status", resp.StatusCode)
	return nil
}
