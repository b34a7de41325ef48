// Package probe issues single bounded-timeout HTTP requests and reduces the outcome to a
// result the caller can treat as a boolean. It never returns an error.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a probe when the request does not set one.
const DefaultTimeout = 3 * time.Second

// maxBody caps how much of a response body is read for decoding.
const maxBody = 1 << 20

// Request describes one probe.
type Request struct {
	URL     string
	Method  string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
	// DecodeJSON requires the response body to be a JSON object; a body that fails to
	// decode makes the probe a failure.
	DecodeJSON bool
}

// Result is Success(status, optional body) when Reached is true, Failure otherwise.
type Result struct {
	Reached    bool
	StatusCode int
	Body       map[string]any
}

// OK reports a reached host answering with a 2xx status.
func (r Result) OK() bool {
	return r.Reached && r.StatusCode >= 200 && r.StatusCode < 300
}

// Prober sends probes with a shared client.
type Prober struct {
	client *http.Client
}

// New returns a prober. A nil client uses a fresh http.Client; the per-request timeout
// is always applied through the context.
func New(client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	return &Prober{client: client}
}

// Do performs the probe. Transport errors, timeouts and malformed bodies collapse to a
// zero Result.
func (p *Prober) Do(ctx context.Context, req Request) Result {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctxTimeout, method, req.URL, body)
	if err != nil {
		return Result{}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Result{}
	}
	defer resp.Body.Close()

	res := Result{Reached: true, StatusCode: resp.StatusCode}
	if !req.DecodeJSON {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return res
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Result{}
	}
	if err := json.Unmarshal(raw, &res.Body); err != nil || res.Body == nil {
		return Result{}
	}
	return res
}
