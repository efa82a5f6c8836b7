package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/infinigence/octoproxy/pkg/errutils"
	"github.com/infinigence/octoproxy/pkg/metrics"
	"github.com/infinigence/octoproxy/pkg/octoproxy"
)

// request headers that never travel to the backend
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
}

// Forwarder sends a request to the backend and hands back its response.
// Each call is bounded by timeout: up to the response headers for streaming
// responses (NDJSON, SSE) and until the body is closed for all others.
// Forwarder never retries.
type Forwarder struct {
	client  *http.Client
	baseURL *url.URL
	timeout time.Duration
	metrics *metrics.Metrics
}

var _ octoproxy.Engine = (*Forwarder)(nil)

func NewForwarder(client *http.Client, baseURL string, timeout time.Duration, m *metrics.Metrics) (*Forwarder, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url error: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend url %q must include scheme and host", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Forwarder{
		client:  client,
		baseURL: u,
		timeout: timeout,
		metrics: m,
	}, nil
}

func (f *Forwarder) targetURL(req *octoproxy.Request) string {
	u := *f.baseURL
	path, rawQuery := "/", ""
	if req.URL != nil {
		path, rawQuery = req.URL.Path, req.URL.RawQuery
	}
	u.Path = strings.TrimRight(f.baseURL.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

func (f *Forwarder) requestBody(req *octoproxy.Request) (io.Reader, int64, error) {
	if req.Body == nil {
		return nil, 0, nil
	}
	if req.Body.Streaming() {
		rd, err := req.Body.Reader()
		if err != nil {
			return nil, 0, fmt.Errorf("get request body reader error: %w", err)
		}
		return rd, req.ContentLength, nil
	}
	b, err := req.Body.Bytes()
	if err != nil {
		return nil, 0, fmt.Errorf("get request body bytes error: %w", err)
	}
	return bytes.NewReader(b), int64(len(b)), nil
}

func (f *Forwarder) Process(req *octoproxy.Request) (*octoproxy.Response, error) {
	parent := req.Context()
	ctx, cancel := context.WithCancel(parent)
	var timedOut atomic.Bool
	var timer *time.Timer
	if f.timeout > 0 {
		timer = time.AfterFunc(f.timeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}
	stopTimer := func() bool {
		if timer == nil {
			return true
		}
		return timer.Stop()
	}
	release := func() {
		stopTimer()
		cancel()
	}

	streamingBody := req.Body != nil && req.Body.Streaming()

	body, contentLength, err := f.requestBody(req)
	if err != nil {
		release()
		return nil, err
	}
	target := f.targetURL(req)
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		release()
		return nil, fmt.Errorf("new request error: %w", err)
	}
	if contentLength > 0 {
		httpReq.ContentLength = contentLength
	}

	for k, v := range req.Header {
		for _, vv := range v {
			httpReq.Header.Add(k, vv)
		}
	}
	for _, h := range hopHeaders {
		httpReq.Header.Del(h)
	}
	if req.Route != octoproxy.RoutePassthrough {
		// these responses are parsed, let the transport negotiate and decode compression
		httpReq.Header.Del("Accept-Encoding")
		if !streamingBody {
			httpReq.Header.Set("Content-Type", "application/json")
		}
	}
	if req.Meta != nil && req.Meta.RequestID != "" {
		httpReq.Header.Set(octoproxy.RequestIDHeader, req.Meta.RequestID)
	}

	logrus.WithContext(parent).Debugf("[forwarder] %s %s (route=%s)", req.Method, target, req.Route)
	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		release()
		return nil, f.classify(parent, &timedOut, err)
	}
	f.metrics.ObserveUpstream(string(req.Route), time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		release()
		if err != nil {
			return nil, f.classify(parent, &timedOut, fmt.Errorf("read response body error: %w", err))
		}
		f.metrics.RecordUpstreamError("status")
		logrus.WithContext(parent).Debugf("[forwarder] backend returned status %d", resp.StatusCode)
		return nil, &errutils.UpstreamRespError{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       bodyBytes,
		}
	}

	if isStreaming(resp.Header.Get("Content-Type")) {
		if !stopTimer() && timedOut.Load() {
			resp.Body.Close()
			cancel()
			f.metrics.RecordUpstreamError("timeout")
			return nil, &errutils.UpstreamTimeoutError{Err: fmt.Errorf("no response within %s", f.timeout)}
		}
		logrus.WithContext(parent).Debugf("[forwarder] streaming response, content-type %s", resp.Header.Get("Content-Type"))
	}

	rc := &timeoutBody{
		rc:       resp.Body,
		release:  release,
		timedOut: &timedOut,
		timeout:  f.timeout,
	}
	return octoproxy.NewResponse(resp.StatusCode, resp.Header, octoproxy.NewBodyFromReader(rc, octoproxy.ValueParser{})), nil
}

func (f *Forwarder) classify(parent context.Context, timedOut *atomic.Bool, err error) error {
	switch {
	case timedOut.Load():
		f.metrics.RecordUpstreamError("timeout")
		return &errutils.UpstreamTimeoutError{Err: fmt.Errorf("no response within %s: %w", f.timeout, err)}
	case parent.Err() != nil:
		return parent.Err()
	case errors.Is(err, context.DeadlineExceeded):
		f.metrics.RecordUpstreamError("timeout")
		return &errutils.UpstreamTimeoutError{Err: err}
	default:
		f.metrics.RecordUpstreamError("unavailable")
		return &errutils.UpstreamUnavailableError{Err: err}
	}
}

func isStreaming(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	switch strings.ToLower(mt) {
	case "application/x-ndjson", "application/ndjson", "text/event-stream":
		return true
	}
	return false
}

// timeoutBody releases the call's timer and context on Close and reports reads cut
// short by the timer as timeouts.
type timeoutBody struct {
	rc       io.ReadCloser
	release  func()
	timedOut *atomic.Bool
	timeout  time.Duration
	closed   atomic.Bool
}

func (b *timeoutBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF && b.timedOut.Load() {
		return n, &errutils.UpstreamTimeoutError{Err: fmt.Errorf("response body not read within %s: %w", b.timeout, err)}
	}
	return n, err
}

func (b *timeoutBody) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := b.rc.Close()
	b.release()
	return err
}
