package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinigence/octoproxy/pkg/errutils"
	"github.com/infinigence/octoproxy/pkg/octoproxy"
	"github.com/infinigence/octoproxy/pkg/value"
)

func newRequest(t *testing.T, ctx context.Context, method, target, body string, route octoproxy.Route) *octoproxy.Request {
	t.Helper()
	hreq := httptest.NewRequest(method, target, strings.NewReader(body)).WithContext(ctx)
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Connection", "keep-alive")
	hreq.Header.Set("X-Custom", "kept")
	hreq.Header.Set(octoproxy.RequestIDHeader, "req-1")
	req := octoproxy.NewRequest(hreq)
	req.Route = route
	return req
}

func newForwarder(t *testing.T, url string, timeout time.Duration) *Forwarder {
	t.Helper()
	f, err := NewForwarder(nil, url, timeout, nil)
	require.NoError(t, err)
	return f
}

func TestNewForwarder_InvalidURL(t *testing.T) {
	_, err := NewForwarder(nil, "127.0.0.1:11434", time.Second, nil)
	require.Error(t, err)
}

func TestForwarder_PassthroughVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/anything", r.URL.Path)
		assert.Equal(t, "a=1&b=2", r.URL.RawQuery)
		assert.Equal(t, "kept", r.Header.Get("X-Custom"))
		assert.Empty(t, r.Header.Get("Connection"))
		assert.Equal(t, "req-1", r.Header.Get(octoproxy.RequestIDHeader))
		b, _ := io.ReadAll(r.Body)
		assert.Equal(t, "not json at all", string(b))
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("raw bytes"))
	}))
	defer srv.Close()

	req := newRequest(t, context.Background(), http.MethodPut, "/api/anything?a=1&b=2", "not json at all", octoproxy.RoutePassthrough)
	resp, err := newForwarder(t, srv.URL, time.Second).Process(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Backend"))
	b, err := resp.Body.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "raw bytes", string(b))
}

func TestForwarder_SendsModifiedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		assert.Equal(t, int64(len(b)), r.ContentLength)
		assert.JSONEq(t, `{"model":"m","options":{"num_ctx":2048}}`, string(b))
		assert.NotEqual(t, "br", r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	req := newRequest(t, context.Background(), http.MethodPost, "/api/embed", `{"model":"m"}`, octoproxy.RouteNativeEmbeddings)
	req.Header.Set("Accept-Encoding", "br")
	tree, err := req.Body.Tree()
	require.NoError(t, err)
	require.NoError(t, tree.SetPath(value.Int(2048), "options", "num_ctx"))
	req.Body.MarkDirty()

	resp, err := newForwarder(t, srv.URL, time.Second).Process(req)
	require.NoError(t, err)
	out, err := resp.Body.Tree()
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out.String())
}

func TestForwarder_StatusPassedThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model \"ghost\" not found"}`))
	}))
	defer srv.Close()

	req := newRequest(t, context.Background(), http.MethodPost, "/api/generate", `{"model":"ghost"}`, octoproxy.RouteGeneration)
	_, err := newForwarder(t, srv.URL, time.Second).Process(req)

	var respErr *errutils.UpstreamRespError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusNotFound, respErr.StatusCode)
	assert.Equal(t, `{"error":"model \"ghost\" not found"}`, string(respErr.Body))
	assert.Nil(t, errutils.Classify(err))
}

func TestForwarder_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	req := newRequest(t, context.Background(), http.MethodPost, "/api/embed", `{"model":"m"}`, octoproxy.RouteNativeEmbeddings)
	_, err := newForwarder(t, srv.URL, 50*time.Millisecond).Process(req)

	var timeoutErr *errutils.UpstreamTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, http.StatusGatewayTimeout, errutils.Classify(err).StatusCode)
}

func TestForwarder_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	req := newRequest(t, context.Background(), http.MethodPost, "/api/embed", `{"model":"m"}`, octoproxy.RouteNativeEmbeddings)
	_, err := newForwarder(t, url, time.Second).Process(req)

	var unavailErr *errutils.UpstreamUnavailableError
	require.ErrorAs(t, err, &unavailErr)
	assert.Equal(t, http.StatusBadGateway, errutils.Classify(err).StatusCode)
}

func TestForwarder_ClientCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the server notices a disconnect only once the body is drained
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	req := newRequest(t, ctx, http.MethodPost, "/api/embed", `{"model":"m"}`, octoproxy.RouteNativeEmbeddings)
	_, err := newForwarder(t, srv.URL, time.Second).Process(req)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestForwarder_StreamingOutlivesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"response":"a","done":false}` + "\n"))
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		w.Write([]byte(`{"response":"b","done":true}` + "\n"))
	}))
	defer srv.Close()

	req := newRequest(t, context.Background(), http.MethodPost, "/api/generate", `{"model":"m","prompt":"x"}`, octoproxy.RouteGeneration)
	resp, err := newForwarder(t, srv.URL, 50*time.Millisecond).Process(req)
	require.NoError(t, err)
	rd, err := resp.Body.Reader()
	require.NoError(t, err)
	defer rd.Close()
	b, err := io.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(b), "\n"))
}

func TestForwarder_BufferedBodyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"embeddings":`))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	req := newRequest(t, context.Background(), http.MethodPost, "/api/embed", `{"model":"m"}`, octoproxy.RouteNativeEmbeddings)
	resp, err := newForwarder(t, srv.URL, 50*time.Millisecond).Process(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = resp.Body.Tree()
	require.Error(t, err)
	assert.Equal(t, http.StatusGatewayTimeout, errutils.Classify(err).StatusCode)
}
