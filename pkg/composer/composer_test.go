package composer

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinigence/octoproxy/pkg/config"
	"github.com/infinigence/octoproxy/pkg/engines"
)

// fakeOllama is a minimal backend that knows one model and records what it received.
type fakeOllama struct {
	mu        sync.Mutex
	bodies    map[string][]string
	headers   map[string]http.Header
	showCalls atomic.Int32
}

func newFakeOllama(t *testing.T) (*fakeOllama, *httptest.Server) {
	f := &fakeOllama{bodies: map[string][]string{}, headers: map[string]http.Header{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeOllama) received(path string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies[path]...)
}

func (f *fakeOllama) serve(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], string(b))
	f.headers[r.URL.Path] = r.Header.Clone()
	f.mu.Unlock()

	switch r.URL.Path {
	case "/api/show":
		f.showCalls.Add(1)
		var req struct{ Model string }
		_ = json.Unmarshal(b, &req)
		if req.Model != "llama3" && req.Model != "nomic-embed-text" {
			http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"model_info":{"llama.context_length":8192}}`)
	case "/api/chat":
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":"hello"},"done":true}`)
	case "/api/embed":
		var req struct{ Input any }
		_ = json.Unmarshal(b, &req)
		var items []string
		switch in := req.Input.(type) {
		case string:
			items = []string{in}
		case []any:
			for _, s := range in {
				items = append(items, s.(string))
			}
		}
		embs := make([][]float64, len(items))
		for i, s := range items {
			embs[i] = []float64{float64(len(s)), 1}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             "nomic-embed-text",
			"embeddings":        embs,
			"prompt_eval_count": len(items),
		})
	case "/api/tags":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend", "ollama")
		io.WriteString(w, `{"models":[{"name":"llama3:latest"}]}`)
	default:
		http.NotFound(w, r)
	}
}

func newProxy(t *testing.T, backendURL string, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.BackendURL = backendURL
	if mutate != nil {
		mutate(cfg)
	}
	p, err := Build(cfg, nil, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestBuild_GenerationGetsLimits(t *testing.T) {
	backend, srv := newFakeOllama(t)
	proxy := newProxy(t, srv.URL, nil)

	status, body := post(t, proxy.URL+"/api/chat",
		`{"model":"llama3","messages":[{"role":"user","content":"hi"}],"options":{"num_ctx":131072}}`)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"model":"llama3","message":{"role":"assistant","content":"hello"},"done":true}`, body)

	got := backend.received("/api/chat")
	require.Len(t, got, 1)
	assert.JSONEq(t,
		`{"model":"llama3","messages":[{"role":"user","content":"hi"}],"options":{"num_ctx":8192,"num_predict":4096}}`,
		got[0])

	// second request hits the metadata cache
	post(t, proxy.URL+"/api/chat", `{"model":"llama3","messages":[]}`)
	assert.Equal(t, int32(1), backend.showCalls.Load())
}

func TestBuild_UnknownModelForwardedUnmodified(t *testing.T) {
	backend, srv := newFakeOllama(t)
	proxy := newProxy(t, srv.URL, nil)

	in := `{"model":"mystery","messages":[{"role":"user","content":"hi"}],"options":{"num_ctx":999999}}`
	status, _ := post(t, proxy.URL+"/api/chat", in)
	assert.Equal(t, http.StatusOK, status)

	got := backend.received("/api/chat")
	require.Len(t, got, 1)
	assert.JSONEq(t, in, got[0])
}

func TestBuild_MalformedJSON(t *testing.T) {
	backend, srv := newFakeOllama(t)
	proxy := newProxy(t, srv.URL, nil)

	status, body := post(t, proxy.URL+"/api/chat", `{"model":`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "malformed JSON body")
	assert.Empty(t, backend.received("/api/chat"))
}

func TestBuild_OpenAIEmbeddings(t *testing.T) {
	backend, srv := newFakeOllama(t)
	proxy := newProxy(t, srv.URL, nil)

	status, body := post(t, proxy.URL+"/v1/embeddings", `{"model":"nomic-embed-text","input":["ab","cde"]}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.JSONEq(t, `{
		"object":"list",
		"data":[
			{"object":"embedding","index":0,"embedding":[2,1]},
			{"object":"embedding","index":1,"embedding":[3,1]}
		],
		"model":"nomic-embed-text",
		"usage":{"prompt_tokens":2,"total_tokens":2}
	}`, body)

	got := backend.received("/api/embed")
	require.Len(t, got, 1)
	assert.Contains(t, got[0], `"truncate":true`)
	assert.Contains(t, got[0], `"num_ctx":8192`)
}

func TestBuild_ChunkedEmbeddings(t *testing.T) {
	backend, srv := newFakeOllama(t)
	proxy := newProxy(t, srv.URL, func(c *config.Config) { c.MaxEmbeddingInputLength = 10 })

	status, body := post(t, proxy.URL+"/api/embed",
		`{"model":"nomic-embed-text","input":["short",`+`"`+strings.Repeat("x", 25)+`"]}`)
	require.Equal(t, http.StatusOK, status, body)

	var out struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	require.Len(t, out.Embeddings, 2)
	assert.Equal(t, []float64{5, 1}, out.Embeddings[0])
	// one batch for the short item and three chunks for the long one
	assert.Len(t, backend.received("/api/embed"), 4)
}

func TestBuild_InputTooLarge(t *testing.T) {
	backend, srv := newFakeOllama(t)
	proxy := newProxy(t, srv.URL, func(c *config.Config) {
		c.MaxEmbeddingInputLength = 10
		c.EnableAutoChunking = false
	})

	status, body := post(t, proxy.URL+"/api/embed", `{"model":"nomic-embed-text","input":"`+strings.Repeat("y", 11)+`"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "11")
	assert.Contains(t, body, "10")
	assert.Empty(t, backend.received("/api/embed"))
}

func TestBuild_Passthrough(t *testing.T) {
	_, srv := newFakeOllama(t)
	proxy := newProxy(t, srv.URL, nil)

	resp, err := http.Get(proxy.URL + "/api/tags")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ollama", resp.Header.Get("X-Backend"))
	assert.Equal(t, `{"models":[{"name":"llama3:latest"}]}`, string(b))
}

func TestBuild_RewriteAndBackendHeaders(t *testing.T) {
	backend, srv := newFakeOllama(t)
	proxy := newProxy(t, srv.URL, func(c *config.Config) {
		c.BackendHeaders = map[string]string{"X-Tenant": "team-a"}
		c.Rewrites = map[string]*engines.RewritePolicy{
			"generation": {RemoveKeys: []string{"user"}, SetKeys: map[string]any{"keep_alive": "10m"}},
		}
	})

	status, _ := post(t, proxy.URL+"/api/chat", `{"model":"mystery","messages":[],"user":"bob"}`)
	assert.Equal(t, http.StatusOK, status)

	got := backend.received("/api/chat")
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"model":"mystery","messages":[],"keep_alive":"10m"}`, got[0])
	backend.mu.Lock()
	assert.Equal(t, "team-a", backend.headers["/api/chat"].Get("X-Tenant"))
	backend.mu.Unlock()
}

func TestBuild_BadRewrite(t *testing.T) {
	cfg := config.Default()
	cfg.Rewrites = map[string]*engines.RewritePolicy{
		"generation": {Match: "RawReq.model ==", RemoveKeys: []string{"user"}},
	}
	_, err := Build(cfg, nil, nil)
	assert.Error(t, err)
}

func TestBuild_NativeEmbeddingsClamped(t *testing.T) {
	backend, srv := newFakeOllama(t)
	proxy := newProxy(t, srv.URL, nil)

	status, _ := post(t, proxy.URL+"/api/embed", `{"model":"nomic-embed-text","input":"hi","options":{"num_ctx":131072}}`)
	assert.Equal(t, http.StatusOK, status)

	got := backend.received("/api/embed")
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"model":"nomic-embed-text","input":"hi","options":{"num_ctx":8192}}`, got[0])
}
