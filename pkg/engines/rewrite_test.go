package engines

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinigence/octoproxy/pkg/octoproxy"
)

type captureEngine struct {
	body   string
	header http.Header
}

func (e *captureEngine) Process(req *octoproxy.Request) (*octoproxy.Response, error) {
	b, err := req.Body.Bytes()
	if err != nil {
		return nil, err
	}
	e.body = string(b)
	e.header = req.Header.Clone()
	return octoproxy.NewResponse(http.StatusOK, nil, nil), nil
}

func newRequest(route octoproxy.Route, body string) *octoproxy.Request {
	req := octoproxy.NewRequest(httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body)))
	req.Route = route
	return req
}

func TestRewriteEngine(t *testing.T) {
	next := &captureEngine{}
	e, err := NewRewriteEngine(next, &RewritePolicy{
		SetKeys:       map[string]any{"keep_alive": "10m", "options.temperature": 0.2},
		SetKeysByExpr: map[string]string{"options.seed": `len(RawReq.messages) * 7`},
		RemoveKeys:    []string{"user"},
	})
	require.NoError(t, err)

	_, err = e.Process(newRequest(octoproxy.RouteGeneration, `{"model":"m","user":"u1","messages":[{"role":"user","content":"hi"}],"options":{"num_ctx":2048}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"model":"m",
		"messages":[{"role":"user","content":"hi"}],
		"options":{"num_ctx":2048,"temperature":0.2,"seed":7},
		"keep_alive":"10m"
	}`, next.body)
}

func TestRewriteEngine_Match(t *testing.T) {
	next := &captureEngine{}
	e, err := NewRewriteEngine(next, &RewritePolicy{
		Match:   `RawReq.model == "target"`,
		SetKeys: map[string]any{"truncate": false},
	})
	require.NoError(t, err)

	_, err = e.Process(newRequest(octoproxy.RouteNativeEmbeddings, `{"model":"other","input":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"model":"other","input":"x"}`, next.body)

	_, err = e.Process(newRequest(octoproxy.RouteNativeEmbeddings, `{"model":"target","input":"x"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"target","input":"x","truncate":false}`, next.body)
}

func TestRewriteEngine_BadMatch(t *testing.T) {
	_, err := NewRewriteEngine(&captureEngine{}, &RewritePolicy{Match: `RawReq.model ==`})
	require.Error(t, err)
}

func TestRewriteEngine_NilPolicy(t *testing.T) {
	next := &captureEngine{}
	e, err := NewRewriteEngine(next, nil)
	require.NoError(t, err)
	_, err = e.Process(newRequest(octoproxy.RouteGeneration, `{"model":"m"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"model":"m"}`, next.body)
}

func TestRewritePolicy_Merge(t *testing.T) {
	a := &RewritePolicy{SetKeys: map[string]any{"a": 1, "b": 1}, RemoveKeys: []string{"x"}}
	b := &RewritePolicy{Match: "true", SetKeys: map[string]any{"b": 2}, RemoveKeys: []string{"y"}}
	m := a.Merge(b)
	assert.Equal(t, "true", m.Match)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, m.SetKeys)
	assert.Equal(t, []string{"x", "y"}, m.RemoveKeys)
	assert.Same(t, a, a.Merge(nil))

	var nilPolicy *RewritePolicy
	assert.Same(t, b, nilPolicy.Merge(b))
	assert.True(t, nilPolicy.Empty())
}

func TestAddHeaderEngine(t *testing.T) {
	next := &captureEngine{}
	e := &AddHeaderEngine{Header: map[string]string{"X-Backend-Tenant": "team-a"}, Next: next}
	_, err := e.Process(newRequest(octoproxy.RouteGeneration, `{}`))
	require.NoError(t, err)
	assert.Equal(t, "team-a", next.header.Get("X-Backend-Tenant"))
}
