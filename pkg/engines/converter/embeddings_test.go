package converter

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinigence/octoproxy/pkg/errutils"
	"github.com/infinigence/octoproxy/pkg/octoproxy"
	"github.com/infinigence/octoproxy/pkg/value"
)

// mockEngine is a simple mock that verifies the request and returns a fixed response
type mockEngine struct {
	t *testing.T

	expectedRequestCheck func(t *testing.T, req *octoproxy.Request)

	responseToReturn *octoproxy.Response
	errorToReturn    error
	calls            int
}

func newMockEngine(t *testing.T) *mockEngine {
	return &mockEngine{t: t}
}

func (m *mockEngine) Process(req *octoproxy.Request) (*octoproxy.Response, error) {
	m.calls++
	if m.expectedRequestCheck != nil {
		m.expectedRequestCheck(m.t, req)
	}
	if m.errorToReturn != nil {
		return nil, m.errorToReturn
	}
	return m.responseToReturn, nil
}

func newRequest(path string, route octoproxy.Route, body string) *octoproxy.Request {
	req := octoproxy.NewRequest(httptest.NewRequest(http.MethodPost, path, nil))
	req.Route = route
	req.Body = octoproxy.NewBodyFromBytes([]byte(body), octoproxy.ValueParser{})
	return req
}

func jsonResponse(body string) *octoproxy.Response {
	return octoproxy.NewResponse(http.StatusOK,
		http.Header{"Content-Type": []string{"application/json; charset=utf-8"}},
		octoproxy.NewBodyFromBytes([]byte(body), octoproxy.ValueParser{}))
}

func TestEmbeddingsTranslator_RoundTrip(t *testing.T) {
	mock := newMockEngine(t)
	mock.expectedRequestCheck = func(t *testing.T, req *octoproxy.Request) {
		assert.Equal(t, octoproxy.RouteNativeEmbeddings, req.Route)
		assert.Equal(t, "/api/embed", req.URL.Path)
		assert.Equal(t, "trace=1", req.URL.RawQuery)
		b, err := req.Body.Bytes()
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"model": "nomic-embed-text",
			"input": ["first", "second", "third"],
			"options": {},
			"truncate": true,
			"dimensions": 3
		}`, string(b))
	}
	mock.responseToReturn = jsonResponse(`{
		"model": "nomic-embed-text",
		"embeddings": [[0.10000000149011612,-2.5e-3,3],[1,2,3],[-0.0,1E-7,0.333333333333333314829616256247]],
		"prompt_eval_count": 9
	}`)

	tr := NewEmbeddingsTranslator(mock)
	resp, err := tr.Process(newRequest("/v1/embeddings?trace=1", octoproxy.RouteOpenAIEmbeddings,
		`{"model":"nomic-embed-text","input":["first","second","third"],"dimensions":3,"user":"u1"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	b, err := resp.Body.Bytes()
	require.NoError(t, err)
	assert.Equal(t,
		`{"object":"list","data":[`+
			`{"object":"embedding","index":0,"embedding":[0.10000000149011612,-2.5e-3,3]},`+
			`{"object":"embedding","index":1,"embedding":[1,2,3]},`+
			`{"object":"embedding","index":2,"embedding":[-0.0,1E-7,0.333333333333333314829616256247]}],`+
			`"model":"nomic-embed-text","usage":{"prompt_tokens":9,"total_tokens":9}}`,
		string(b))
}

func TestEmbeddingsTranslator_Base64(t *testing.T) {
	mock := newMockEngine(t)
	mock.responseToReturn = jsonResponse(`{"model":"m","embeddings":[[1.0,-2.5,0.25]],"prompt_eval_count":1}`)

	resp, err := NewEmbeddingsTranslator(mock).Process(newRequest("/v1/embeddings", octoproxy.RouteOpenAIEmbeddings,
		`{"model":"m","input":"x","encoding_format":"base64"}`))
	require.NoError(t, err)

	tree, err := resp.Body.Tree()
	require.NoError(t, err)
	enc, ok := tree.Get("data").Items()[0].Get("embedding").Str()
	require.True(t, ok)
	raw, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	require.Len(t, raw, 12)
	var got []float32
	for i := 0; i < 3; i++ {
		got = append(got, math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
	}
	assert.Equal(t, []float32{1, -2.5, 0.25}, got)
}

func TestEmbeddingsTranslator_UsageEstimate(t *testing.T) {
	mock := newMockEngine(t)
	mock.responseToReturn = jsonResponse(`{"model":"m","embeddings":[[1]]}`)

	resp, err := NewEmbeddingsTranslator(mock).Process(newRequest("/v1/embeddings", octoproxy.RouteOpenAIEmbeddings,
		`{"model":"m","input":"hello world"}`))
	require.NoError(t, err)
	tree, err := resp.Body.Tree()
	require.NoError(t, err)
	n, ok := tree.Get("usage", "prompt_tokens").Int()
	require.True(t, ok)
	assert.Greater(t, n, int64(0))
	total, _ := tree.Get("usage", "total_tokens").Int()
	assert.Equal(t, n, total)
}

func TestEmbeddingsTranslator_ClientErrors(t *testing.T) {
	bodies := map[string]string{
		"malformed":     `{"model":`,
		"missing model": `{"input":"x"}`,
		"missing input": `{"model":"m"}`,
		"empty input":   `{"model":"m","input":[]}`,
		"token input":   `{"model":"m","input":[1,2,3]}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			mock := newMockEngine(t)
			_, err := NewEmbeddingsTranslator(mock).Process(newRequest("/v1/embeddings", octoproxy.RouteOpenAIEmbeddings, body))
			require.Error(t, err)
			herr := errutils.Classify(err)
			require.NotNil(t, herr)
			assert.Equal(t, http.StatusBadRequest, herr.StatusCode)
			assert.Equal(t, 0, mock.calls)
		})
	}
}

func TestEmbeddingsTranslator_NativeIsIdentity(t *testing.T) {
	in := `{"model":"m","input":"x","options":{"num_ctx":512}}`
	mock := newMockEngine(t)
	mock.expectedRequestCheck = func(t *testing.T, req *octoproxy.Request) {
		assert.Equal(t, "/api/embed", req.URL.Path)
		b, err := req.Body.Bytes()
		require.NoError(t, err)
		assert.Equal(t, in, string(b))
	}
	native := jsonResponse(`{"model":"m","embeddings":[[1]]}`)
	mock.responseToReturn = native

	resp, err := NewEmbeddingsTranslator(mock).Process(newRequest("/api/embed", octoproxy.RouteNativeEmbeddings, in))
	require.NoError(t, err)
	assert.Same(t, native, resp)
}

func TestEmbeddingsTranslator_UpstreamErrorPassesThrough(t *testing.T) {
	mock := newMockEngine(t)
	mock.errorToReturn = &errutils.UpstreamRespError{StatusCode: http.StatusNotFound, Body: []byte(`{"error":"model not found"}`)}

	_, err := NewEmbeddingsTranslator(mock).Process(newRequest("/v1/embeddings", octoproxy.RouteOpenAIEmbeddings,
		`{"model":"ghost","input":"x"}`))
	var respErr *errutils.UpstreamRespError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusNotFound, respErr.StatusCode)
}

func TestToOpenAIResponse_BadNativeBody(t *testing.T) {
	_, err := ToOpenAIResponse(value.Object(), "m", value.String("x"), false)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, errutils.Classify(err).StatusCode)
}
