package chunker

import (
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/infinigence/octoproxy/pkg/errutils"
	"github.com/infinigence/octoproxy/pkg/metrics"
	"github.com/infinigence/octoproxy/pkg/octoproxy"
	"github.com/infinigence/octoproxy/pkg/value"
)

// Engine embeds oversized native embedding inputs chunk by chunk.
// Sub-requests run one after another through Next and share the inbound context, so
// a canceled client stops the loop before the next call. The per-call timeout of the
// forwarder applies to each sub-request, so a chunked request may take up to
// timeout times the number of sub-requests.
type Engine struct {
	MaxInputLength int
	Enabled        bool
	Metrics        *metrics.Metrics
	Next           octoproxy.Engine
}

var _ octoproxy.Engine = (*Engine)(nil)

func NewEngine(maxInputLength int, enabled bool, m *metrics.Metrics, next octoproxy.Engine) *Engine {
	return &Engine{
		MaxInputLength: maxInputLength,
		Enabled:        enabled,
		Metrics:        m,
		Next:           next,
	}
}

// inputItems returns the strings of a native input field. ok is false when input is
// neither a string nor an array of strings.
func inputItems(input *value.Value) (items []string, ok bool) {
	if s, isStr := input.Str(); isStr {
		return []string{s}, true
	}
	if !input.IsArray() {
		return nil, false
	}
	for _, item := range input.Items() {
		s, isStr := item.Str()
		if !isStr {
			return nil, false
		}
		items = append(items, s)
	}
	return items, true
}

func (e *Engine) Process(req *octoproxy.Request) (*octoproxy.Response, error) {
	if e.Next == nil {
		return nil, fmt.Errorf("next engine is nil")
	}
	if !req.Route.IsEmbeddings() || e.MaxInputLength <= 0 {
		return e.Next.Process(req)
	}
	body, err := req.Body.Tree()
	if err != nil {
		return nil, &errutils.ClientError{Message: "malformed JSON body", Err: err}
	}
	items, ok := inputItems(body.Get("input"))
	if !ok {
		return e.Next.Process(req)
	}

	longest := 0
	oversized := false
	for _, s := range items {
		n := utf8.RuneCountInString(s)
		longest = max(longest, n)
		if n > e.MaxInputLength {
			oversized = true
		}
	}
	if !oversized {
		return e.Next.Process(req)
	}
	if !e.Enabled {
		return nil, &errutils.InputTooLargeError{Observed: longest, Max: e.MaxInputLength}
	}

	return e.chunked(req, body, items)
}

type subResult struct {
	model      string
	embeddings []*value.Value
	evalCount  int64
	hasEval    bool
	header     http.Header
}

func (e *Engine) chunked(req *octoproxy.Request, body *value.Value, items []string) (*octoproxy.Response, error) {
	ctx := req.Context()
	results := make([]*value.Value, len(items))
	var (
		model     string
		evalTotal int64
		hasEval   bool
		header    http.Header
		calls     int
	)
	collect := func(r *subResult) {
		if model == "" {
			model = r.model
		}
		if r.hasEval {
			evalTotal += r.evalCount
			hasEval = true
		}
		if header == nil {
			header = r.header
		}
		calls++
	}

	// items within the limit go out together first
	var smallIdx []int
	small := value.Array()
	for i, s := range items {
		if utf8.RuneCountInString(s) <= e.MaxInputLength {
			smallIdx = append(smallIdx, i)
			small.Append(value.String(s))
		}
	}
	if len(smallIdx) > 0 {
		r, err := e.send(req, body, small, len(smallIdx))
		if err != nil {
			return nil, err
		}
		collect(r)
		for j, i := range smallIdx {
			results[i] = r.embeddings[j]
		}
	}

	for i, s := range items {
		if results[i] != nil {
			continue
		}
		runes := []rune(s)
		plan := NewPlan(len(runes), e.MaxInputLength)
		logrus.WithContext(ctx).Infof("[chunker] input %d has %d chars > %d, chunking with overlap %d",
			i, len(runes), e.MaxInputLength, plan.Overlap())

		var vectors [][]float64
		for span, ok := plan.Next(); ok; span, ok = plan.Next() {
			if err := ctx.Err(); err != nil {
				logrus.WithContext(ctx).Infof("[chunker] stopped before chunk %d of input %d: %v", len(vectors), i, err)
				return nil, err
			}
			r, err := e.send(req, body, value.String(string(runes[span.Start:span.End])), 1)
			if err != nil {
				return nil, err
			}
			collect(r)
			vec, err := floats(r.embeddings[0])
			if err != nil {
				return nil, err
			}
			vectors = append(vectors, vec)
			logrus.WithContext(ctx).Debugf("[chunker] input %d chunk %d [%d,%d) dim=%d", i, len(vectors)-1, span.Start, span.End, len(vec))
		}

		mean, err := Mean(vectors)
		if err != nil {
			return nil, err
		}
		vec := value.Array()
		for _, c := range mean {
			vec.Append(value.Float(c))
		}
		results[i] = vec
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if model == "" {
		model = modelOf(body)
	}
	out := value.Object()
	out.Set("model", value.String(model))
	out.Set("embeddings", value.Array(results...))
	if hasEval {
		out.Set("prompt_eval_count", value.Int(evalTotal))
	}
	logrus.WithContext(ctx).Infof("[chunker] aggregated %d inputs from %d sub-requests", len(items), calls)

	h := make(http.Header)
	if header != nil {
		h = header.Clone()
	}
	h.Del("Content-Length")
	h.Del("Content-Encoding")
	h.Set("Content-Type", "application/json")
	return octoproxy.NewResponse(http.StatusOK, h, octoproxy.NewBodyFromValue(out)), nil
}

// send issues one sub-request carrying input and expects want embeddings back.
func (e *Engine) send(req *octoproxy.Request, body, input *value.Value, want int) (*subResult, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	subBody := body.Clone()
	subBody.Set("input", input)
	sub := req.Derive(octoproxy.NewBodyFromValue(subBody))
	e.Metrics.RecordChunkRequest(string(req.Route))

	resp, err := e.Next.Process(sub)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	tree, err := resp.Body.Tree()
	if err != nil {
		return nil, &errutils.UpstreamHTTPError{Err: fmt.Errorf("parse sub-response error: %w", err), StatusCode: resp.StatusCode}
	}
	embeddings := tree.Get("embeddings")
	if !embeddings.IsArray() || embeddings.Len() != want {
		return nil, &errutils.AggregationError{
			Err: fmt.Errorf("sub-response returned %d embeddings, expected %d", embeddings.Len(), want),
		}
	}
	r := &subResult{embeddings: embeddings.Items(), header: resp.Header}
	r.model, _ = tree.Get("model").Str()
	r.evalCount, r.hasEval = tree.Get("prompt_eval_count").Int()
	return r, nil
}

func floats(vec *value.Value) ([]float64, error) {
	if !vec.IsArray() {
		return nil, &errutils.AggregationError{Err: fmt.Errorf("embedding is %s, not an array", vec.Kind())}
	}
	out := make([]float64, 0, vec.Len())
	for i, c := range vec.Items() {
		f, ok := c.Float()
		if !ok {
			return nil, &errutils.AggregationError{Err: fmt.Errorf("component %d is not a number", i)}
		}
		out = append(out, f)
	}
	return out, nil
}

func modelOf(body *value.Value) string {
	s, _ := body.Get("model").Str()
	return s
}
