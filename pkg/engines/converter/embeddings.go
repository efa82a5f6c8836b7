package converter

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"

	"github.com/infinigence/octoproxy/pkg/errutils"
	"github.com/infinigence/octoproxy/pkg/octoproxy"
	"github.com/infinigence/octoproxy/pkg/value"
)

const NativeEmbedPath = "/api/embed"

// EmbeddingsTranslator converts OpenAI-style embeddings requests into native
// /api/embed requests and the native response back. Requests on any other route pass
// through unchanged.
type EmbeddingsTranslator struct {
	Next octoproxy.Engine
}

var _ octoproxy.Engine = (*EmbeddingsTranslator)(nil)

func NewEmbeddingsTranslator(next octoproxy.Engine) *EmbeddingsTranslator {
	return &EmbeddingsTranslator{Next: next}
}

type embeddingsRequest struct {
	model  string
	input  *value.Value
	base64 bool
}

func (e *EmbeddingsTranslator) Process(req *octoproxy.Request) (*octoproxy.Response, error) {
	if e.Next == nil {
		return nil, fmt.Errorf("next engine is nil")
	}
	if req.Route != octoproxy.RouteOpenAIEmbeddings {
		return e.Next.Process(req)
	}

	in, err := parseEmbeddingsRequest(req.Body)
	if err != nil {
		return nil, err
	}
	native, err := ToNativeRequest(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body.SetParsed(native)
	req.Route = octoproxy.RouteNativeEmbeddings
	if req.URL != nil {
		u := *req.URL
		u.Path = NativeEmbedPath
		u.RawPath = ""
		req.URL = &u
	}
	logrus.WithContext(req.Context()).Debugf("[converter] openai embeddings -> native: model=%s, items=%d", in.model, inputLen(in.input))

	resp, err := e.Next.Process(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	nativeResp, err := resp.Body.Tree()
	if err != nil {
		return nil, &errutils.UpstreamHTTPError{
			Err:        fmt.Errorf("parse native embed response error: %w", err),
			StatusCode: resp.StatusCode,
		}
	}
	out, err := ToOpenAIResponse(nativeResp, in.model, in.input, in.base64)
	if err != nil {
		return nil, err
	}

	header := resp.Header.Clone()
	header.Del("Content-Length")
	header.Del("Content-Encoding")
	header.Set("Content-Type", "application/json")
	return octoproxy.NewResponse(http.StatusOK, header, octoproxy.NewBodyFromValue(out)), nil
}

func parseEmbeddingsRequest(body *octoproxy.UnifiedBody) (*embeddingsRequest, error) {
	tree, err := body.Tree()
	if err != nil {
		return nil, &errutils.ClientError{Message: "malformed JSON body", Err: err}
	}
	raw, err := body.Bytes()
	if err != nil {
		return nil, fmt.Errorf("get request body bytes error: %w", err)
	}
	parsed, err := (&octoproxy.JSONParser[openai.EmbeddingNewParams]{}).Parse(raw)
	if err != nil {
		return nil, &errutils.ClientError{Message: "invalid embeddings request", Err: err}
	}
	params := parsed.(*openai.EmbeddingNewParams)

	model := string(params.Model)
	if model == "" {
		return nil, errutils.ClientErrorf("missing required field: model")
	}
	input := tree.Get("input")
	if err := validateInput(input); err != nil {
		return nil, err
	}
	return &embeddingsRequest{
		model:  model,
		input:  input,
		base64: params.EncodingFormat == openai.EmbeddingNewParamsEncodingFormatBase64,
	}, nil
}

// validateInput accepts a string or a non-empty array of strings.
func validateInput(input *value.Value) error {
	switch input.Kind() {
	case value.KindString:
		return nil
	case value.KindArray:
		if input.Len() == 0 {
			return errutils.ClientErrorf("input must not be empty")
		}
		for i, item := range input.Items() {
			if !item.IsString() {
				return errutils.ClientErrorf("input[%d] must be a string, got %s", i, item.Kind())
			}
		}
		return nil
	case value.KindNull:
		return errutils.ClientErrorf("missing required field: input")
	default:
		return errutils.ClientErrorf("input must be a string or an array of strings, got %s", input.Kind())
	}
}

func inputLen(input *value.Value) int {
	if input.IsArray() {
		return input.Len()
	}
	return 1
}

// ToNativeRequest builds the /api/embed body for an OpenAI-style request.
// The options object is left empty for the modifier chain to fill.
func ToNativeRequest(body *octoproxy.UnifiedBody) (*value.Value, error) {
	tree, err := body.Tree()
	if err != nil {
		return nil, &errutils.ClientError{Message: "malformed JSON body", Err: err}
	}
	native := value.Object()
	native.Set("model", tree.Get("model").Clone())
	native.Set("input", tree.Get("input").Clone())
	native.Set("options", value.Object())
	native.Set("truncate", value.Bool(true))
	for _, key := range []string{"dimensions", "keep_alive"} {
		if v := tree.Get(key); v != nil && v.Kind() != value.KindNull {
			native.Set(key, v.Clone())
		}
	}
	return native, nil
}

// ToOpenAIResponse converts a native embed response. Vector components keep their
// original number text unless base64 output is requested.
func ToOpenAIResponse(native *value.Value, model string, input *value.Value, asBase64 bool) (*value.Value, error) {
	embeddings := native.Get("embeddings")
	if !embeddings.IsArray() {
		return nil, &errutils.UpstreamHTTPError{Err: fmt.Errorf("native embed response has no embeddings array")}
	}

	data := value.Array()
	for i, vec := range embeddings.Items() {
		if !vec.IsArray() {
			return nil, &errutils.UpstreamHTTPError{Err: fmt.Errorf("embeddings[%d] is %s, not an array", i, vec.Kind())}
		}
		item := value.Object()
		item.Set("object", value.String("embedding"))
		item.Set("index", value.Int(int64(i)))
		if asBase64 {
			enc, err := encodeBase64(vec)
			if err != nil {
				return nil, &errutils.UpstreamHTTPError{Err: fmt.Errorf("embeddings[%d]: %w", i, err)}
			}
			item.Set("embedding", value.String(enc))
		} else {
			item.Set("embedding", vec)
		}
		data.Append(item)
	}

	if m, ok := native.Get("model").Str(); ok && m != "" {
		model = m
	}
	tokens := promptTokens(native, input)
	usage := value.Object()
	usage.Set("prompt_tokens", value.Int(int64(tokens)))
	usage.Set("total_tokens", value.Int(int64(tokens)))

	out := value.Object()
	out.Set("object", value.String("list"))
	out.Set("data", data)
	out.Set("model", value.String(model))
	out.Set("usage", usage)
	return out, nil
}

// encodeBase64 packs the vector as little-endian float32, the layout OpenAI clients
// decode for encoding_format=base64.
func encodeBase64(vec *value.Value) (string, error) {
	buf := make([]byte, 4*vec.Len())
	for i, c := range vec.Items() {
		f, ok := c.Float()
		if !ok {
			return "", fmt.Errorf("component %d is not a number", i)
		}
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(f)))
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// promptTokens prefers the backend's prompt_eval_count and otherwise estimates the
// count with the cl100k tokenizer, which only approximates the model's own tokenizer.
func promptTokens(native, input *value.Value) int {
	if n, ok := native.Get("prompt_eval_count").Int(); ok && n >= 0 {
		return int(n)
	}
	return EstimateTokens(input)
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// EstimateTokens counts cl100k tokens over every string in input. It returns 0 if
// the tokenizer cannot be loaded.
func EstimateTokens(input *value.Value) int {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			logrus.Warnf("[converter] load tokenizer error: %v", err)
			return
		}
		codec = c
	})
	if codec == nil {
		return 0
	}

	var texts []string
	if s, ok := input.Str(); ok {
		texts = append(texts, s)
	}
	for _, item := range input.Items() {
		if s, ok := item.Str(); ok {
			texts = append(texts, s)
		}
	}
	total := 0
	for _, s := range texts {
		n, err := codec.Count(s)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}
