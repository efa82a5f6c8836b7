package router

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode/utf8"

	"github.com/infinigence/octoproxy/pkg/octoproxy"
	"github.com/infinigence/octoproxy/pkg/value"
)

// SimpleFeatureExtractor derives cheap features from a parsed request body:
// model, isChat, stream, inputCount, maxInputLen, promptTextLen and optional
// prefix/suffix hashes of the first text.
type SimpleFeatureExtractor struct {
	PrefixHashLen []int
	SuffixHashLen []int
}

var _ FeatureExtractor = (*SimpleFeatureExtractor)(nil)

func (e *SimpleFeatureExtractor) Features(req *octoproxy.Request) (map[string]any, error) {
	body, err := req.Body.Tree()
	if err != nil {
		return nil, fmt.Errorf("parse request body failed: %w", err)
	}

	texts := requestTexts(body)
	model, _ := body.Get("model").Str()
	stream, _ := body.Get("stream").BoolValue()

	r := make(map[string]any)
	r["model"] = model
	r["isChat"] = body.Get("messages").IsArray()
	r["stream"] = stream
	r["inputCount"] = len(texts)

	total, longest := 0, 0
	for _, t := range texts {
		n := utf8.RuneCountInString(t)
		total += n
		longest = max(longest, n)
	}
	r["promptTextLen"] = total
	r["maxInputLen"] = longest

	first := ""
	if len(texts) > 0 {
		first = strings.TrimSpace(texts[0])
	}
	for _, l := range e.PrefixHashLen {
		r[fmt.Sprintf("prefix%d", l)] = hashText(model, first, l, false)
	}
	for _, l := range e.SuffixHashLen {
		r[fmt.Sprintf("suffix%d", l)] = hashText(model, first, l, true)
	}
	return r, nil
}

// requestTexts collects the text of messages, prompt and input in body order.
func requestTexts(body *value.Value) []string {
	var texts []string
	for _, msg := range body.Get("messages").Items() {
		content := msg.Get("content")
		if s, ok := content.Str(); ok {
			texts = append(texts, s)
			continue
		}
		var sb strings.Builder
		for _, part := range content.Items() {
			if s, ok := part.Get("text").Str(); ok {
				sb.WriteString(s)
			}
		}
		texts = append(texts, sb.String())
	}
	if s, ok := body.Get("prompt").Str(); ok {
		texts = append(texts, s)
	}
	input := body.Get("input")
	if s, ok := input.Str(); ok {
		texts = append(texts, s)
	}
	for _, item := range input.Items() {
		if s, ok := item.Str(); ok {
			texts = append(texts, s)
		}
	}
	return texts
}

func hashText(model, text string, l int, suffix bool) string {
	runes := []rune(text)
	if len(runes) > l {
		if suffix {
			runes = runes[len(runes)-l:]
		} else {
			runes = runes[:l]
		}
	}
	hasher := fnv.New32a()
	hasher.Write([]byte(model))
	hasher.Write([]byte(string(runes)))
	return fmt.Sprintf("%08x", hasher.Sum32())
}
