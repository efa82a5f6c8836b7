package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/infinigence/octoproxy/pkg/engines/router"
	"github.com/infinigence/octoproxy/pkg/octoproxy"
)

// RewritePolicy is an operator-defined edit of request bodies. Keys use sjson paths.
// Match, when set, is an expr-lang condition evaluated by router.ExprMatcher.
type RewritePolicy struct {
	Match         string            `json:"match" yaml:"match"`
	SetKeys       map[string]any    `json:"set_keys" yaml:"set_keys"`
	SetKeysByExpr map[string]string `json:"set_keys_by_expr" yaml:"set_keys_by_expr"`
	RemoveKeys    []string          `json:"remove_keys" yaml:"remove_keys"`
}

func (p *RewritePolicy) Merge(other *RewritePolicy) *RewritePolicy {
	if other == nil {
		return p
	}
	if p == nil {
		return other
	}

	merged := &RewritePolicy{
		Match:         p.Match,
		SetKeys:       make(map[string]any),
		SetKeysByExpr: make(map[string]string),
		RemoveKeys:    append([]string{}, p.RemoveKeys...),
	}
	if other.Match != "" {
		merged.Match = other.Match
	}

	for k, v := range p.SetKeys {
		merged.SetKeys[k] = v
	}
	for k, v := range other.SetKeys {
		merged.SetKeys[k] = v
	}

	for k, v := range p.SetKeysByExpr {
		merged.SetKeysByExpr[k] = v
	}
	for k, v := range other.SetKeysByExpr {
		merged.SetKeysByExpr[k] = v
	}

	merged.RemoveKeys = append(merged.RemoveKeys, other.RemoveKeys...)

	return merged
}

func (p *RewritePolicy) Empty() bool {
	return p == nil || (len(p.SetKeys) == 0 && len(p.SetKeysByExpr) == 0 && len(p.RemoveKeys) == 0)
}

type jsonRewriter struct {
	policy  *RewritePolicy
	ctx     context.Context
	exprEnv map[string]any
}

// RewriteJSON applies RemoveKeys, then SetKeys, then SetKeysByExpr.
func (r *jsonRewriter) RewriteJSON(reqBody []byte) []byte {
	if r.policy == nil {
		return reqBody
	}

	var err error
	for _, k := range r.policy.RemoveKeys {
		reqBody, err = sjson.DeleteBytes(reqBody, k)
		if err != nil {
			logrus.WithContext(r.ctx).Warnf("[rewrite] delete key (%s) body error: %s", k, err)
		}
	}

	for k, v := range r.policy.SetKeys {
		reqBody, err = sjson.SetBytes(reqBody, k, v)
		if err != nil {
			logrus.WithContext(r.ctx).Warnf("[rewrite] set key (%s) error: %s", k, err)
		}
	}

	for k, code := range r.policy.SetKeysByExpr {
		prog, err := expr.Compile(code, expr.Env(r.exprEnv))
		if err != nil {
			logrus.WithContext(r.ctx).Warnf("[rewrite] compile expr (%s) error: %s", code, err)
			continue
		}
		v, err := expr.Run(prog, r.exprEnv)
		if err != nil {
			logrus.WithContext(r.ctx).Warnf("[rewrite] run expr (%s) error: %s", code, err)
			continue
		}
		if v == nil {
			logrus.WithContext(r.ctx).Debugf("[rewrite] skip setting key (%s) because expr result is nil", k)
			continue
		}
		reqBody, err = sjson.SetBytes(reqBody, k, v)
		if err != nil {
			logrus.WithContext(r.ctx).Warnf("[rewrite] set key (%s) error: %s", k, err)
			continue
		}
		logrus.WithContext(r.ctx).Debugf("[rewrite] set key (%s) value (%v)", k, v)
	}

	return reqBody
}

// RewriteEngine applies a RewritePolicy to request bodies before passing them on.
type RewriteEngine struct {
	Policy  *RewritePolicy
	Matcher router.Matcher
	Next    octoproxy.Engine
}

var _ octoproxy.Engine = (*RewriteEngine)(nil)

func NewRewriteEngine(next octoproxy.Engine, policy *RewritePolicy) (*RewriteEngine, error) {
	e := &RewriteEngine{Policy: policy, Next: next}
	if policy != nil && policy.Match != "" {
		m := &router.ExprMatcher{Code: policy.Match, FeatureExtractor: &router.SimpleFeatureExtractor{}}
		if err := m.Compile(); err != nil {
			return nil, fmt.Errorf("compile rewrite match (%s) error: %w", policy.Match, err)
		}
		e.Matcher = m
	}
	return e, nil
}

func (e *RewriteEngine) Process(req *octoproxy.Request) (*octoproxy.Response, error) {
	if e.Next == nil {
		return nil, fmt.Errorf("next engine is nil")
	}
	if e.Policy.Empty() || req.Route == octoproxy.RoutePassthrough {
		return e.Next.Process(req)
	}
	if e.Matcher != nil && !e.Matcher.Match(req) {
		logrus.WithContext(req.Context()).Debugf("[rewrite] policy not matched, skipping")
		return e.Next.Process(req)
	}

	b, err := req.Body.Bytes()
	if err != nil {
		return nil, fmt.Errorf("get request body bytes error: %w", err)
	}
	raw := make(map[string]any)
	if err := json.Unmarshal(b, &raw); err != nil {
		logrus.WithContext(req.Context()).Warnf("[rewrite] unmarshal body for expr env error: %v", err)
	}
	rw := &jsonRewriter{
		policy: e.Policy,
		ctx:    req.Context(),
		exprEnv: map[string]any{
			"RawReq": raw,
			"Route":  string(req.Route),
		},
	}
	out := rw.RewriteJSON(b)
	if !bytes.Equal(out, b) {
		req.Body.SetBytes(out)
		logrus.WithContext(req.Context()).Debugf("[rewrite] request body rewritten")
	}
	return e.Next.Process(req)
}
