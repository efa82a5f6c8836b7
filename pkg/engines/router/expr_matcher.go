package router

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/sirupsen/logrus"

	"github.com/infinigence/octoproxy/pkg/octoproxy"
)

type FeatureExtractor interface {
	Features(req *octoproxy.Request) (map[string]any, error)
}

// ExprMatcher evaluates an expr-lang expression against the request body (RawReq),
// the extracted Features and the Route.
type ExprMatcher struct {
	Code             string
	FeatureExtractor FeatureExtractor

	once    sync.Once
	prog    *vm.Program
	progErr error
}

type ExprMatcherEnv struct {
	RawReq   map[string]any
	Features map[string]any
	Route    string
	Path     string
}

var _ Matcher = (*ExprMatcher)(nil)

// Compile checks the expression ahead of the first match.
func (m *ExprMatcher) Compile() error {
	m.once.Do(func() {
		m.prog, m.progErr = expr.Compile(m.Code)
	})
	return m.progErr
}

func (m *ExprMatcher) Match(req *octoproxy.Request) bool {
	if err := m.Compile(); err != nil {
		logrus.WithContext(req.Context()).Warnf("compile expr code failed: %v", err)
		return false
	}

	env, err := m.buildEnvFor(req)
	if err != nil {
		logrus.WithContext(req.Context()).Warnf("build env for request failed: %v", err)
	}

	output, err := expr.Run(m.prog, env)
	if err != nil {
		logrus.WithContext(req.Context()).Warnf("run expr program failed: %v", err)
		return false
	}

	switch v := output.(type) {
	case bool:
		return v
	case int:
		return v != 0
	case float64:
		return v != 0
	default:
		logrus.WithContext(req.Context()).Warningf("Run rule (%s) invalid return type: %T", m.Code, v)
		return false
	}
}

func (m *ExprMatcher) buildEnvFor(req *octoproxy.Request) (*ExprMatcherEnv, error) {
	env := &ExprMatcherEnv{
		RawReq: make(map[string]any),
		Route:  string(req.Route),
	}
	if req.URL != nil {
		env.Path = req.URL.Path
	}
	if req.Route == octoproxy.RoutePassthrough {
		return env, nil
	}

	b, err := req.Body.Bytes()
	if err != nil {
		return env, fmt.Errorf("read request body failed: %w", err)
	}
	if err := json.Unmarshal(b, &env.RawReq); err != nil {
		return env, fmt.Errorf("unmarshal request body failed: %w", err)
	}

	if m.FeatureExtractor != nil {
		env.Features, err = m.FeatureExtractor.Features(req)
		if err != nil {
			return env, fmt.Errorf("extract features failed: %w", err)
		}
		logrus.WithContext(req.Context()).Debugf("[expr-matcher] extracted features: %v", env.Features)
	}
	return env, nil
}
