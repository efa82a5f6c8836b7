package modifier

import (
	"context"
	"fmt"

	"github.com/infinigence/octoproxy/pkg/errutils"
	"github.com/infinigence/octoproxy/pkg/metadata"
	"github.com/infinigence/octoproxy/pkg/metrics"
	"github.com/infinigence/octoproxy/pkg/octoproxy"
	"github.com/infinigence/octoproxy/pkg/value"
	"github.com/sirupsen/logrus"
)

// Resolver looks up model metadata. *metadata.Cache implements it.
type Resolver interface {
	Resolve(ctx context.Context, name string) (metadata.ModelMetadata, error)
}

// Engine resolves the target model and runs the chain over the request body.
// When resolution fails the body is forwarded untouched and a single warning is
// logged per inbound request.
type Engine struct {
	Chain    *Chain
	Resolver Resolver
	Metrics  *metrics.Metrics
	Next     octoproxy.Engine
}

var _ octoproxy.Engine = (*Engine)(nil)

func NewEngine(chain *Chain, resolver Resolver, m *metrics.Metrics, next octoproxy.Engine) *Engine {
	return &Engine{
		Chain:    chain,
		Resolver: resolver,
		Metrics:  m,
		Next:     next,
	}
}

type resolved struct {
	md  metadata.ModelMetadata
	err error
}

const warnOnceKey = "modifier.unknown_model"

// ModelName returns the model a body targets.
func ModelName(body *value.Value) string {
	for _, key := range []string{"model", "name"} {
		if s, ok := body.Get(key).Str(); ok && s != "" {
			return s
		}
	}
	return ""
}

func (e *Engine) resolve(req *octoproxy.Request, model string) (metadata.ModelMetadata, error) {
	key := "metadata:" + model
	if req.Meta != nil {
		if v, ok := req.Meta.Load(key); ok {
			r := v.(resolved)
			return r.md, r.err
		}
	}
	md, err := e.Resolver.Resolve(req.Context(), model)
	if req.Meta != nil && req.Context().Err() == nil {
		req.Meta.Store(key, resolved{md: md, err: err})
	}
	return md, err
}

func (e *Engine) Process(req *octoproxy.Request) (*octoproxy.Response, error) {
	if e.Next == nil {
		return nil, fmt.Errorf("next engine is nil")
	}
	body, err := req.Body.Tree()
	if err != nil {
		return nil, &errutils.ClientError{Message: "malformed JSON body", Err: err}
	}

	model := ModelName(body)
	md, err := e.resolve(req, model)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if req.Meta == nil || req.Meta.Once(warnOnceKey) {
			logrus.WithContext(req.Context()).Warnf("[modifier] metadata for model %q unavailable, forwarding request unmodified: %v", model, err)
		}
		return e.Next.Process(req)
	}

	mutated := e.Chain.Apply(body, md)
	if len(mutated) > 0 {
		req.Body.MarkDirty()
		for _, name := range mutated {
			e.Metrics.RecordMutation(name)
		}
		logrus.WithContext(req.Context()).Infof("[modifier] model %s (n_ctx_train=%d): applied %v", model, md.NCtxTrain, mutated)
	} else {
		logrus.WithContext(req.Context()).Debugf("[modifier] model %s: no changes", model)
	}
	return e.Next.Process(req)
}
