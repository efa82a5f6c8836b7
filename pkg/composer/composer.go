// Package composer assembles the engine chains of the proxy from its configuration.
package composer

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/infinigence/octoproxy/pkg/config"
	"github.com/infinigence/octoproxy/pkg/engines"
	"github.com/infinigence/octoproxy/pkg/engines/chunker"
	"github.com/infinigence/octoproxy/pkg/engines/client"
	"github.com/infinigence/octoproxy/pkg/engines/converter"
	"github.com/infinigence/octoproxy/pkg/engines/modifier"
	"github.com/infinigence/octoproxy/pkg/engines/router"
	"github.com/infinigence/octoproxy/pkg/metadata"
	"github.com/infinigence/octoproxy/pkg/metrics"
	"github.com/infinigence/octoproxy/pkg/octoproxy"
)

// Proxy is a fully wired proxy. Engine is the entry point for every inbound request.
type Proxy struct {
	Engine    octoproxy.Engine
	Metadata  *metadata.Cache
	Metrics   *metrics.Metrics
	Forwarder *client.Forwarder
}

// Handler returns the HTTP handler serving every proxied path.
func (p *Proxy) Handler() http.Handler {
	return octoproxy.Handler(p.Engine)
}

// Build wires the chains below:
//
//	openai_embeddings:  translator -> chunker -> modifier -> backend
//	native_embeddings:  chunker -> modifier -> backend
//	generation:         modifier -> backend
//	passthrough:        backend
//
// where backend is the forwarder behind the optional rewrite policy of the route and
// the configured backend headers.
func Build(cfg *config.Config, clients *ProxyClientManager, m *metrics.Metrics) (*Proxy, error) {
	if clients == nil {
		clients = NewProxyClientManager(nil)
	}
	if m == nil {
		m = metrics.New()
	}
	httpClient := clients.GetClient(cfg.BackendHTTPProxy)

	fwd, err := client.NewForwarder(httpClient, cfg.BackendURL, cfg.RequestTimeout(), m)
	if err != nil {
		return nil, fmt.Errorf("failed to build forwarder: %w", err)
	}
	cache := metadata.NewCache(metadata.NewShowFetcher(httpClient, cfg.BackendURL, cfg.RequestTimeout()), m)

	var toBackend octoproxy.Engine = fwd
	if len(cfg.BackendHeaders) > 0 {
		toBackend = &engines.AddHeaderEngine{Header: cfg.BackendHeaders, Next: fwd}
	}

	backendFor := func(route octoproxy.Route) (octoproxy.Engine, error) {
		policy := cfg.Rewrites[string(route)]
		if policy.Empty() {
			return toBackend, nil
		}
		rw, err := engines.NewRewriteEngine(toBackend, policy)
		if err != nil {
			return nil, fmt.Errorf("rewrite policy for %s: %w", route, err)
		}
		logrus.Infof("[composer] rewrite policy enabled for %s", route)
		return rw, nil
	}

	chain := modifier.NewChain(
		&modifier.ContextLimitModifier{MaxContext: cfg.MaxContext},
		&modifier.GenerationLimitModifier{Default: cfg.DefaultNumPredict},
	)
	withModifiers := func(next octoproxy.Engine) octoproxy.Engine {
		return modifier.NewEngine(chain, cache, m, next)
	}
	withChunker := func(next octoproxy.Engine) octoproxy.Engine {
		return chunker.NewEngine(cfg.MaxEmbeddingInputLength, cfg.EnableAutoChunking, m, next)
	}

	openaiBackend, err := backendFor(octoproxy.RouteOpenAIEmbeddings)
	if err != nil {
		return nil, err
	}
	nativeBackend, err := backendFor(octoproxy.RouteNativeEmbeddings)
	if err != nil {
		return nil, err
	}
	generationBackend, err := backendFor(octoproxy.RouteGeneration)
	if err != nil {
		return nil, err
	}

	rules := router.RuleChain{
		{
			Name:    string(octoproxy.RouteOpenAIEmbeddings),
			Matcher: router.RouteMatcher{octoproxy.RouteOpenAIEmbeddings},
			Engine:  converter.NewEmbeddingsTranslator(withChunker(withModifiers(openaiBackend))),
		},
		{
			Name:    string(octoproxy.RouteNativeEmbeddings),
			Matcher: router.RouteMatcher{octoproxy.RouteNativeEmbeddings},
			Engine:  withChunker(withModifiers(nativeBackend)),
		},
		{
			Name:    string(octoproxy.RouteGeneration),
			Matcher: router.RouteMatcher{octoproxy.RouteGeneration},
			Engine:  withModifiers(generationBackend),
		},
		{
			Name:    "fallback",
			Matcher: router.AlwaysTrueMatcher,
			Engine:  toBackend,
		},
	}

	logrus.Infof("[composer] backend %s, max_context=%d, chunking=%v (max input %d), modifiers %v",
		cfg.BackendURL, cfg.MaxContext, cfg.EnableAutoChunking, cfg.MaxEmbeddingInputLength, chain.Names())

	return &Proxy{
		Engine:    &router.Router{Rules: rules, Metrics: m},
		Metadata:  cache,
		Metrics:   m,
		Forwarder: fwd,
	}, nil
}
