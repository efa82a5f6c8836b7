// Package router classifies inbound requests and dispatches them to the engine chain
// of their route.
package router

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/infinigence/octoproxy/pkg/errutils"
	"github.com/infinigence/octoproxy/pkg/metrics"
	"github.com/infinigence/octoproxy/pkg/octoproxy"
)

type Matcher interface {
	Match(req *octoproxy.Request) bool
}

type MatchFunc func(req *octoproxy.Request) bool

func (f MatchFunc) Match(req *octoproxy.Request) bool {
	return f(req)
}

type Rule struct {
	Name    string // optional name for logging
	Matcher Matcher
	Engine  octoproxy.Engine
}

type RuleChain []Rule

var routesByPath = map[string]octoproxy.Route{
	"/v1/embeddings":       octoproxy.RouteOpenAIEmbeddings,
	"/api/embed":           octoproxy.RouteNativeEmbeddings,
	"/api/generate":        octoproxy.RouteGeneration,
	"/api/chat":            octoproxy.RouteGeneration,
	"/v1/chat/completions": octoproxy.RouteGeneration,
	"/v1/completions":      octoproxy.RouteGeneration,
}

// Classify maps method and path to a route. Anything that is not a POST to a known
// path is passthrough.
func Classify(method, path string) octoproxy.Route {
	if method != http.MethodPost {
		return octoproxy.RoutePassthrough
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	if r, ok := routesByPath[path]; ok {
		return r
	}
	return octoproxy.RoutePassthrough
}

// Router classifies each request, parses the body of classified routes and runs the
// first matching rule. Passthrough bodies are never read here.
type Router struct {
	Rules   RuleChain
	Metrics *metrics.Metrics
}

var _ octoproxy.Engine = (*Router)(nil)

func (e *Router) Process(req *octoproxy.Request) (*octoproxy.Response, error) {
	path := "/"
	if req.URL != nil {
		path = req.URL.Path
	}
	req.Route = Classify(req.Method, path)
	e.Metrics.RecordRequest(string(req.Route))
	logrus.WithContext(req.Context()).Debugf("[router] %s %s -> %s", req.Method, path, req.Route)

	if req.Route != octoproxy.RoutePassthrough {
		tree, err := req.Body.Tree()
		if err != nil {
			return nil, &errutils.ClientError{Message: "malformed JSON body", Err: err}
		}
		if !tree.IsObject() {
			return nil, errutils.ClientErrorf("request body must be a JSON object, got %s", tree.Kind())
		}
	}

	for _, r := range e.Rules {
		if !r.Matcher.Match(req) {
			continue
		}
		logrus.WithContext(req.Context()).Debugf("[router] rule %s matched, executing", r.Name)
		return r.Engine.Process(req)
	}

	return nil, ErrNoRuleMatched
}
