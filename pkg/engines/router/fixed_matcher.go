package router

import "github.com/infinigence/octoproxy/pkg/octoproxy"

type FixedMatcher bool

var _ Matcher = (FixedMatcher)(false)

func (m FixedMatcher) Match(req *octoproxy.Request) bool {
	return bool(m)
}

const AlwaysTrueMatcher = FixedMatcher(true)

// RouteMatcher matches requests classified into one of its routes.
type RouteMatcher []octoproxy.Route

var _ Matcher = (RouteMatcher)(nil)

func (m RouteMatcher) Match(req *octoproxy.Request) bool {
	for _, r := range m {
		if req.Route == r {
			return true
		}
	}
	return false
}
