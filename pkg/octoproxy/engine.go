package octoproxy

type Engine interface {
	// Process executes the request and returns the response.
	// Implementations either answer the request themselves or hand it to the next engine.
	Process(req *Request) (*Response, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(req *Request) (*Response, error)

func (f EngineFunc) Process(req *Request) (*Response, error) {
	return f(req)
}
