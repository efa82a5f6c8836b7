package engines

import (
	"fmt"

	"github.com/infinigence/octoproxy/pkg/octoproxy"
)

// AddHeaderEngine sets fixed headers on every request sent to the backend.
type AddHeaderEngine struct {
	Header map[string]string
	Next   octoproxy.Engine
}

var _ octoproxy.Engine = (*AddHeaderEngine)(nil)

func (e *AddHeaderEngine) Process(req *octoproxy.Request) (*octoproxy.Response, error) {
	if e.Next == nil {
		return nil, fmt.Errorf("next engine is nil")
	}
	for k, v := range e.Header {
		req.Header.Set(k, v)
	}
	return e.Next.Process(req)
}
