package octoproxy

import (
	"encoding/json"
	"fmt"

	"github.com/infinigence/octoproxy/pkg/value"
)

type JSONParser[T any] struct{}

var _ Parser = (*JSONParser[string])(nil)

func (p *JSONParser[T]) Parse(data []byte) (any, error) {
	var v T
	err := json.Unmarshal(data, &v)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (p *JSONParser[T]) Serialize(v any) ([]byte, error) {
	if vv, ok := v.(*T); ok {
		return json.Marshal(vv)
	}
	return nil, fmt.Errorf("value is not a pointer to T")
}

// ValueParser parses bodies into a *value.Value tree.
type ValueParser struct{}

var _ Parser = ValueParser{}

func (ValueParser) Parse(data []byte) (any, error) {
	v, err := value.Parse(data)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (ValueParser) Serialize(v any) ([]byte, error) {
	if vv, ok := v.(*value.Value); ok {
		return vv.MarshalJSON()
	}
	return nil, fmt.Errorf("value is not a *value.Value, got %T", v)
}
