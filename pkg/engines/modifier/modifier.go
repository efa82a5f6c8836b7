// Package modifier corrects request parameters against the limits of the target model.
package modifier

import (
	"github.com/infinigence/octoproxy/pkg/metadata"
	"github.com/infinigence/octoproxy/pkg/value"
)

// Modifier is a stateless correction rule. Apply reports whether it changed body.
// Applying a modifier to a body it already corrected must not change it again.
type Modifier interface {
	Name() string
	Apply(body *value.Value, md metadata.ModelMetadata) bool
}

// Chain runs modifiers in registration order.
type Chain struct {
	modifiers []Modifier
}

func NewChain(modifiers ...Modifier) *Chain {
	c := &Chain{}
	for _, m := range modifiers {
		c.Register(m)
	}
	return c
}

// Register appends m to the end of the chain.
func (c *Chain) Register(m Modifier) *Chain {
	if m != nil {
		c.modifiers = append(c.modifiers, m)
	}
	return c
}

func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.modifiers))
	for _, m := range c.modifiers {
		names = append(names, m.Name())
	}
	return names
}

// Apply runs every modifier and returns the names of those that mutated body.
func (c *Chain) Apply(body *value.Value, md metadata.ModelMetadata) []string {
	if c == nil || !body.IsObject() {
		return nil
	}
	var mutated []string
	for _, m := range c.modifiers {
		if m.Apply(body, md) {
			mutated = append(mutated, m.Name())
		}
	}
	return mutated
}

// ContextLimitModifier keeps num_ctx within min(n_ctx_train, MaxContext).
// options.num_ctx is added when missing; a top-level num_ctx is only ever lowered.
type ContextLimitModifier struct {
	MaxContext int
}

var _ Modifier = (*ContextLimitModifier)(nil)

func (m *ContextLimitModifier) Name() string { return "context_limit" }

func (m *ContextLimitModifier) limit(md metadata.ModelMetadata) int {
	if !md.Known() {
		return m.MaxContext
	}
	if m.MaxContext <= 0 {
		return md.NCtxTrain
	}
	return min(md.NCtxTrain, m.MaxContext)
}

func (m *ContextLimitModifier) Apply(body *value.Value, md metadata.ModelMetadata) bool {
	limit := m.limit(md)
	if limit <= 0 {
		return false
	}

	mutated := false
	if top := body.Get("num_ctx"); top != nil {
		if n, ok := top.Int(); ok && n > int64(limit) {
			body.Set("num_ctx", value.Int(int64(limit)))
			mutated = true
		}
	}

	cur := body.Get("options", "num_ctx")
	if cur == nil || cur.Kind() == value.KindNull {
		if err := body.SetPath(value.Int(int64(limit)), "options", "num_ctx"); err != nil {
			return mutated
		}
		return true
	}
	if n, ok := cur.Int(); ok && n <= int64(limit) {
		return mutated
	}
	if f, ok := cur.Float(); ok && f <= float64(limit) {
		return mutated
	}
	// over the limit or not a usable number
	if err := body.SetPath(value.Int(int64(limit)), "options", "num_ctx"); err != nil {
		return mutated
	}
	return true
}

const DefaultNumPredict = 4096

// GenerationLimitModifier fills options.num_predict on chat-style bodies that carry
// none, from max_tokens, max_completion_tokens or Default.
type GenerationLimitModifier struct {
	Default int
}

var _ Modifier = (*GenerationLimitModifier)(nil)

func (m *GenerationLimitModifier) Name() string { return "generation_limit" }

// IsChat reports whether body is a chat-style request.
func IsChat(body *value.Value) bool {
	return body.Get("messages").IsArray()
}

func (m *GenerationLimitModifier) Apply(body *value.Value, md metadata.ModelMetadata) bool {
	if !IsChat(body) {
		return false
	}
	if cur := body.Get("options", "num_predict"); cur != nil && cur.Kind() != value.KindNull {
		return false
	}

	limit := value.Int(int64(m.defaultLimit()))
	for _, key := range []string{"max_tokens", "max_completion_tokens"} {
		if v := body.Get(key); v != nil {
			if n, ok := v.Int(); ok && n > 0 {
				limit = value.Int(n)
				break
			}
		}
	}
	if err := body.SetPath(limit, "options", "num_predict"); err != nil {
		return false
	}
	return true
}

func (m *GenerationLimitModifier) defaultLimit() int {
	if m.Default > 0 {
		return m.Default
	}
	return DefaultNumPredict
}
