// Package chunker splits oversized embedding inputs into overlapping spans, embeds
// every span and averages the vectors back into one embedding per input item.
package chunker

import (
	"fmt"

	"github.com/infinigence/octoproxy/pkg/errutils"
)

// Span is the half-open range [Start, End) of a text, in code points.
type Span struct {
	Start, End int
}

func (s Span) Len() int { return s.End - s.Start }

// Plan yields the spans of one text in order. Spans are size long and overlap by a
// tenth of size; the last one is clipped to the text length. A Plan cannot be rewound.
type Plan struct {
	length  int
	size    int
	advance int
	next    int
	done    bool
}

func NewPlan(length, size int) *Plan {
	if size <= 0 || size > length {
		size = length
	}
	overlap := size / 10
	advance := size - overlap
	if advance <= 0 {
		advance = size
	}
	return &Plan{
		length:  length,
		size:    size,
		advance: advance,
		done:    length <= 0,
	}
}

func (p *Plan) Overlap() int { return p.size - p.advance }

// Next returns the next span, or false once the text is covered.
func (p *Plan) Next() (Span, bool) {
	if p.done {
		return Span{}, false
	}
	s := Span{Start: p.next, End: min(p.next+p.size, p.length)}
	if s.End >= p.length {
		p.done = true
	} else {
		p.next += p.advance
	}
	return s, true
}

// Spans drains a fresh plan for length and size.
func Spans(length, size int) []Span {
	p := NewPlan(length, size)
	var spans []Span
	for {
		s, ok := p.Next()
		if !ok {
			return spans
		}
		spans = append(spans, s)
	}
}

// Mean returns the elementwise arithmetic mean of vectors, which must all have the
// same dimension.
func Mean(vectors [][]float64) ([]float64, error) {
	if len(vectors) == 0 {
		return nil, &errutils.AggregationError{Err: fmt.Errorf("no vectors to aggregate")}
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, &errutils.AggregationError{
				Err: fmt.Errorf("dimension mismatch: vector %d has %d components, expected %d", i, len(v), dim),
			}
		}
		for j, c := range v {
			sum[j] += c
		}
	}
	n := float64(len(vectors))
	for j := range sum {
		sum[j] /= n
	}
	return sum, nil
}
