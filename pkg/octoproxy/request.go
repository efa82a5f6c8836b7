package octoproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/infinigence/octoproxy/pkg/value"
)

// Route is the classification the router assigns to an inbound request.
type Route string

const (
	RouteUnknown          Route = ""
	RoutePassthrough      Route = "passthrough"
	RouteOpenAIEmbeddings Route = "openai_embeddings"
	RouteNativeEmbeddings Route = "native_embeddings"
	RouteGeneration       Route = "generation"
)

// IsEmbeddings reports whether the route belongs to the embeddings family.
func (r Route) IsEmbeddings() bool {
	return r == RouteOpenAIEmbeddings || r == RouteNativeEmbeddings
}

// Parser parses and serializes body of requests or responses.
type Parser interface {
	Parse(data []byte) (any, error)
	Serialize(data any) ([]byte, error)
}

// UnifiedBody is the body of requests or responses.
// It supports lazy parsing and caching. A body whose reader was never consumed is
// streamed through untouched.
type UnifiedBody struct {
	reader io.ReadCloser // original reader
	bytes  []byte        // cached bytes (filled after reading)

	parsed     any    // cached parsed data
	parsedDone bool   // parse attempted, parsed/parseErr are valid
	parser     Parser // parser (must be set before use)
	parseErr   error  // parsing error
	isDirty    bool   // marks if parsed data is manually modified
}

func NewBodyFromReader(reader io.ReadCloser, parser Parser) *UnifiedBody {
	return &UnifiedBody{
		reader: reader,
		parser: parser,
	}
}

func NewBodyFromBytes(bytes []byte, parser Parser) *UnifiedBody {
	return &UnifiedBody{
		bytes:  bytes,
		parser: parser,
	}
}

// NewBodyFromValue creates a body holding an already built tree.
func NewBodyFromValue(v *value.Value) *UnifiedBody {
	b := &UnifiedBody{parser: ValueParser{}}
	b.SetParsed(v)
	return b
}

func (b *UnifiedBody) readAll() error {
	if b.reader == nil {
		return nil
	}
	data, err := io.ReadAll(b.reader)
	b.reader.Close()
	b.reader = nil
	if err != nil {
		return fmt.Errorf("read body error: %w", err)
	}
	b.bytes = data
	return nil
}

// Parsed lazily parses the body and returns the parsed data.
// It caches the parsed data and error for future calls.
func (b *UnifiedBody) Parsed() (any, error) {
	if b.parsedDone {
		return b.parsed, b.parseErr
	}
	if b.parser == nil {
		return nil, fmt.Errorf("parser is not set")
	}
	if err := b.readAll(); err != nil {
		return nil, err
	}

	b.parsed, b.parseErr = b.parser.Parse(b.bytes)
	b.parsedDone = true
	return b.parsed, b.parseErr
}

// Tree returns the body parsed as a value tree.
func (b *UnifiedBody) Tree() (*value.Value, error) {
	parsed, err := b.Parsed()
	if err != nil {
		return nil, err
	}
	v, ok := parsed.(*value.Value)
	if !ok {
		return nil, fmt.Errorf("parsed body is not *value.Value, got %T", parsed)
	}
	return v, nil
}

// Bytes returns the serialized bytes of the parsed data.
// If the parsed data is dirty (isDirty=true), it will be serialized again.
func (b *UnifiedBody) Bytes() ([]byte, error) {
	if b.isDirty {
		if b.parsed == nil {
			return nil, fmt.Errorf("parsed body must not be nil")
		}
		data, err := b.parser.Serialize(b.parsed)
		if err != nil {
			return nil, fmt.Errorf("serialize body error: %w", err)
		}
		b.bytes = data
		b.isDirty = false
		return b.bytes, nil
	}

	if err := b.readAll(); err != nil {
		return nil, err
	}
	return b.bytes, nil
}

// SetBytes sets the raw bytes and resets the cached state.
// It also clears the reader to ensure the bytes are not read twice.
func (b *UnifiedBody) SetBytes(data []byte) {
	b.bytes = data
	b.parsed = nil
	b.parsedDone = false
	b.parseErr = nil
	b.isDirty = false
	if b.reader != nil {
		b.reader.Close()
		b.reader = nil
	}
}

// Streaming reports whether the body is still backed by an unread reader.
func (b *UnifiedBody) Streaming() bool {
	return b.reader != nil && !b.isDirty
}

// Reader returns the original reader when the body was never consumed, otherwise a
// reader over the (re)serialized bytes.
func (b *UnifiedBody) Reader() (io.ReadCloser, error) {
	if b.Streaming() {
		return b.reader, nil
	}

	b1, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("get bytes error: %w", err)
	}
	return io.NopCloser(bytes.NewReader(b1)), nil
}

// SetParser set the parser and reset the cached state
func (b *UnifiedBody) SetParser(p Parser) {
	b.parser = p
	b.parsed = nil
	b.parsedDone = false
	b.parseErr = nil
	b.isDirty = false
}

// SetParsed set the parsed data and mark it as dirty
// Scene: protocol conversion, request rewriting
func (b *UnifiedBody) SetParsed(v any) {
	b.parsed = v
	b.parsedDone = true
	b.parseErr = nil
	b.isDirty = true // mark the content as dirty, will be serialized again in Bytes()
	if b.reader != nil {
		b.reader.Close()
		b.reader = nil
	}
}

// MarkDirty tells the body that its parsed data was modified in place.
func (b *UnifiedBody) MarkDirty() {
	if b.parsedDone && b.parseErr == nil {
		b.isDirty = true
	}
}

func (b *UnifiedBody) Close() error {
	if b == nil || b.reader == nil {
		return nil
	}
	return b.reader.Close()
}

// Meta is state shared by an inbound request and every sub-request derived from it.
type Meta struct {
	RequestID string

	mu     sync.Mutex
	values map[string]any
	once   map[string]struct{}
}

func NewMeta(requestID string) *Meta {
	return &Meta{
		RequestID: requestID,
		values:    make(map[string]any),
		once:      make(map[string]struct{}),
	}
}

func (m *Meta) Load(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *Meta) Store(key string, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = v
}

// Once returns true the first time it is called with key.
func (m *Meta) Once(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.once[key]; ok {
		return false
	}
	m.once[key] = struct{}{}
	return true
}

type Request struct {
	Method        string
	Route         Route
	URL           *url.URL
	Header        http.Header
	ContentLength int64
	Body          *UnifiedBody
	Meta          *Meta

	ctx context.Context
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       *UnifiedBody
}

const RequestIDHeader = "X-Request-ID"

func NewRequest(r *http.Request) *Request {
	u := &Request{
		Method:        r.Method,
		Route:         RouteUnknown,
		URL:           r.URL,
		Header:        r.Header,
		ContentLength: r.ContentLength,
		Meta:          NewMeta(r.Header.Get(RequestIDHeader)),
		ctx:           r.Context(),
		Body:          NewBodyFromReader(r.Body, ValueParser{}),
	}
	return u
}

func (u *Request) Context() context.Context {
	if u.ctx == nil {
		return context.Background()
	}
	return u.ctx
}

// WithContext returns a shallow copy of the request using ctx.
func (u *Request) WithContext(ctx context.Context) *Request {
	r := *u
	r.ctx = ctx
	return &r
}

// Derive builds a sub-request with its own URL, headers and body. It shares the
// context and Meta of u.
func (u *Request) Derive(body *UnifiedBody) *Request {
	var cu *url.URL
	if u.URL != nil {
		c := *u.URL
		cu = &c
	}
	return &Request{
		Method:        u.Method,
		Route:         u.Route,
		URL:           cu,
		Header:        u.Header.Clone(),
		ContentLength: -1,
		Body:          body,
		Meta:          u.Meta,
		ctx:           u.ctx,
	}
}

func NewResponse(statusCode int, header http.Header, body *UnifiedBody) *Response {
	if header == nil {
		header = make(http.Header)
	}
	return &Response{
		StatusCode: statusCode,
		Header:     header,
		Body:       body,
	}
}
