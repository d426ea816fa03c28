// Package schema decodes and encodes record payloads framed in the
// Confluent schema-registry wire format.
//
// A Registry starts uninitialized, in which state it decodes nothing and
// refuses to encode. It is pointed at a registry at startup or at runtime
// through Init.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hamba/avro/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/twmb/franz-go/pkg/sr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotInitialized is returned when encoding before Init.
var ErrNotInitialized = errors.New("schema registry not initialized. Hint: call POST /registry first")

// Error reports a schema registry failure caused by caller input or by the
// registry itself.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "schema registry " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Subject selects a schema by subject and version. Version 0 selects the
// latest version.
type Subject struct {
	Subject string `json:"subject" validate:"required"`
	Version int    `json:"version,omitempty" validate:"gte=0"`
}

// Auth is basic authentication for the registry.
type Auth struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Options configure Init.
type Options struct {
	URL    string   `json:"url" validate:"required,url"`
	Auth   *Auth    `json:"auth,omitempty"`
	Encode *Subject `json:"encode,omitempty"`
}

// Codec is what the rest of the relay needs from a schema registry.
type Codec interface {
	// Decode returns the decoded form of b. It reports false when b is not a
	// registry-framed payload or cannot be decoded.
	Decode(ctx context.Context, b []byte) (any, bool)
	// Encode frames v with the active encode schema. It reports false when no
	// encode schema is active.
	Encode(ctx context.Context, v any) ([]byte, bool, error)
	// EncodeWith frames v with the schema selected by s.
	EncodeWith(ctx context.Context, v any, s Subject) ([]byte, error)
}

type compiled struct {
	id     int
	typ    sr.SchemaType
	avro   avro.Schema
	source string
}

// Registry is the schema-registry backed Codec.
type Registry struct {
	log    *slog.Logger
	header sr.ConfluentHeader

	mu     sync.RWMutex
	client *sr.Client
	url    string
	active *compiled
	byID   map[int]*compiled
}

type Option func(*Registry)

func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{log: slog.Default(), byID: make(map[int]*compiled)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Codec = (*Registry)(nil)

// URL returns the registry URL, or "" when uninitialized.
func (r *Registry) URL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.url
}

// ActiveSchemaID returns the id of the active encode schema, or 0.
func (r *Registry) ActiveSchemaID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return 0
	}
	return r.active.id
}

// Init connects to the registry at opts.URL unless it is already the current
// one, then selects the encode schema when opts.Encode is set. The returned
// message describes what happened.
func (r *Registry) Init(ctx context.Context, opts Options) (string, error) {
	message := "Schema registry already initialized"
	if opts.URL != "" && opts.URL != r.URL() {
		clientOpts := []sr.ClientOpt{sr.URLs(opts.URL)}
		if opts.Auth != nil {
			clientOpts = append(clientOpts, sr.BasicAuth(opts.Auth.Username, opts.Auth.Password))
		}
		cl, err := sr.NewClient(clientOpts...)
		if err != nil {
			return "", &Error{Op: "init", Err: err}
		}
		r.mu.Lock()
		r.client = cl
		r.url = opts.URL
		r.active = nil
		r.byID = make(map[int]*compiled)
		r.mu.Unlock()
		message = "Initializing schema registry at " + opts.URL
		r.log.InfoContext(ctx, "schema.registry.init", slog.String("url", opts.URL))
	}
	if opts.Encode != nil {
		if err := r.SetEncodeSchema(ctx, *opts.Encode); err != nil {
			return "", err
		}
	}
	return message, nil
}

// SetEncodeSchema makes the schema selected by s the active encode schema.
func (r *Registry) SetEncodeSchema(ctx context.Context, s Subject) error {
	c, err := r.bySubject(ctx, s)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.active = c
	r.mu.Unlock()
	r.log.InfoContext(ctx, "schema.encode.set",
		slog.String("subject", s.Subject),
		slog.Int("version", s.Version),
		slog.Int("schema_id", c.id),
	)
	return nil
}

func (r *Registry) currentClient() (*sr.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return nil, &Error{Op: "lookup", Err: ErrNotInitialized}
	}
	return r.client, nil
}

func (r *Registry) bySubject(ctx context.Context, s Subject) (*compiled, error) {
	cl, err := r.currentClient()
	if err != nil {
		return nil, err
	}
	version := s.Version
	if version <= 0 {
		version = -1
	}
	ss, err := cl.SchemaByVersion(ctx, s.Subject, version)
	if err != nil {
		return nil, &Error{Op: "lookup " + s.Subject, Err: err}
	}
	return r.compile(ss.ID, ss.Schema)
}

func (r *Registry) byIDLookup(ctx context.Context, id int) (*compiled, error) {
	r.mu.RLock()
	c, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}
	cl, err := r.currentClient()
	if err != nil {
		return nil, err
	}
	s, err := cl.SchemaByID(ctx, id)
	if err != nil {
		return nil, &Error{Op: fmt.Sprintf("lookup id %d", id), Err: err}
	}
	return r.compile(id, s)
}

func (r *Registry) compile(id int, s sr.Schema) (*compiled, error) {
	c := &compiled{id: id, typ: s.Type, source: s.Schema}
	switch s.Type {
	case sr.TypeAvro:
		parsed, err := avro.Parse(s.Schema)
		if err != nil {
			return nil, &Error{Op: fmt.Sprintf("parse schema %d", id), Err: err}
		}
		c.avro = parsed
	case sr.TypeJSON:
	default:
		return nil, &Error{Op: fmt.Sprintf("parse schema %d", id), Err: fmt.Errorf("unsupported schema type %s", s.Type)}
	}
	r.mu.Lock()
	r.byID[id] = c
	r.mu.Unlock()
	return c, nil
}

func (r *Registry) Decode(ctx context.Context, b []byte) (any, bool) {
	if len(b) == 0 {
		return nil, false
	}
	if _, err := r.currentClient(); err != nil {
		return nil, false
	}
	id, rest, err := r.header.DecodeID(b)
	if err != nil {
		return nil, false
	}
	c, err := r.byIDLookup(ctx, id)
	if err != nil {
		r.log.DebugContext(ctx, "schema.decode.skip", slog.Int("schema_id", id), slog.String("err", err.Error()))
		return nil, false
	}
	var out any
	switch c.typ {
	case sr.TypeAvro:
		err = avro.Unmarshal(c.avro, rest, &out)
	case sr.TypeJSON:
		err = json.Unmarshal(rest, &out)
	}
	if err != nil {
		r.log.DebugContext(ctx, "schema.decode.skip", slog.Int("schema_id", id), slog.String("err", err.Error()))
		return nil, false
	}
	return out, true
}

func (r *Registry) Encode(ctx context.Context, v any) ([]byte, bool, error) {
	r.mu.RLock()
	c := r.active
	r.mu.RUnlock()
	if c == nil {
		return nil, false, nil
	}
	b, err := r.encode(c, v)
	return b, true, err
}

func (r *Registry) EncodeWith(ctx context.Context, v any, s Subject) ([]byte, error) {
	c, err := r.bySubject(ctx, s)
	if err != nil {
		return nil, err
	}
	return r.encode(c, v)
}

func (r *Registry) encode(c *compiled, v any) ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	switch c.typ {
	case sr.TypeAvro:
		payload, err = avro.Marshal(c.avro, coerce(c.avro, v))
	case sr.TypeJSON:
		payload, err = json.Marshal(v)
	}
	if err != nil {
		return nil, &Error{Op: fmt.Sprintf("encode with schema %d", c.id), Err: err}
	}
	out, err := r.header.AppendEncode(nil, c.id, nil)
	if err != nil {
		return nil, &Error{Op: "encode header", Err: err}
	}
	return append(out, payload...), nil
}
