// Package produce publishes single records on behalf of HTTP callers.
//
// Values arrive as decoded JSON. Before publishing, selected fields can be
// converted to decimals or bytes, the value can be framed with a registry
// schema and individual headers can be encoded with their own schema.
// Values that are not schema-encoded are published as their JSON text.
package produce

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"

	"github.com/ggoodman/kafka-relay-go/apierr"
	"github.com/ggoodman/kafka-relay-go/kafka"
	"github.com/ggoodman/kafka-relay-go/schema"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Conversion types.
const (
	ConvertDecimal = "decimal"
	ConvertBytes   = "bytes"
)

// Conversion converts every field named Key to Type.
type Conversion struct {
	Key  string `json:"key" validate:"required"`
	Type string `json:"type" validate:"required"`
}

// Encode selects registry schemas for the value and for individual headers.
type Encode struct {
	Value   *schema.Subject           `json:"value,omitempty"`
	Headers map[string]schema.Subject `json:"headers,omitempty" validate:"dive"`
}

type Message struct {
	Key     *string        `json:"key,omitempty"`
	Value   any            `json:"value"`
	Headers map[string]any `json:"headers,omitempty"`
}

type Request struct {
	Topic       string
	Conn        kafka.ConnConfig
	Message     Message
	Conversions []Conversion
	Encode      *Encode
}

// Producer prepares and publishes records.
type Producer struct {
	connector kafka.Connector
	codec     schema.Codec
	log       *slog.Logger
}

type Option func(*Producer)

func WithLogger(log *slog.Logger) Option {
	return func(p *Producer) { p.log = log }
}

func New(connector kafka.Connector, codec schema.Codec, opts ...Option) *Producer {
	p := &Producer{connector: connector, codec: codec, log: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Produce publishes req.Message to req.Topic and returns where it landed.
func (p *Producer) Produce(ctx context.Context, req Request) (kafka.RecordMetadata, error) {
	rec, err := p.Prepare(ctx, req)
	if err != nil {
		return kafka.RecordMetadata{}, err
	}
	md, err := p.connector.Produce(ctx, req.Conn, rec)
	if err != nil {
		return kafka.RecordMetadata{}, err
	}
	p.log.DebugContext(ctx, "produce.ok",
		slog.String("topic", md.TopicName),
		slog.Int("partition", int(md.Partition)),
		slog.String("offset", md.BaseOffset),
	)
	return md, nil
}

// Prepare builds the record Produce would publish.
func (p *Producer) Prepare(ctx context.Context, req Request) (kafka.ProduceRecord, error) {
	value := req.Message.Value
	headers := req.Message.Headers
	if len(req.Conversions) > 0 {
		if err := p.convert(ctx, value, req.Conversions); err != nil {
			return kafka.ProduceRecord{}, err
		}
		if err := p.convert(ctx, headers, req.Conversions); err != nil {
			return kafka.ProduceRecord{}, err
		}
	}

	rec := kafka.ProduceRecord{Topic: req.Topic}
	if req.Message.Key != nil && *req.Message.Key != "" {
		rec.Key = []byte(*req.Message.Key)
	}

	var err error
	rec.Value, err = p.encodeValue(ctx, value, req.Encode)
	if err != nil {
		return kafka.ProduceRecord{}, err
	}
	rec.Headers, err = p.encodeHeaders(ctx, headers, req.Encode)
	if err != nil {
		return kafka.ProduceRecord{}, err
	}
	return rec, nil
}

func (p *Producer) encodeValue(ctx context.Context, v any, enc *Encode) ([]byte, error) {
	if enc != nil && enc.Value != nil {
		return p.encodeWith(ctx, v, *enc.Value)
	}
	b, err := json.Marshal(plain(v))
	if err != nil {
		return nil, apierr.BadRequest("cannot serialize message value: %s", err.Error())
	}
	return b, nil
}

func (p *Producer) encodeWith(ctx context.Context, v any, s schema.Subject) ([]byte, error) {
	if p.codec == nil {
		return nil, &schema.Error{Op: "encode", Err: schema.ErrNotInitialized}
	}
	if s.Subject == "" {
		b, ok, err := p.codec.Encode(ctx, v)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &schema.Error{Op: "encode", Err: fmt.Errorf("no encode schema set. Hint: call PUT /registry/encode first")}
		}
		return b, nil
	}
	return p.codec.EncodeWith(ctx, v, s)
}

func (p *Producer) encodeHeaders(ctx context.Context, headers map[string]any, enc *Encode) ([]kafka.Header, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]kafka.Header, 0, len(headers))
	for _, key := range keys {
		v := headers[key]
		if s, ok := headerSubject(enc, key); ok && v != nil {
			b, err := p.encodeWith(ctx, v, s)
			if err != nil {
				return nil, err
			}
			out = append(out, kafka.Header{Key: key, Value: b})
			continue
		}
		b, err := headerBytes(v)
		if err != nil {
			return nil, apierr.BadRequest("cannot serialize header %s: %s", key, err.Error())
		}
		out = append(out, kafka.Header{Key: key, Value: b})
	}
	return out, nil
}

func headerSubject(enc *Encode, key string) (schema.Subject, bool) {
	if enc == nil || enc.Headers == nil {
		return schema.Subject{}, false
	}
	s, ok := enc.Headers[key]
	return s, ok
}

func headerBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	}
	return json.Marshal(plain(v))
}

// convert rewrites, in place, every map entry whose key has a conversion and
// whose value is a scalar. Maps and arrays are walked recursively.
func (p *Producer) convert(ctx context.Context, v any, conversions []Conversion) error {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if err := p.convert(ctx, item, conversions); err != nil {
				return err
			}
		}
	case map[string]any:
		for key, fv := range t {
			switch fv.(type) {
			case map[string]any, []any:
				if err := p.convert(ctx, fv, conversions); err != nil {
					return err
				}
				continue
			}
			c, ok := find(conversions, key)
			if !ok {
				continue
			}
			converted, err := p.convertScalar(ctx, c, fv)
			if err != nil {
				return err
			}
			t[key] = converted
		}
	}
	return nil
}

func find(conversions []Conversion, key string) (Conversion, bool) {
	for _, c := range conversions {
		if c.Key == key {
			return c, true
		}
	}
	return Conversion{}, false
}

func (p *Producer) convertScalar(ctx context.Context, c Conversion, v any) (any, error) {
	switch c.Type {
	case ConvertDecimal:
		switch n := v.(type) {
		case string:
			if r, ok := new(big.Rat).SetString(n); ok {
				return r, nil
			}
			return nil, apierr.BadRequest("cannot convert %s to decimal: %q is not a number", c.Key, n)
		case float64:
			r, _ := new(big.Rat).SetString(strconv.FormatFloat(n, 'f', -1, 64))
			return r, nil
		case jsoniter.Number:
			if r, ok := new(big.Rat).SetString(string(n)); ok {
				return r, nil
			}
		}
		p.log.DebugContext(ctx, "produce.convert.skip", slog.String("key", c.Key), slog.String("type", c.Type))
		return v, nil
	case ConvertBytes:
		s, ok := v.(string)
		if !ok {
			p.log.DebugContext(ctx, "produce.convert.skip", slog.String("key", c.Key), slog.String("type", c.Type))
			return v, nil
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, apierr.BadRequest("cannot convert %s to bytes: %s", c.Key, err.Error())
		}
		return b, nil
	}
	return nil, apierr.BadRequest("Unknown conversion type %s", c.Type)
}

// plain replaces decimals by their shortest exact decimal text so that JSON
// output carries "1.25" rather than a fraction.
func plain(v any) any {
	switch t := v.(type) {
	case *big.Rat:
		return DecimalString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, fv := range t {
			out[k] = plain(fv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = plain(it)
		}
		return out
	}
	return v
}

// DecimalString formats r with as few fractional digits as represent it
// exactly, up to 38 digits.
func DecimalString(r *big.Rat) string {
	if r.IsInt() {
		return r.RatString()
	}
	for prec := 1; prec < 38; prec++ {
		s := r.FloatString(prec)
		if back, ok := new(big.Rat).SetString(s); ok && back.Cmp(r) == 0 {
			return s
		}
	}
	return r.FloatString(38)
}
