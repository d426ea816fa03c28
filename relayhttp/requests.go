package relayhttp

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/kafka-relay-go/apierr"
	"github.com/ggoodman/kafka-relay-go/consume"
	"github.com/ggoodman/kafka-relay-go/kafka"
	"github.com/ggoodman/kafka-relay-go/produce"
	"github.com/ggoodman/kafka-relay-go/schema"
	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

// Connection is the broker connection part of subscribe and produce bodies.
type Connection struct {
	Brokers []string    `json:"brokers" validate:"required,min=1,dive,required" jsonschema:"minItems=1" jsonschema_description:"Broker addresses such as host:9092 or kafka://host:9092?username=u&password=p"`
	SASL    *kafka.SASL `json:"sasl,omitempty"`
	SSL     bool        `json:"ssl,omitempty"`
	// ConnectionTimeout is in milliseconds.
	ConnectionTimeout int `json:"connectionTimeout,omitempty" validate:"gte=0" jsonschema_description:"Broker connection timeout in milliseconds (clamped to 1000..30000)"`
}

func (c Connection) config() kafka.ConnConfig {
	cc := kafka.ConnConfig{Brokers: c.Brokers, SSL: c.SSL, SASL: c.SASL}
	if c.ConnectionTimeout > 0 {
		cc.ConnectionTimeout = kafka.ClampConnectionTimeout(time.Duration(c.ConnectionTimeout)*time.Millisecond, 0)
	}
	return cc
}

type SubscribeRequest struct {
	Connection
	Topic string `json:"topic" validate:"required"`
	// Timestamp, in milliseconds since the epoch, starts a topic that is not
	// yet consumed from that instant.
	Timestamp int64 `json:"timestamp,omitempty" validate:"gte=0" jsonschema_description:"Start consuming from this instant (ms since epoch) when the topic is not consumed yet"`
}

type EncodeSubject struct {
	Subject string `json:"subject,omitempty" jsonschema_description:"Subject to encode with; empty selects the active encode schema"`
	Version int    `json:"version,omitempty" validate:"gte=0"`
}

type ProduceEncode struct {
	Value   *EncodeSubject            `json:"value,omitempty"`
	Headers map[string]schema.Subject `json:"headers,omitempty" validate:"dive"`
}

type ProduceRequest struct {
	Connection
	Topic       string               `json:"topic" validate:"required"`
	Message     *produce.Message     `json:"message" validate:"required"`
	Conversions []produce.Conversion `json:"conversions,omitempty" validate:"dive"`
	Encode      *ProduceEncode       `json:"encode,omitempty"`
}

func (r ProduceRequest) request() produce.Request {
	req := produce.Request{
		Topic:       r.Topic,
		Conn:        r.config(),
		Message:     *r.Message,
		Conversions: r.Conversions,
	}
	if r.Encode != nil {
		req.Encode = &produce.Encode{Headers: r.Encode.Headers}
		if v := r.Encode.Value; v != nil {
			req.Encode.Value = &schema.Subject{Subject: v.Subject, Version: v.Version}
		}
	}
	return req
}

// consumeQuery holds the parsed query of GET /consume/{id}.
type consumeQuery struct {
	ID           string `validate:"uuid"`
	Filter       string
	HeaderFilter string
	Multiple     int    `validate:"gte=1,lte=10"`
	Text         string `validate:"omitempty,oneof=true false TRUE FALSE True False 1 0"`
	Timeout      int    `validate:"gte=5,lte=25"`
}

var consumeMessages = map[string]string{
	"ID":       "id: Should be a UUID",
	"Multiple": "multiple: Should be an integer between 1 and 10",
	"Text":     "text: Should be a boolean (true/false)",
	"Timeout":  "timeout: Should be an integer between 5 and 25",
}

func parseConsumeQuery(r *http.Request) (consumeQuery, error) {
	q := r.URL.Query()
	cq := consumeQuery{
		ID:           r.PathValue("id"),
		Filter:       q.Get("filter"),
		HeaderFilter: q.Get("headerFilter"),
		Multiple:     consume.DefaultMultiple,
		Text:         q.Get("text"),
		Timeout:      int(consume.DefaultTimeout / time.Second),
	}
	for _, p := range []struct {
		name  string
		field string
		dst   *int
	}{
		{"multiple", "Multiple", &cq.Multiple},
		{"timeout", "Timeout", &cq.Timeout},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return consumeQuery{}, apierr.BadRequest("%s", consumeMessages[p.field])
		}
		*p.dst = n
	}

	if err := validate.Struct(cq); err != nil {
		if ves, ok := err.(validator.ValidationErrors); ok && len(ves) > 0 {
			msgs := make([]string, 0, len(ves))
			for _, fe := range ves {
				msgs = append(msgs, consumeMessages[fe.StructField()])
			}
			return consumeQuery{}, apierr.BadRequest("%s", strings.Join(msgs, "; "))
		}
		return consumeQuery{}, err
	}
	return cq, nil
}

func (cq consumeQuery) options() consume.Options {
	return consume.Options{
		Filter:       cq.Filter,
		HeaderFilter: cq.HeaderFilter,
		Multiple:     cq.Multiple,
		Text:         consume.IsTruthy(cq.Text),
		Timeout:      time.Duration(cq.Timeout) * time.Second,
	}
}

// bodySchemas are the JSON schemas served by GET /schemas/{name}.
var bodySchemas = sync.OnceValue(func() map[string]*jsonschema.Schema {
	return map[string]*jsonschema.Schema{
		"subscribe": reflectSchema[SubscribeRequest](),
		"produce":   reflectSchema[ProduceRequest](),
		"registry":  reflectSchema[schema.Options](),
		"encode":    reflectSchema[schema.Subject](),
	}
})

func reflectSchema[T any]() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return r.Reflect(new(T))
}
