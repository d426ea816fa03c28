package produce

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"testing"

	"github.com/ggoodman/kafka-relay-go/apierr"
	"github.com/ggoodman/kafka-relay-go/kafka"
	"github.com/ggoodman/kafka-relay-go/kafka/kafkatest"
	"github.com/ggoodman/kafka-relay-go/schema"
	"github.com/stretchr/testify/require"
)

var conn = kafka.ConnConfig{Brokers: []string{"fake:9092"}}

// taggingCodec frames values with the subject name so tests can see which
// schema was used.
type taggingCodec struct {
	active string
	seen   []any
}

func (c *taggingCodec) Decode(ctx context.Context, b []byte) (any, bool) { return nil, false }

func (c *taggingCodec) Encode(ctx context.Context, v any) ([]byte, bool, error) {
	if c.active == "" {
		return nil, false, nil
	}
	c.seen = append(c.seen, v)
	return []byte("<" + c.active + ">"), true, nil
}

func (c *taggingCodec) EncodeWith(ctx context.Context, v any, s schema.Subject) ([]byte, error) {
	if s.Subject == "missing" {
		return nil, &schema.Error{Op: "lookup missing", Err: errors.New("not found")}
	}
	c.seen = append(c.seen, v)
	return []byte("<" + s.Subject + ">"), nil
}

func ptr(s string) *string { return &s }

func TestProducePublishesJSONValue(t *testing.T) {
	cluster := kafkatest.NewCluster()
	p := New(cluster, &taggingCodec{})
	ctx := context.Background()

	md, err := p.Produce(ctx, Request{
		Topic: "orders",
		Conn:  conn,
		Message: Message{
			Key:     ptr("k"),
			Value:   map[string]any{"id": float64(1)},
			Headers: map[string]any{"trace": "abc", "n": float64(2), "none": nil},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "orders", md.TopicName)
	require.Equal(t, "0", md.BaseOffset)

	recs := cluster.Records("orders")
	require.Len(t, recs, 1)
	require.Equal(t, []byte("k"), recs[0].Key)
	require.JSONEq(t, `{"id":1}`, string(recs[0].Value))
	require.Equal(t, []kafka.Header{
		{Key: "n", Value: []byte("2")},
		{Key: "none"},
		{Key: "trace", Value: []byte("abc")},
	}, recs[0].Headers)
}

func TestStringValuesAreJSONEncoded(t *testing.T) {
	p := New(kafkatest.NewCluster(), nil)
	rec, err := p.Prepare(context.Background(), Request{Topic: "t", Message: Message{Value: "hello", Key: ptr("")}})
	require.NoError(t, err)
	require.Equal(t, `"hello"`, string(rec.Value))
	require.Nil(t, rec.Key)
}

func TestConversions(t *testing.T) {
	p := New(kafkatest.NewCluster(), nil)
	value := map[string]any{
		"price": "12.50",
		"ratio": float64(0.1),
		"blob":  "aGVsbG8=",
		"nested": map[string]any{
			"price": float64(3),
		},
		"items": []any{map[string]any{"price": "1.25"}},
		"other": "untouched",
	}
	rec, err := p.Prepare(context.Background(), Request{
		Topic:   "t",
		Message: Message{Value: value},
		Conversions: []Conversion{
			{Key: "price", Type: ConvertDecimal},
			{Key: "ratio", Type: ConvertDecimal},
			{Key: "blob", Type: ConvertBytes},
		},
	})
	require.NoError(t, err)

	require.Equal(t, 0, value["price"].(*big.Rat).Cmp(big.NewRat(25, 2)))
	require.Equal(t, []byte("hello"), value["blob"])
	require.JSONEq(t, `{
		"price":"12.5",
		"ratio":"0.1",
		"blob":"aGVsbG8=",
		"nested":{"price":"3"},
		"items":[{"price":"1.25"}],
		"other":"untouched"
	}`, string(rec.Value))
}

func TestUnknownConversionIsClientError(t *testing.T) {
	p := New(kafkatest.NewCluster(), nil)
	_, err := p.Prepare(context.Background(), Request{
		Topic:       "t",
		Message:     Message{Value: map[string]any{"x": "1"}},
		Conversions: []Conversion{{Key: "x", Type: "uuid"}},
	})
	ce, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, http.StatusBadRequest, ce.Status)
	require.Equal(t, "Unknown conversion type uuid", ce.Message)
}

func TestSchemaEncoding(t *testing.T) {
	codec := &taggingCodec{active: "default"}
	p := New(kafkatest.NewCluster(), codec)
	ctx := context.Background()

	rec, err := p.Prepare(ctx, Request{
		Topic:   "t",
		Message: Message{Value: map[string]any{"a": "b"}, Headers: map[string]any{"h1": map[string]any{"x": "y"}, "h2": "plain"}},
		Encode: &Encode{
			Value:   &schema.Subject{Subject: "orders-value", Version: 2},
			Headers: map[string]schema.Subject{"h1": {Subject: "h1-schema"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "<orders-value>", string(rec.Value))
	require.Equal(t, []kafka.Header{
		{Key: "h1", Value: []byte("<h1-schema>")},
		{Key: "h2", Value: []byte("plain")},
	}, rec.Headers)

	rec, err = p.Prepare(ctx, Request{Topic: "t", Message: Message{Value: "v"}, Encode: &Encode{Value: &schema.Subject{}}})
	require.NoError(t, err)
	require.Equal(t, "<default>", string(rec.Value))

	_, err = p.Prepare(ctx, Request{Topic: "t", Message: Message{Value: "v"}, Encode: &Encode{Value: &schema.Subject{Subject: "missing"}}})
	var se *schema.Error
	require.ErrorAs(t, err, &se)
}

func TestProduceSurfacesBrokerErrors(t *testing.T) {
	cluster := kafkatest.NewCluster()
	cluster.FailConnections(errors.New("no route"))
	p := New(cluster, nil)
	_, err := p.Produce(context.Background(), Request{Topic: "t", Conn: conn, Message: Message{Value: "x"}})
	require.True(t, kafka.IsError(err))
}

func TestDecimalString(t *testing.T) {
	require.Equal(t, "3", DecimalString(big.NewRat(3, 1)))
	require.Equal(t, "-0.75", DecimalString(big.NewRat(-3, 4)))
	require.Equal(t, "12.5", DecimalString(big.NewRat(25, 2)))
}
