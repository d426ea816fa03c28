// Package kafka is the relay's view of the upstream broker: connection
// settings supplied by callers, a streaming group consumer and a one-shot
// producer. Client implements it with franz-go; kafkatest provides an
// in-memory cluster with the same surface.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultConnectionTimeout = time.Second
	MinConnectionTimeout     = time.Second
	MaxConnectionTimeout     = 30 * time.Second

	// DefaultLookback is how far back a consumer group without committed
	// offsets starts reading.
	DefaultLookback = time.Minute

	// ClientID identifies the relay to brokers.
	ClientID = "kafka-relay"
)

// SASL holds caller-supplied authentication settings.
type SASL struct {
	Mechanism string `json:"mechanism" validate:"required,oneof=plain scram-sha-256 scram-sha-512 aws"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`

	// AWS IAM credentials. When empty for the aws mechanism the default AWS
	// credential chain is used.
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
	SessionToken    string `json:"sessionToken,omitempty"`
	AuthorizationID string `json:"authorizationIdentity,omitempty"`
}

// ConnConfig is the broker connection a subscription or produce call uses.
type ConnConfig struct {
	Brokers []string `json:"brokers"`
	SSL     bool     `json:"ssl,omitempty"`
	SASL    *SASL    `json:"sasl,omitempty"`
	// ConnectionTimeout bounds the initial connection only. Zero selects the
	// configured default.
	ConnectionTimeout time.Duration `json:"connectionTimeout,omitempty"`
}

// Header is a record header.
type Header struct {
	Key   string
	Value []byte
}

// Record is a consumed broker record.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
}

// Handler processes one consumed record. Returning an error does not stop
// the consumer.
type Handler func(ctx context.Context, r Record) error

// ConsumerConfig describes a group consumer for a single topic.
type ConsumerConfig struct {
	Conn    ConnConfig
	Topic   string
	GroupID string
	// StartAt, when set, positions the group at the first record produced at
	// or after this instant before it starts consuming. Otherwise committed
	// group offsets are used, falling back to Lookback before now.
	StartAt  time.Time
	Lookback time.Duration
}

// Consumer is a connected streaming consumer.
type Consumer interface {
	// Run delivers records to handle until ctx ends or the consumer is
	// closed. It returns nil on a clean stop.
	Run(ctx context.Context, handle Handler) error
	// Close disconnects the consumer. It is safe to call more than once and
	// concurrently with Run.
	Close()
}

// ProduceRecord is a record to publish.
type ProduceRecord struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers []Header
	// Timestamp overrides the record timestamp when non-zero.
	Timestamp time.Time
}

// RecordMetadata describes where a produced record landed.
type RecordMetadata struct {
	TopicName  string `json:"topicName"`
	Partition  int32  `json:"partition"`
	ErrorCode  int16  `json:"errorCode"`
	BaseOffset string `json:"baseOffset"`
	Timestamp  string `json:"timestamp"`
}

// Connector creates broker clients from caller-supplied connection settings.
type Connector interface {
	// NewConsumer connects a consumer. Connection failures are returned as
	// *Error within the connection timeout.
	NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error)
	// Produce publishes one record and waits for the broker acknowledgement.
	Produce(ctx context.Context, conn ConnConfig, rec ProduceRecord) (RecordMetadata, error)
}

// Error reports a failure caused by the broker or by caller-supplied broker
// settings.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "kafka " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// IsError reports whether err is or wraps an *Error.
func IsError(err error) bool {
	var ke *Error
	return errors.As(err, &ke)
}

// ClampConnectionTimeout resolves the effective connection timeout from the
// requested value and the configured fallback.
func ClampConnectionTimeout(requested, fallback time.Duration) time.Duration {
	d := requested
	if d <= 0 {
		d = fallback
	}
	if d <= 0 {
		d = DefaultConnectionTimeout
	}
	if d < MinConnectionTimeout {
		return MinConnectionTimeout
	}
	if d > MaxConnectionTimeout {
		return MaxConnectionTimeout
	}
	return d
}

// Credentials override usernames and passwords embedded in broker addresses.
type Credentials struct {
	Username string `env:"KAFKA_BROKER_USERNAME"`
	Password string `env:"KAFKA_BROKER_PASSWORD"`
}

// Broker is a parsed broker address.
type Broker struct {
	// Addr is the host:port to dial.
	Addr string
	// Username and Password come from query parameters of the address, after
	// applying Credentials overrides.
	Username string
	Password string
}

// ParseBrokers parses broker addresses such as "host:9092" or
// "kafka://host:9092?username=u&password=p". Query parameters whose name
// contains "username" or "password" are replaced by the matching
// Credentials field when that field is set.
func ParseBrokers(brokers []string, creds Credentials) ([]Broker, error) {
	out := make([]Broker, 0, len(brokers))
	for _, raw := range brokers {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		hostPart, query, _ := strings.Cut(raw, "?")
		if _, rest, ok := strings.Cut(hostPart, "://"); ok {
			hostPart = rest
		}
		hostPart = strings.TrimSuffix(hostPart, "/")
		if hostPart == "" {
			return nil, &Error{Op: "parse brokers", Err: fmt.Errorf("invalid broker address %q", raw)}
		}
		b := Broker{Addr: hostPart}
		if query != "" {
			values, err := url.ParseQuery(query)
			if err != nil {
				return nil, &Error{Op: "parse brokers", Err: fmt.Errorf("invalid broker query %q: %w", raw, err)}
			}
			for k, vs := range values {
				if len(vs) == 0 {
					continue
				}
				lk := strings.ToLower(k)
				switch {
				case strings.Contains(lk, "username"):
					b.Username = firstNonEmpty(creds.Username, vs[0])
				case strings.Contains(lk, "password"):
					b.Password = firstNonEmpty(creds.Password, vs[0])
				}
			}
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, &Error{Op: "parse brokers", Err: errors.New("no brokers provided")}
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
