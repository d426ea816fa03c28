package msglog

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is the normalized form of a broker record stored in a topic log.
// Value is always a string; structured values are stored as their JSON
// serialization.
type Message struct {
	Key       *string            `json:"key"`
	Value     string             `json:"value"`
	Headers   map[string]*string `json:"headers"`
	Timestamp string             `json:"timestamp"`
	Partition int32              `json:"partition"`
	Offset    string             `json:"offset"`
}

// Time parses Timestamp as milliseconds since the epoch.
func (m Message) Time() (time.Time, bool) {
	ms, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// FormatTimestamp renders t the way Message.Timestamp stores it.
func FormatTimestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// NormalizeValue converts a decoded record value into its stored string form.
func NormalizeValue(v any) (string, error) {
	switch vv := v.(type) {
	case nil:
		return "", nil
	case string:
		return vv, nil
	case []byte:
		return string(vv), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("stringify value: %w", err)
	}
	return string(b), nil
}

// storedMessage tolerates entries written with a non-string value.
type storedMessage struct {
	Key       *string             `json:"key"`
	Value     jsoniter.RawMessage `json:"value"`
	Headers   map[string]*string  `json:"headers"`
	Timestamp jsoniter.RawMessage `json:"timestamp"`
	Partition int32               `json:"partition"`
	Offset    jsoniter.RawMessage `json:"offset"`
}

func encode(m Message) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(raw string) (Message, error) {
	var sm storedMessage
	if err := json.Unmarshal([]byte(raw), &sm); err != nil {
		return Message{}, err
	}
	return Message{
		Key:       sm.Key,
		Value:     rawToString(sm.Value),
		Headers:   sm.Headers,
		Timestamp: rawToString(sm.Timestamp),
		Partition: sm.Partition,
		Offset:    rawToString(sm.Offset),
	}, nil
}

func rawToString(raw jsoniter.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
