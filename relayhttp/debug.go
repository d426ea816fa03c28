package relayhttp

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/ggoodman/kafka-relay-go/msglog"
	"github.com/ggoodman/kafka-relay-go/topics"
)

const (
	previewLength   = 10
	previewMessages = 20
)

type debugSubscription struct {
	Topic              string           `json:"topic"`
	Owner              string           `json:"ownerInstanceId"`
	TimeOfSubscription int64            `json:"timeOfSubscription"`
	Messages           []msglog.Message `json:"messages"`
}

type debugRegistry struct {
	URL            string `json:"url"`
	EncodeSchemaID int    `json:"encodeSchemaId,omitempty"`
}

type debugSnapshot struct {
	InstanceID     string                       `json:"instanceId"`
	SchemaRegistry *debugRegistry               `json:"schemaRegistry,omitempty"`
	Subscriptions  map[string]debugSubscription `json:"subscriptions"`
	Topics         []topics.Status              `json:"topics"`
	Leaders        map[string]string            `json:"leaders"`
	EndpointCalls  map[string]int64             `json:"endpointCalls,omitempty"`
}

func (h *Handler) debugSnapshot(ctx context.Context) (debugSnapshot, error) {
	subs, err := h.deps.Subscriptions.ActiveSubscribers(ctx)
	if err != nil {
		return debugSnapshot{}, err
	}

	snap := debugSnapshot{
		InstanceID:    h.deps.Subscriptions.InstanceID(),
		Subscriptions: make(map[string]debugSubscription, len(subs)),
		Topics:        h.deps.Topics.Snapshot(),
		Leaders:       make(map[string]string),
	}
	if url := h.deps.Registry.URL(); url != "" {
		snap.SchemaRegistry = &debugRegistry{URL: url, EncodeSchemaID: h.deps.Registry.ActiveSchemaID()}
	}
	if h.diag != nil {
		snap.EndpointCalls = h.diag.Calls()
	}

	for id, sub := range subs {
		msgs, err := h.deps.Messages.Since(ctx, sub.Topic, sub.CreatedAt.Truncate(time.Millisecond))
		if err != nil {
			h.log.WarnContext(ctx, "debug.messages.fail", slog.String("topic", sub.Topic), slog.String("err", err.Error()))
		}
		snap.Subscriptions[id] = debugSubscription{
			Topic:              sub.Topic,
			Owner:              sub.Owner,
			TimeOfSubscription: sub.CreatedAt.UnixMilli(),
			Messages:           truncate(msgs),
		}
		snap.Leaders[sub.Topic] = ""
	}
	for _, st := range snap.Topics {
		snap.Leaders[st.Topic] = ""
	}

	leases := h.deps.Topics.Leases()
	names := make([]string, 0, len(snap.Leaders))
	for t := range snap.Leaders {
		names = append(names, t)
	}
	sort.Strings(names)
	for _, t := range names {
		holder, ok, err := leases.Holder(ctx, t)
		if err != nil {
			h.log.WarnContext(ctx, "debug.leader.fail", slog.String("topic", t), slog.String("err", err.Error()))
			delete(snap.Leaders, t)
			continue
		}
		if !ok {
			delete(snap.Leaders, t)
			continue
		}
		snap.Leaders[t] = holder
	}
	return snap, nil
}

// truncate keeps the newest messages with shortened values.
func truncate(msgs []msglog.Message) []msglog.Message {
	if len(msgs) > previewMessages {
		msgs = msgs[len(msgs)-previewMessages:]
	}
	out := make([]msglog.Message, len(msgs))
	for i, m := range msgs {
		if r := []rune(m.Value); len(r) > previewLength {
			m.Value = string(r[:previewLength]) + "..."
		}
		out[i] = m
	}
	return out
}
