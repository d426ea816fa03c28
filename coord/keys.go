package coord

import "strings"

// DefaultPrefix is used when a Keyspace is built with an empty prefix.
const DefaultPrefix = "kafka-relay"

// Keyspace derives every key and channel name the relay uses from a single
// prefix so that several deployments can share one store.
type Keyspace struct {
	Prefix string
}

func NewKeyspace(prefix string) Keyspace {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keyspace{Prefix: prefix}
}

// Subscriber is the record key of a subscription owned by an instance.
func (k Keyspace) Subscriber(instanceID, subscriptionID string) string {
	return k.Prefix + ":" + instanceID + ":subscribers:" + subscriptionID
}

// SubscribersOf matches every subscription record owned by instanceID.
func (k Keyspace) SubscribersOf(instanceID string) string {
	return k.Prefix + ":" + instanceID + ":subscribers:*"
}

// AllSubscribers matches subscription records of every instance.
func (k Keyspace) AllSubscribers() string {
	return k.Prefix + ":*:subscribers:*"
}

// SubscriberByID matches the record of subscriptionID whatever its owner.
func (k Keyspace) SubscriberByID(subscriptionID string) string {
	return k.Prefix + ":*:subscribers:" + subscriptionID
}

// ParseSubscriber splits a subscriber record key into its owner and id.
func (k Keyspace) ParseSubscriber(key string) (instanceID, subscriptionID string, ok bool) {
	rest, found := strings.CutPrefix(key, k.Prefix+":")
	if !found {
		return "", "", false
	}
	instanceID, subscriptionID, found = strings.Cut(rest, ":subscribers:")
	if !found || instanceID == "" || subscriptionID == "" {
		return "", "", false
	}
	return instanceID, subscriptionID, true
}

func (k Keyspace) TopicMessages(topic string) string {
	return k.Prefix + ":topics:" + topic + ":messages"
}

func (k Keyspace) TopicLeader(topic string) string {
	return k.Prefix + ":topics:" + topic + ":leader"
}

// Instances is the sorted set of live relay instances scored by heartbeat.
func (k Keyspace) Instances() string { return k.Prefix + ":instances" }

// SubscriberDeleteChannel carries ids of subscriptions to tear down.
func (k Keyspace) SubscriberDeleteChannel() string { return k.Prefix + ":subscribers:delete" }

// InstanceShutdownChannel carries takeover announcements.
func (k Keyspace) InstanceShutdownChannel() string { return k.Prefix + ":instances:shutdown" }
