package kafka

import "github.com/twmb/franz-go/pkg/kgo"

// LegacyPartitioner places produced records the way the Java client's and
// KafkaJS's legacy partitioners do: keyed records by the murmur2 hash of the
// key, unkeyed records round robin.
func LegacyPartitioner() kgo.Partitioner {
	return kgo.BasicConsistentPartitioner(func(topic string) func(*kgo.Record, int) int {
		keyed := kgo.StickyKeyPartitioner(nil).ForTopic(topic)
		next := 0
		return func(r *kgo.Record, n int) int {
			if r.Key != nil {
				return keyed.Partition(r, n)
			}
			p := next % n
			next++
			return p
		}
	})
}

// KeyPartition is the partition LegacyPartitioner picks for key among n
// partitions.
func KeyPartition(key []byte, n int) int32 {
	if n <= 1 {
		return 0
	}
	keyed := kgo.StickyKeyPartitioner(nil).ForTopic("")
	return int32(keyed.Partition(&kgo.Record{Key: key}, n))
}
