// Package notifier publishes change notifications for committed
// mutations to Kafka. Notifications are strictly post-commit, a rolled
// back request never publishes anything.
package notifier

import (
	"context"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/petrodata/petrodb/core"
	"github.com/petrodata/petrodb/core/logger"
)

// KafkaNotifier writes one message per mutation to a single topic. The
// message key is "<resource>.<operation>", so consumers can partition
// or filter by it, the value is the object's outgoing representation.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier returns a notifier publishing to the given brokers
// and topic. Brokers is a comma separated list of host:port pairs.
func NewKafkaNotifier(brokers, topic string) *KafkaNotifier {
	logger.Default().Debugln("kafka notifications enabled:", topic)
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Notify publishes one notification. Errors are logged, not returned,
// the mutation itself has already been committed.
func (n *KafkaNotifier) Notify(resource string, operation core.Operation, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(resource + "." + string(operation)),
		Value: payload,
	})
	if err != nil {
		logger.Default().WithError(err).Errorf("Error 5101: cannot publish %s notification for %s", operation, resource)
	}
}

// Close closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
