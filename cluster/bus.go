package cluster

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/IBM/sarama"
	"github.com/tcriess/lightspeed-muc/globals"
)

// Bus publishes cache entry events to the other cluster nodes and
// dispatches received events to registered listeners.
type Bus interface {
	Publish(event EntryEvent) error
	AddListener(listener EntryListener)
	Close() error
}

// KafkaBus is the kafka-backed event bus. Events are JSON-encoded and
// published keyed by cache name, so all events of one cache land in one
// partition and stay ordered per cache.
type KafkaBus struct {
	node       NodeID
	topic      string
	producer   sarama.SyncProducer
	group      sarama.ConsumerGroup
	membership *Membership

	mu        sync.RWMutex
	listeners map[string][]EntryListener

	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaBus connects the producer and consumer group and starts the
// dispatch loop. Each node uses its node id as consumer group id so every
// node sees every event.
func NewKafkaBus(brokers []string, topic string, node NodeID, membership *Membership) (*KafkaBus, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroup(brokers, "lsmuc-"+string(node), cfg)
	if err != nil {
		producer.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus := &KafkaBus{
		node:       node,
		topic:      topic,
		producer:   producer,
		group:      group,
		membership: membership,
		listeners:  make(map[string][]EntryListener),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go bus.consumeLoop(ctx)
	return bus, nil
}

func (b *KafkaBus) Publish(event EntryEvent) error {
	event.Node = b.node
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(event.Cache),
		Value: sarama.ByteEncoder(value),
	}
	_, _, err = b.producer.SendMessage(msg)
	if err != nil {
		globals.AppLogger.Error("could not publish cache event", "cache", event.Cache, "type", event.Type.String(), "error", err)
	}
	return err
}

func (b *KafkaBus) AddListener(listener EntryListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := listener.CacheName()
	b.listeners[name] = append(b.listeners[name], listener)
}

func (b *KafkaBus) dispatch(event EntryEvent) {
	// events from this node were already applied locally
	if event.Node == b.node {
		return
	}
	b.membership.NodeJoined(event.Node)
	b.mu.RLock()
	listeners := b.listeners[event.Cache]
	b.mu.RUnlock()
	for _, l := range listeners {
		l.HandleEntryEvent(event)
	}
}

func (b *KafkaBus) consumeLoop(ctx context.Context) {
	defer close(b.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := b.group.Consume(ctx, []string{b.topic}, &busConsumer{bus: b}); err != nil {
			if err == sarama.ErrClosedConsumerGroup {
				return
			}
			globals.AppLogger.Error("cache event consume failed, retrying", "error", err)
		}
	}
}

func (b *KafkaBus) Close() error {
	b.cancel()
	<-b.done
	err := b.group.Close()
	if perr := b.producer.Close(); err == nil {
		err = perr
	}
	return err
}

type busConsumer struct {
	bus *KafkaBus
}

func (c *busConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *busConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *busConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		event := EntryEvent{}
		if err := json.Unmarshal(message.Value, &event); err != nil {
			globals.AppLogger.Error("could not decode cache event", "error", err)
			session.MarkMessage(message, "")
			continue
		}
		c.bus.dispatch(event)
		session.MarkMessage(message, "")
	}
	return nil
}
