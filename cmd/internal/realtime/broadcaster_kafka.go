package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	kafkaWriteTimeout = 5 * time.Second
	kafkaRetryBackoff = 500 * time.Millisecond
)

// KafkaConfig configures a KafkaBroadcaster.
type KafkaConfig struct {
	Brokers []string
	// Topic defaults to FanoutTopic. It is created with broker defaults when
	// missing.
	Topic string
	// Node labels this process in logs.
	Node string
}

// KafkaBroadcaster publishes deliveries to a Kafka topic. Messages are keyed by
// sender, so one sender's deliveries share a partition and stay ordered.
//
// Each Subscribe reads every partition directly, without a consumer group,
// starting at the end offsets it resolved before returning. Partitions added
// to the topic later are not read until the next Subscribe.
type KafkaBroadcaster struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	client *kafka.Client
	log    *slog.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
}

// NewKafkaBroadcaster constructs the writer. Readers are created per Subscribe.
func NewKafkaBroadcaster(cfg KafkaConfig, log *slog.Logger) (*KafkaBroadcaster, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("realtime: kafka brokers required")
	}
	if cfg.Node == "" {
		return nil, errors.New("realtime: kafka node id required")
	}
	if cfg.Topic == "" {
		cfg.Topic = FanoutTopic
	}
	if log == nil {
		log = slog.Default()
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	cl := &kafka.Client{Addr: kafka.TCP(cfg.Brokers...), Timeout: kafkaWriteTimeout}
	return &KafkaBroadcaster{cfg: cfg, writer: w, client: cl, log: log}, nil
}

var _ Broadcaster = (*KafkaBroadcaster)(nil)

// Publish writes d as one message.
func (b *KafkaBroadcaster) Publish(ctx context.Context, d Delivery) error {
	if b.isClosed() {
		return ErrBroadcasterClosed
	}
	payload, err := encodeDelivery(d)
	if err != nil {
		return err
	}
	key := d.SenderID
	if key == "" {
		key = d.ID
	}

	writeCtx, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()
	return b.writer.WriteMessages(writeCtx, kafka.Message{Key: []byte(key), Value: payload})
}

// Subscribe resolves the current end offset of every partition and returns
// once a reader is positioned at each, so anything published afterwards is
// delivered. h is never called concurrently.
func (b *KafkaBroadcaster) Subscribe(ctx context.Context, h func(Delivery)) error {
	if b.isClosed() {
		return ErrBroadcasterClosed
	}
	offsets, err := b.endOffsets(ctx)
	if err != nil {
		return fmt.Errorf("realtime: kafka offsets: %w", err)
	}

	readers := make([]*kafka.Reader, 0, len(offsets))
	for partition, offset := range offsets {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   b.cfg.Brokers,
			Topic:     b.cfg.Topic,
			Partition: partition,
			MinBytes:  1,
			MaxBytes:  10e6,
			MaxWait:   250 * time.Millisecond,
		})
		if err := r.SetOffset(offset); err != nil {
			_ = r.Close()
			for _, open := range readers {
				_ = open.Close()
			}
			return fmt.Errorf("realtime: kafka partition %d: %w", partition, err)
		}
		readers = append(readers, r)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		for _, r := range readers {
			_ = r.Close()
		}
		return ErrBroadcasterClosed
	}
	b.readers = append(b.readers, readers...)
	b.mu.Unlock()

	b.log.Info("fanout.kafka.subscribe", "topic", b.cfg.Topic, "node", b.cfg.Node, "partitions", len(readers))

	var serial sync.Mutex
	for _, r := range readers {
		go b.consume(ctx, r, func(d Delivery) {
			serial.Lock()
			defer serial.Unlock()
			h(d)
		})
	}
	return nil
}

func (b *KafkaBroadcaster) consume(ctx context.Context, r *kafka.Reader, h func(Delivery)) {
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || b.isClosed() {
				return
			}
			b.log.Warn("fanout.kafka.read.fail", "partition", r.Config().Partition, "err", err)
			sleepCtx(ctx, kafkaRetryBackoff)
			continue
		}
		d, err := decodeDelivery(m.Value)
		if err != nil {
			b.log.Warn("fanout.kafka.decode.fail", "partition", m.Partition, "offset", m.Offset, "err", err)
			continue
		}
		h(d)
	}
}

// endOffsets maps each partition of the topic to its next offset, creating the
// topic when the cluster does not know it yet.
func (b *KafkaBroadcaster) endOffsets(ctx context.Context) (map[int]int64, error) {
	partitions, err := b.partitions(ctx)
	if err != nil {
		return nil, err
	}
	reqs := make([]kafka.OffsetRequest, 0, len(partitions))
	for _, p := range partitions {
		reqs = append(reqs, kafka.LastOffsetOf(p))
	}
	res, err := b.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{b.cfg.Topic: reqs},
	})
	if err != nil {
		return nil, err
	}
	out := make(map[int]int64, len(partitions))
	for _, po := range res.Topics[b.cfg.Topic] {
		if po.Error != nil {
			return nil, fmt.Errorf("partition %d: %w", po.Partition, po.Error)
		}
		out[po.Partition] = po.LastOffset
	}
	if len(out) != len(partitions) {
		return nil, fmt.Errorf("offsets for %d of %d partitions", len(out), len(partitions))
	}
	return out, nil
}

// partitions lists the topic's partition ids once every partition has a leader.
func (b *KafkaBroadcaster) partitions(ctx context.Context) ([]int, error) {
	created := false
	for {
		md, err := b.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{b.cfg.Topic}})
		if err != nil {
			return nil, err
		}
		var topicErr error = kafka.UnknownTopicOrPartition
		var ids []int
		ready := true
		for _, t := range md.Topics {
			if t.Name != b.cfg.Topic {
				continue
			}
			topicErr = t.Error
			for _, p := range t.Partitions {
				if p.Error != nil || p.Leader.Host == "" {
					ready = false
				}
				ids = append(ids, p.ID)
			}
		}

		switch {
		case errors.Is(topicErr, kafka.UnknownTopicOrPartition) && !created:
			if err := b.createTopic(ctx); err != nil {
				return nil, err
			}
			created = true
		case errors.Is(topicErr, kafka.UnknownTopicOrPartition), errors.Is(topicErr, kafka.LeaderNotAvailable):
		case topicErr != nil:
			return nil, topicErr
		case ready && len(ids) > 0:
			return ids, nil
		}

		sleepCtx(ctx, kafkaRetryBackoff)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (b *KafkaBroadcaster) createTopic(ctx context.Context) error {
	res, err := b.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{Topic: b.cfg.Topic, NumPartitions: -1, ReplicationFactor: -1}},
	})
	if err != nil {
		return fmt.Errorf("create topic: %w", err)
	}
	if err := res.Errors[b.cfg.Topic]; err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic: %w", err)
	}
	b.log.Info("fanout.kafka.topic_created", "topic", b.cfg.Topic)
	return nil
}

// Close closes the writer and every reader.
func (b *KafkaBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	errs := []error{b.writer.Close()}
	for _, r := range b.readers {
		errs = append(errs, r.Close())
	}
	b.readers = nil
	return errors.Join(errs...)
}

func (b *KafkaBroadcaster) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
