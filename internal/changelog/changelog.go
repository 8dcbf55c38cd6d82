// Package changelog keeps a Kafka log of every base table write.
//
// Each write batch is one record keyed by the table name, so writes to a
// table stay ordered within their partition. Restore replays the log from
// checkpointed offsets up to the end offsets at the time of the call.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/birdayz/kviews/internal/checkpoint"
	"github.com/birdayz/kviews/krow"
	"github.com/birdayz/kviews/kserde"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	DefaultTopic      = "kviews-changelog"
	DefaultPartitions = 1
)

var ErrClosed = errors.New("changelog: closed")

type Config struct {
	Brokers    []string
	Topic      string
	Partitions int32

	// ReplicationFactor defaults to the broker default.
	ReplicationFactor int16
	Log               *slog.Logger
}

// Entry is one write batch read back from the log.
type Entry struct {
	Table     string
	Records   krow.Records
	Partition int32
	Offset    int64
}

// Log appends write batches to a changelog topic.
type Log struct {
	client     *kgo.Client
	admin      *kadm.Client
	brokers    []string
	topic      string
	partitions int32
	log        *slog.Logger
}

// Open connects to the brokers and creates the topic when it does not exist.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("changelog: no brokers")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = DefaultPartitions
	}
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = -1
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.DiscardHandler)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("changelog: create client: %w", err)
	}
	l := &Log{
		client:     client,
		admin:      kadm.NewClient(client),
		brokers:    cfg.Brokers,
		topic:      cfg.Topic,
		partitions: cfg.Partitions,
		log:        cfg.Log.With("component", "changelog", "topic", cfg.Topic),
	}
	if err := l.ensureTopic(ctx, cfg.ReplicationFactor); err != nil {
		client.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) ensureTopic(ctx context.Context, replication int16) error {
	resp, err := l.admin.CreateTopics(ctx, l.partitions, replication, nil, l.topic)
	if err != nil {
		return fmt.Errorf("changelog: create topic: %w", err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("changelog: create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (l *Log) Topic() string { return l.topic }

// Append writes records for table and returns once the brokers acknowledged
// them.
func (l *Log) Append(ctx context.Context, table string, records krow.Records) (checkpoint.Partition, int64, error) {
	value, err := kserde.Records.Serializer(records)
	if err != nil {
		return checkpoint.Partition{}, 0, fmt.Errorf("changelog: encode %s: %w", table, err)
	}
	rec, err := l.client.ProduceSync(ctx, &kgo.Record{Key: []byte(table), Value: value}).First()
	if err != nil {
		return checkpoint.Partition{}, 0, fmt.Errorf("changelog: produce %s: %w", table, err)
	}
	return checkpoint.Partition{Topic: rec.Topic, Partition: rec.Partition}, rec.Offset, nil
}

// Restore calls apply for every entry between from and the current end of
// the log, in offset order per partition. It returns the next offsets.
func (l *Log) Restore(ctx context.Context, from checkpoint.Offsets, apply func(Entry) error) (checkpoint.Offsets, error) {
	ends, err := l.admin.ListEndOffsets(ctx, l.topic)
	if err != nil {
		return nil, fmt.Errorf("changelog: list end offsets: %w", err)
	}

	next := make(checkpoint.Offsets)
	consume := make(map[int32]kgo.Offset)
	remaining := 0
	var listErr error
	ends.Each(func(o kadm.ListedOffset) {
		if o.Err != nil {
			listErr = errors.Join(listErr, fmt.Errorf("partition %d: %w", o.Partition, o.Err))
			return
		}
		p := checkpoint.Partition{Topic: l.topic, Partition: o.Partition}
		start := from.Next(p)
		next[p] = start
		if start < o.Offset {
			consume[o.Partition] = kgo.NewOffset().At(start)
			remaining++
		}
	})
	if listErr != nil {
		return nil, fmt.Errorf("changelog: list end offsets: %w", listErr)
	}
	if remaining == 0 {
		l.log.Info("Changelog up to date", "partitions", len(next))
		return next, nil
	}

	reader, err := kgo.NewClient(
		kgo.SeedBrokers(l.brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{l.topic: consume}),
		kgo.FetchMaxWait(200*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("changelog: create restore client: %w", err)
	}
	defer reader.Close()

	l.log.Info("Restoring changelog", "partitions", remaining)
	restored := 0
	for remaining > 0 {
		fetches := reader.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var fetchErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			fetchErr = errors.Join(fetchErr, fmt.Errorf("%s/%d: %w", topic, partition, err))
		})
		if fetchErr != nil {
			return nil, fmt.Errorf("changelog: fetch: %w", fetchErr)
		}

		var applyErr error
		fetches.EachRecord(func(r *kgo.Record) {
			if applyErr != nil {
				return
			}
			p := checkpoint.Partition{Topic: r.Topic, Partition: r.Partition}
			end := ends[r.Topic][r.Partition].Offset
			if r.Offset >= end || r.Offset < next[p] {
				return
			}
			records, err := kserde.Records.Deserializer(r.Value)
			if err != nil {
				applyErr = fmt.Errorf("changelog: decode %s@%d: %w", p, r.Offset, err)
				return
			}
			if err := apply(Entry{Table: string(r.Key), Records: records, Partition: r.Partition, Offset: r.Offset}); err != nil {
				applyErr = err
				return
			}
			restored++
			next[p] = r.Offset + 1
			if next[p] == end {
				remaining--
			}
		})
		if applyErr != nil {
			return nil, applyErr
		}
	}
	l.log.Info("Restored changelog", "records", restored)
	return next, nil
}

func (l *Log) Close() {
	l.client.Close()
}
