// Package kafka publishes dissections to a Kafka topic.
// Each frame becomes one JSON message keyed by its TCP stream, with the
// frame labels carried as message headers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/core"
)

const (
	defaultBatchSize   = 100
	defaultMaxAttempts = 3
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink writes one message per dissection.
type Sink struct {
	ctx        context.Context
	writer     messageWriter
	topic      string
	dcerpcOnly bool

	published uint64
	skipped   uint64
}

// NewSink creates a sink for cfg. Writes use ctx.
func NewSink(ctx context.Context, cfg config.KafkaConfig) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires brokers")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink requires a topic")
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	wc := kafka.WriterConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		Balancer:         &kafka.Hash{}, // Frames of one stream stay in order on one partition
		BatchSize:        cfg.BatchSize,
		BatchTimeout:     cfg.BatchTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		CompressionCodec: codec,
	}
	if wc.BatchSize <= 0 {
		wc.BatchSize = defaultBatchSize
	}
	if wc.MaxAttempts <= 0 {
		wc.MaxAttempts = defaultMaxAttempts
	}

	slog.Info("kafka sink started",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", wc.BatchSize,
		"batch_timeout", cfg.BatchTimeout,
		"compression", cfg.Compression,
	)
	return newSink(ctx, kafka.NewWriter(wc), cfg), nil
}

func newSink(ctx context.Context, w messageWriter, cfg config.KafkaConfig) *Sink {
	return &Sink{ctx: ctx, writer: w, topic: cfg.Topic, dcerpcOnly: cfg.DCERPCOnly}
}

func compressionCodec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none", "":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	case "zstd":
		return compress.Zstd.Codec(), nil
	}
	return nil, fmt.Errorf("invalid compression type: %s", name)
}

func (s *Sink) Write(d *core.Dissection) error {
	if s.dcerpcOnly && d.Labels[core.LabelDCERPCPacketType] == "" {
		s.skipped++
		return nil
	}
	msg, err := message(d)
	if err != nil {
		return fmt.Errorf("serialize frame %d failed: %w", d.Frame, err)
	}
	if err := s.writer.WriteMessages(s.ctx, msg); err != nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	s.published++
	return nil
}

// message renders d. Frames without a TCP stream are keyed by frame number.
func message(d *core.Dissection) (kafka.Message, error) {
	value, err := json.Marshal(d)
	if err != nil {
		return kafka.Message{}, err
	}
	key := "frame-" + strconv.FormatUint(uint64(d.Frame), 10)
	if st, ok := d.Labels[core.LabelTCPStream]; ok {
		key = "tcp-" + st
	}
	msg := kafka.Message{Key: []byte(key), Value: value, Time: d.Timestamp}
	if len(d.Labels) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(d.Labels))
		for k, v := range d.Labels {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	return msg, nil
}

// Close flushes pending messages.
func (s *Sink) Close() error {
	err := s.writer.Close()
	if err != nil {
		slog.Error("error closing kafka writer", "error", err)
	}
	slog.Info("kafka sink stopped", "topic", s.topic, "published", s.published, "skipped", s.skipped)
	return err
}
