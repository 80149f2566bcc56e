package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/okian/verdict/internal/domain/automation"
	"github.com/okian/verdict/pkg/logger"
	"github.com/okian/verdict/pkg/metrics"
)

// KafkaConfig describes the topic automation events are consumed from.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration
}

// messageReader is the subset of *kafka.Reader the source needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes automation events from a Kafka topic.
// Offsets are committed after the event was handed to the ingress, so a
// crash redelivers and the ingress dedupe drops the repeat.
type KafkaSource struct {
	cfg     KafkaConfig
	reader  messageReader
	ingress *Ingress
	log     logger.Logger
}

// NewKafkaSource builds a consumer group reader for cfg.
func NewKafkaSource(cfg KafkaConfig, ingress *Ingress, l logger.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("topic must not be empty")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("consumer group must not be empty")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newKafkaSource(cfg, reader, ingress, l), nil
}

func newKafkaSource(cfg KafkaConfig, reader messageReader, ingress *Ingress, l logger.Logger) *KafkaSource {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if l == nil {
		l = logger.Get().Named("kafka_source")
	}
	return &KafkaSource{cfg: cfg, reader: reader, ingress: ingress, log: l}
}

// Run consumes until ctx ends or the reader is closed.
func (s *KafkaSource) Run(ctx context.Context) error {
	s.log.Info(ctx, "kafka source started",
		logger.String("topic", s.cfg.Topic),
		logger.String("group", s.cfg.GroupID),
		logger.String("brokers", strings.Join(s.cfg.Brokers, ",")))
	defer s.log.Info(ctx, "kafka source stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
		msg, err := s.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, context.Canceled):
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, kafka.ErrGroupClosed):
				return nil
			}
			metrics.RecordIntegrationCall("kafka", "failure")
			s.log.Error(ctx, "kafka fetch failed", logger.Error(err))
			continue
		}
		metrics.RecordIntegrationCall("kafka", "success")

		s.handle(ctx, msg)

		commitCtx, commitCancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
		if err := s.reader.CommitMessages(commitCtx, msg); err != nil {
			if !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
				s.log.Error(ctx, "kafka commit failed", logger.Error(err))
			}
		}
		commitCancel()
	}
}

func (s *KafkaSource) handle(ctx context.Context, msg kafka.Message) {
	ev, err := decodeEvent(msg)
	if err != nil {
		s.log.Warn(ctx, "undecodable event skipped", logger.Int64("offset", msg.Offset), logger.Error(err))
		return
	}
	if _, err := s.ingress.Accept(ctx, ev); err != nil {
		s.log.Warn(ctx, "event rejected", logger.Int64("offset", msg.Offset), logger.Error(err))
	}
}

// decodeEvent reads a JSON event. The message key stands in for a missing
// eventId.
func decodeEvent(msg kafka.Message) (automation.Event, error) {
	var ev automation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return automation.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.ID == "" && len(msg.Key) > 0 {
		ev.ID = string(msg.Key)
	}
	return ev, nil
}

// Close closes the reader.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
