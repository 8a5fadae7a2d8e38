// Package source feeds external event streams into the pipeline.
package source

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/auditpipe/auditpipe/internal/errors"
	"github.com/auditpipe/auditpipe/internal/logging"
	"github.com/auditpipe/auditpipe/internal/pipeline"
	"github.com/auditpipe/auditpipe/internal/pipeline/config"
	"github.com/auditpipe/auditpipe/internal/pipeline/types"
)

// KafkaSource consumes audit events from a Kafka topic and publishes
// them into the pipeline. When the pipeline pushes back with
// ErrQueueFull or ErrThrottled, the consumer slows down instead of
// spinning; unmarked messages stay on the topic and redeliver later.
type KafkaSource struct {
	cfg   config.KafkaConfig
	svc   *pipeline.Service
	group sarama.ConsumerGroup
	log   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewKafkaSource creates the consumer group.
func NewKafkaSource(cfg config.KafkaConfig, svc *pipeline.Service) (*KafkaSource, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.Group, sc)
	if err != nil {
		return nil, errors.Wrap(err, "create consumer group")
	}

	return &KafkaSource{
		cfg:   cfg,
		svc:   svc,
		group: group,
		log:   logging.Component("kafka").With("topic", cfg.Topic, "group", cfg.Group),
	}, nil
}

// Start begins consuming. Returns ErrRunning if already started.
func (k *KafkaSource) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.running {
		return errors.ErrRunning
	}
	k.running = true

	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel

	k.wg.Add(2)
	go k.consumeLoop(ctx)
	go k.errorLoop(ctx)

	k.log.Info("kafka source started", "brokers", k.cfg.Brokers)
	return nil
}

// Stop cancels consumption and closes the group.
func (k *KafkaSource) Stop() error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	k.running = false
	k.cancel()
	k.mu.Unlock()

	k.wg.Wait()
	return k.group.Close()
}

func (k *KafkaSource) consumeLoop(ctx context.Context) {
	defer k.wg.Done()

	handler := &groupHandler{
		svc: k.svc,
		log: k.log,
		// Uncapped until backpressure kicks in; the limit tightens on
		// pipeline rejections and relaxes on success.
		limiter: rate.NewLimiter(rate.Inf, 1),
	}

	for {
		// Consume exits on every rebalance; loop until canceled.
		if err := k.group.Consume(ctx, []string{k.cfg.Topic}, handler); err != nil {
			k.log.Error("consume session failed", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (k *KafkaSource) errorLoop(ctx context.Context) {
	defer k.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-k.group.Errors():
			if !ok {
				return
			}
			k.log.Warn("consumer group error", "error", err)
		}
	}
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	svc     *pipeline.Service
	log     *slog.Logger
	limiter *rate.Limiter
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim publishes each message into the pipeline. Admission
// rejections pause the claim; the message is not marked, so Kafka
// redelivers it after the next rebalance or restart.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if err := h.limiter.Wait(ctx); err != nil {
				return nil
			}

			var e types.Event
			if err := json.Unmarshal(msg.Value, &e); err != nil {
				h.log.Warn("dropping undecodable message",
					"partition", msg.Partition,
					"offset", msg.Offset,
					"error", err)
				session.MarkMessage(msg, "")
				continue
			}
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			if e.TimestampMs == 0 {
				e.TimestampMs = time.Now().UnixMilli()
			}

			if err := h.svc.Publish(e); err != nil {
				if errors.IsAdmission(err) {
					h.throttleDown()
					// Leave the message unmarked for redelivery.
					time.Sleep(100 * time.Millisecond)
					continue
				}
				h.log.Error("publish failed", "error", err)
				continue
			}

			h.throttleUp()
			session.MarkMessage(msg, "")
		}
	}
}

// throttleDown halves the consume rate, flooring at 10 msg/s.
func (h *groupHandler) throttleDown() {
	limit := h.limiter.Limit()
	if limit == rate.Inf {
		limit = 1000
	}
	if limit > 10 {
		h.limiter.SetLimit(limit / 2)
	}
}

// throttleUp doubles the consume rate, uncapping past 10k msg/s.
func (h *groupHandler) throttleUp() {
	limit := h.limiter.Limit()
	if limit == rate.Inf {
		return
	}
	limit *= 2
	if limit >= 10000 {
		h.limiter.SetLimit(rate.Inf)
		return
	}
	h.limiter.SetLimit(limit)
}
