package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"liquiditySync/internal/model"
	"liquiditySync/internal/storage"
)

// Connect dials NATS with unlimited reconnects and returns a JetStream handle.
func Connect(url string, logger *zap.Logger) (*nats.Conn, jetstream.JetStream, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates or updates the liquidity event stream. Calling it on
// every startup is idempotent.
func EnsureStream(ctx context.Context, js jetstream.JetStream, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectRoot + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// Engine is the slice of the replay engine the consumer drives.
type Engine interface {
	IsRegistered(id model.PoolID) bool
	SetFeedHead(block uint64)
	HandleRevert(ctx context.Context, id model.PoolID, fromBlock uint64) error
}

// ConsumerConfig tunes the durable envelope consumer.
type ConsumerConfig struct {
	ChainID    uint64
	Durable    string
	AckWait    time.Duration
	MaxDeliver int
}

// Consumer pulls block envelopes off JetStream, stores their events and
// advances the replay engine's feed head. Revert envelopes are routed to the
// engine instead of the ledger.
type Consumer struct {
	cfg     ConsumerConfig
	ledger  storage.EventLedger
	engine  Engine
	logger  *zap.Logger
	consume jetstream.ConsumeContext
}

// NewConsumer wires a consumer to its ledger and engine. A nil logger
// disables logging.
func NewConsumer(cfg ConsumerConfig, ledger storage.EventLedger, engine Engine, logger *zap.Logger) (*Consumer, error) {
	if cfg.ChainID == 0 {
		return nil, errors.New("feed: chain id is required")
	}
	if ledger == nil {
		return nil, errors.New("feed: event ledger is required")
	}
	if engine == nil {
		return nil, errors.New("feed: replay engine is required")
	}
	if cfg.Durable == "" {
		cfg.Durable = "liquidity-sync"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{cfg: cfg, ledger: ledger, engine: engine, logger: logger}, nil
}

// Start creates the durable consumer and begins processing. An envelope is
// acked only after its events are stored; failures nak for redelivery.
func (c *Consumer) Start(ctx context.Context, js jetstream.JetStream) error {
	consumer, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       c.cfg.Durable,
		FilterSubject: Subject(c.cfg.ChainID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", c.cfg.Durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var env BlockEnvelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			c.logger.Warn("undecodable envelope", zap.Error(err))
			msg.Nak()
			return
		}
		if err := c.Process(ctx, &env); err != nil {
			c.logger.Warn("envelope rejected",
				zap.Uint64("block", env.Block),
				zap.Error(err))
			msg.Nak()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Durable, err)
	}
	c.consume = cc
	c.logger.Info("feed consumer started",
		zap.String("subject", Subject(c.cfg.ChainID)),
		zap.String("durable", c.cfg.Durable))
	return nil
}

// Stop halts message delivery. In-flight unacked envelopes redeliver later.
func (c *Consumer) Stop() {
	if c.consume != nil {
		c.consume.Stop()
	}
}

// Process validates and lands one envelope. Reprocessing a delivered envelope
// is harmless: appends are idempotent and the feed head only advances.
func (c *Consumer) Process(ctx context.Context, env *BlockEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if env.ChainID != c.cfg.ChainID {
		return fmt.Errorf("envelope for chain %d on a chain %d consumer", env.ChainID, c.cfg.ChainID)
	}

	if env.Reverted {
		for _, id := range env.Pools() {
			if !c.engine.IsRegistered(id) {
				continue
			}
			if err := c.engine.HandleRevert(ctx, id, env.Block); err != nil {
				return fmt.Errorf("revert pool %s at block %d: %w", id, env.Block, err)
			}
		}
		c.logger.Warn("block reverted",
			zap.Uint64("block", env.Block),
			zap.Int("pools", len(env.Pools())))
		return nil
	}

	// Events for pools outside the configured universe are dropped here, not
	// stored and filtered later.
	events := make([]*model.LiquidityEvent, 0, len(env.Events))
	for _, ev := range env.Events {
		if c.engine.IsRegistered(ev.PoolID) {
			events = append(events, ev)
		}
	}
	if len(events) > 0 {
		stored, err := c.ledger.AppendBatch(ctx, events)
		if err != nil {
			return fmt.Errorf("append block %d: %w", env.Block, err)
		}
		c.logger.Debug("block landed",
			zap.Uint64("block", env.Block),
			zap.Int("events", len(events)),
			zap.Int("stored", stored))
	}
	c.engine.SetFeedHead(env.Block)
	return nil
}
