package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher emits block envelopes, one message per block. The message id is
// derived from the envelope so JetStream deduplicates republished blocks.
type Publisher struct {
	js jetstream.JetStream
}

func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// Publish sends one envelope on the chain's subject.
func (p *Publisher) Publish(ctx context.Context, env *BlockEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope for block %d: %w", env.Block, err)
	}
	kind := "events"
	if env.Reverted {
		kind = "revert"
	}
	msgID := fmt.Sprintf("%d-%d-%s", env.ChainID, env.Block, kind)
	if _, err := p.js.Publish(ctx, Subject(env.ChainID), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish block %d: %w", env.Block, err)
	}
	return nil
}
