// Package broker relays room broadcasts between gateway instances over
// NATS JetStream. A session connected to one instance still receives
// broadcasts originated on another; the bridge is optional and a single
// instance runs fine without it.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

var (
	StreamName   = "GATEWAY_RELAY"
	SubjectRooms = StreamName + "." + "rooms"
)

// Envelope is one relayed room broadcast. Origin identifies the
// publishing instance so consumers can skip their own traffic.
type Envelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// Bridge publishes local room broadcasts and feeds remote ones back
// into the local registry.
type Bridge struct {
	js     jetstream.JetStream
	origin string
}

func New(js jetstream.JetStream) *Bridge {
	return &Bridge{js: js, origin: uuid.NewString()}
}

// Publish relays one room broadcast to the other gateway instances.
func (b *Bridge) Publish(ctx context.Context, room, event string, data any) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("could not encode broadcast payload: %w", err)
	}

	env, err := json.Marshal(Envelope{
		Origin: b.origin,
		Room:   room,
		Event:  event,
		Data:   raw,
	})
	if err != nil {
		return fmt.Errorf("could not encode relay envelope: %w", err)
	}

	_, err = b.js.Publish(ctx,
		SubjectRooms,
		env,
		jetstream.WithMsgID(uuid.NewString()),
	)
	if err != nil {
		return fmt.Errorf("failed to publish to stream [%s]: %w", SubjectRooms, err)
	}

	return nil
}

// Subscribe consumes relay envelopes and hands remote broadcasts to
// deliver. Envelopes published by this bridge are dropped.
func (b *Bridge) Subscribe(ctx context.Context, stream jetstream.Stream, deliver func(room, event string, data json.RawMessage)) error {
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{})
	if err != nil {
		return fmt.Errorf("failed to create or update consumer: %w", err)
	}

	consumeHandler := func(msg jetstream.Msg) {
		var env Envelope

		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			msg.Term()
			slog.Warn("could not decode relay envelope", "error", err)
			return
		}

		msg.Ack()

		if b.skip(env) {
			return
		}

		deliver(env.Room, env.Event, env.Data)
	}

	optErrHandler := jetstream.ConsumeErrHandler(func(cctx jetstream.ConsumeContext, err error) {
		slog.Warn("relay consumer error", "error", err)
		cctx.Drain()
	})

	consumeCtx, err := consumer.Consume(consumeHandler, optErrHandler)
	if err != nil {
		return fmt.Errorf("failed to start consuming relay envelopes: %w", err)
	}

	go func() {
		<-ctx.Done()
		consumeCtx.Drain()
	}()

	return nil
}

// skip reports whether the envelope originated from this instance.
func (b *Bridge) skip(env Envelope) bool {
	return env.Origin == b.origin
}
