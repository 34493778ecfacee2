package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ledgerd/ledgerd/internal/domain"
)

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
	closed   bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p := NewAMQPPublisher(ch, "ledger.events", zap.NewNop())

	event := domain.Event{
		ID:         "evt-1",
		Type:       domain.EventTransferCreated,
		OccurredAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		AccountIDs: []string{"a", "b"},
		Payload:    map[string]int64{"amount": 30000},
	}
	if err := p.Publish(context.Background(), event); err != nil {
		t.Fatalf("expected publish, got %v", err)
	}

	if ch.exchange != "ledger.events" || ch.key != domain.EventTransferCreated {
		t.Errorf("unexpected routing %s/%s", ch.exchange, ch.key)
	}
	if ch.msg.DeliveryMode != amqp.Persistent {
		t.Errorf("expected persistent delivery")
	}

	var decoded domain.Event
	if err := json.Unmarshal(ch.msg.Body, &decoded); err != nil {
		t.Fatalf("expected JSON body, got %v", err)
	}
	if decoded.ID != "evt-1" || len(decoded.AccountIDs) != 2 {
		t.Errorf("unexpected body %+v", decoded)
	}

	if err := p.Close(); err != nil || !ch.closed {
		t.Errorf("expected channel closed, err=%v", err)
	}
}

func TestAMQPPublisher_PublishError(t *testing.T) {
	broken := errors.New("channel closed")
	p := NewAMQPPublisher(&fakeChannel{err: broken}, "x", zap.NewNop())

	err := p.Publish(context.Background(), domain.Event{Type: domain.EventInterestAccrued})
	if !errors.Is(err, broken) {
		t.Fatalf("expected wrapped channel error, got %v", err)
	}
}
