package ordering_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v81"

	"github.com/hustlexp/money-core/internal/money/ordering"
	"github.com/hustlexp/money-core/internal/money/saga"
	"github.com/hustlexp/money-core/internal/testutil"
)

type fakeVerifier struct {
	event stripe.Event
	err   error
}

func (f fakeVerifier) VerifyWebhook(_ []byte, _ string) (stripe.Event, error) {
	return f.event, f.err
}

type fakeDispatcher struct {
	calls []saga.Input
	err   error
}

func (f *fakeDispatcher) Execute(_ context.Context, in saga.Input) (*saga.Output, error) {
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	return &saga.Output{LedgerTxID: "tx_fake"}, nil
}

func newEvent(id, eventType, taskID string) stripe.Event {
	return stripe.Event{
		ID:   id,
		Type: eventType,
		Data: &stripe.EventData{
			Object: map[string]interface{}{
				"metadata": map[string]interface{}{"task_id": taskID},
			},
		},
	}
}

func TestGate_Handle_RejectsBadSignature(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	dispatcher := &fakeDispatcher{}
	gate := ordering.New(db, fakeVerifier{err: errBadSignature}, dispatcher)

	result := gate.Handle(context.Background(), []byte(`{}`), "bad-sig")
	if result.HTTPStatus != 400 {
		t.Fatalf("expected 400 for a signature failure, got %d", result.HTTPStatus)
	}
	if len(dispatcher.calls) != 0 {
		t.Fatal("expected a rejected signature to never reach the dispatcher")
	}
}

func TestGate_Handle_DispatchesActionableEventOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	taskID := uuid.NewString()
	eventID := "evt_" + uuid.NewString()
	event := newEvent(eventID, "payment_intent.succeeded", taskID)

	dispatcher := &fakeDispatcher{}
	gate := ordering.New(db, fakeVerifier{event: event}, dispatcher)

	first := gate.Handle(ctx, []byte(`{"id":"`+eventID+`"}`), "sig")
	if first.HTTPStatus != 200 {
		t.Fatalf("expected 200, got %d: %s", first.HTTPStatus, first.Message)
	}
	if len(dispatcher.calls) != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", len(dispatcher.calls))
	}
	if dispatcher.calls[0].Action != saga.Capture {
		t.Fatalf("expected payment_intent.succeeded to map to Capture, got %s", dispatcher.calls[0].Action)
	}

	// Re-delivery of the same Stripe event id must be caught by the replay
	// guard and never reach the dispatcher a second time.
	second := gate.Handle(ctx, []byte(`{"id":"`+eventID+`"}`), "sig")
	if second.HTTPStatus != 200 {
		t.Fatalf("expected 200 on replay, got %d", second.HTTPStatus)
	}
	if len(dispatcher.calls) != 1 {
		t.Fatalf("expected the replay guard to suppress a second dispatch, got %d total calls", len(dispatcher.calls))
	}
}

func TestGate_Handle_SettlementEventsNeverDispatch(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	taskID := uuid.NewString()
	eventID := "evt_" + uuid.NewString()
	event := newEvent(eventID, "payout.paid", taskID)

	dispatcher := &fakeDispatcher{}
	gate := ordering.New(db, fakeVerifier{event: event}, dispatcher)

	result := gate.Handle(ctx, []byte(`{}`), "sig")
	if result.HTTPStatus != 200 {
		t.Fatalf("expected 200, got %d", result.HTTPStatus)
	}
	if len(dispatcher.calls) != 0 {
		t.Fatal("expected a settlement-only event to never reach the dispatcher")
	}
}

func TestGate_Handle_UnknownEventTypeIsAcknowledgedNotDispatched(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	taskID := uuid.NewString()
	eventID := "evt_" + uuid.NewString()
	event := newEvent(eventID, "customer.created", taskID)

	dispatcher := &fakeDispatcher{}
	gate := ordering.New(db, fakeVerifier{event: event}, dispatcher)

	result := gate.Handle(ctx, []byte(`{}`), "sig")
	if result.HTTPStatus != 200 {
		t.Fatalf("expected 200, got %d", result.HTTPStatus)
	}
	if len(dispatcher.calls) != 0 {
		t.Fatal("expected a non-actionable event type to never reach the dispatcher")
	}
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

const errBadSignature = simpleError("signature verification failed")
