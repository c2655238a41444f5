// Package provider wraps the Stripe SDK behind a narrow interface so the
// Saga and Ordering Gate depend on a few verbs (capture, transfer, refund,
// verify-webhook) rather than the full stripe-go surface, and so tests can
// substitute a fake. This is the one place github.com/stripe/stripe-go/v81
// is imported.
package provider

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/refund"
	"github.com/stripe/stripe-go/v81/transfer"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/hustlexp/money-core/internal/money/merr"
)

// Mode is the Stripe environment the client is configured for.
type Mode string

const (
	ModeTest Mode = "test"
	ModeLive Mode = "live"
)

// Client wraps the Stripe SDK's package-level functions with our own
// idempotency-key and error-mapping conventions.
type Client struct {
	secretKey     string
	webhookSecret string
	mode          Mode
}

func New(secretKey, webhookSecret string, mode Mode) *Client {
	stripe.Key = secretKey
	return &Client{secretKey: secretKey, webhookSecret: webhookSecret, mode: mode}
}

// CreatePaymentIntent opens a PaymentIntent for a freshly posted task's
// escrow, returning the client secret the poster's client uses to collect
// payment. It does not move the escrow out of pending — that happens when
// the resulting payment_intent.succeeded webhook drives the Saga's Capture
// action.
func (c *Client) CreatePaymentIntent(ctx context.Context, amountCents int64, currency, taskID, idempotencyKey string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)
	params.AddMetadata("task_id", taskID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, wrapStripeErr("PAYMENT_INTENT_CREATE_FAILED", err)
	}
	return pi, nil
}

// CapturePaymentIntent captures a previously authorized PaymentIntent,
// representing the HOLD_ESCROW/CAPTURE saga action. idempotencyKey should
// be the ledger transaction's ULID.
func (c *Client) CapturePaymentIntent(ctx context.Context, piID string, idempotencyKey string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)
	pi, err := paymentintent.Capture(piID, params)
	if err != nil {
		return nil, wrapStripeErr("CAPTURE_FAILED", err)
	}
	return pi, nil
}

// Transfer moves funds to a connected account for the RELEASE_PAYOUT action.
func (c *Client) Transfer(ctx context.Context, destinationAcct string, amountCents int64, currency, idempotencyKey string, metadata map[string]string) (*stripe.Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(currency),
		Destination: stripe.String(destinationAcct),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	tr, err := transfer.New(params)
	if err != nil {
		return nil, wrapStripeErr("TRANSFER_FAILED", err)
	}
	return tr, nil
}

// Refund reverses a charge for the REFUND_ESCROW action.
func (c *Client) Refund(ctx context.Context, chargeID string, amountCents int64, idempotencyKey string, metadata map[string]string) (*stripe.Refund, error) {
	params := &stripe.RefundParams{
		Charge: stripe.String(chargeID),
		Amount: stripe.Int64(amountCents),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	r, err := refund.New(params)
	if err != nil {
		return nil, wrapStripeErr("REFUND_FAILED", err)
	}
	return r, nil
}

// TaskProviderRecord is one provider-side money movement associated with a
// task, the unit ListTaskActivity returns for admin reconciliation.
type TaskProviderRecord struct {
	Kind        string // "payment_intent", "transfer", "refund"
	ID          string
	AmountCents int64
	Status      string
	CreatedAt   int64 // unix seconds, as Stripe returns it
}

// ListTaskActivity walks PaymentIntents, Transfers, and Refunds created
// under this account and returns every one tagged with taskID in its
// metadata — the provider-truth record an admin reconciles a task's ledger
// entries against. Uses the stable List+Iterator surface (paymentintent.List
// et al.) rather than the newer Search API: Search lags real-time
// consistency by a few seconds and is documented as eventually-consistent,
// which is the wrong trade for an audit trail.
func (c *Client) ListTaskActivity(ctx context.Context, taskID string) ([]TaskProviderRecord, error) {
	var out []TaskProviderRecord

	piParams := &stripe.PaymentIntentListParams{}
	piParams.Context = ctx
	piParams.Filters.AddFilter("limit", "", "100")
	piIter := paymentintent.List(piParams)
	for piIter.Next() {
		pi := piIter.PaymentIntent()
		if pi.Metadata["task_id"] != taskID {
			continue
		}
		out = append(out, TaskProviderRecord{Kind: "payment_intent", ID: pi.ID, AmountCents: pi.Amount, Status: string(pi.Status), CreatedAt: pi.Created})
	}
	if err := piIter.Err(); err != nil {
		return nil, wrapStripeErr("LIST_PAYMENT_INTENTS_FAILED", err)
	}

	trParams := &stripe.TransferListParams{}
	trParams.Context = ctx
	trParams.Filters.AddFilter("limit", "", "100")
	trIter := transfer.List(trParams)
	for trIter.Next() {
		tr := trIter.Transfer()
		if tr.Metadata["task_id"] != taskID {
			continue
		}
		out = append(out, TaskProviderRecord{Kind: "transfer", ID: tr.ID, AmountCents: tr.Amount, Status: "succeeded", CreatedAt: tr.Created})
	}
	if err := trIter.Err(); err != nil {
		return nil, wrapStripeErr("LIST_TRANSFERS_FAILED", err)
	}

	rfParams := &stripe.RefundListParams{}
	rfParams.Context = ctx
	rfParams.Filters.AddFilter("limit", "", "100")
	rfIter := refund.List(rfParams)
	for rfIter.Next() {
		rf := rfIter.Refund()
		if rf.Metadata["task_id"] != taskID {
			continue
		}
		out = append(out, TaskProviderRecord{Kind: "refund", ID: rf.ID, AmountCents: rf.Amount, Status: string(rf.Status), CreatedAt: rf.Created})
	}
	if err := rfIter.Err(); err != nil {
		return nil, wrapStripeErr("LIST_REFUNDS_FAILED", err)
	}

	return out, nil
}

// VerifyWebhook checks the signature header against the configured webhook
// secret and parses the event — the Ordering Gate's SourceGuard
// step 1). A signature failure is the one guard failure that must surface
// as HTTP 400 so the provider retries delivery.
func (c *Client) VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, c.webhookSecret)
	if err != nil {
		return stripe.Event{}, merr.Validation("WEBHOOK_SIGNATURE_INVALID", "stripe webhook signature verification failed", map[string]any{"error": err.Error()})
	}
	expectLive := c.mode == ModeLive
	if event.Livemode != expectLive {
		return stripe.Event{}, merr.Validation("WEBHOOK_LIVEMODE_MISMATCH", "event livemode does not match configured environment", map[string]any{
			"event_livemode": event.Livemode, "expected_livemode": expectLive,
		})
	}
	return event, nil
}

func wrapStripeErr(code string, err error) error {
	var stripeErr *stripe.Error
	if se, ok := err.(*stripe.Error); ok {
		stripeErr = se
	}
	if stripeErr != nil {
		return merr.ExternalProvider(code, fmt.Sprintf("stripe: %s", stripeErr.Msg), err, map[string]any{
			"stripe_code": string(stripeErr.Code), "stripe_type": string(stripeErr.Type),
		})
	}
	return merr.ExternalProvider(code, "stripe request failed", err, nil)
}
