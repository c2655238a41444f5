package provider

import "context"

// SagaAdapter narrows Client down to the three verbs saga.PaymentProvider
// needs, returning plain provider-reference strings instead of full SDK
// response structs — the Saga only ever persists the reference, it never
// inspects Stripe's richer object graph.
type SagaAdapter struct {
	client *Client
}

func NewSagaAdapter(client *Client) *SagaAdapter {
	return &SagaAdapter{client: client}
}

func (a *SagaAdapter) CapturePaymentIntent(ctx context.Context, piID, idempotencyKey string) (string, error) {
	pi, err := a.client.CapturePaymentIntent(ctx, piID, idempotencyKey)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (a *SagaAdapter) Transfer(ctx context.Context, destinationAcct, taskID string, amountCents int64, idempotencyKey string) (string, error) {
	tr, err := a.client.Transfer(ctx, destinationAcct, amountCents, "usd", idempotencyKey, map[string]string{"task_id": taskID})
	if err != nil {
		return "", err
	}
	return tr.ID, nil
}

func (a *SagaAdapter) Refund(ctx context.Context, chargeID, taskID string, amountCents int64, idempotencyKey string) (string, error) {
	r, err := a.client.Refund(ctx, chargeID, amountCents, idempotencyKey, map[string]string{"task_id": taskID})
	if err != nil {
		return "", err
	}
	return r.ID, nil
}
