// Package notify delivers user-facing events to the notification service.
// Delivery is best effort: failures retry with backoff and finally land in a
// dead-letter file for manual replay, but they never fail the business
// operation that produced them.
package notify

import (
	"context"
	"time"
)

// Kind labels the notification template to render.
type Kind string

const (
	KindPaymentConfirmed    Kind = "payment_confirmed"
	KindWithdrawalOTP       Kind = "withdrawal_otp"
	KindWithdrawalApproved  Kind = "withdrawal_approved"
	KindWithdrawalRejected  Kind = "withdrawal_rejected"
	KindWithdrawalCompleted Kind = "withdrawal_completed"
	KindWithdrawalFailed    Kind = "withdrawal_failed"
	KindCommissionEarned    Kind = "commission_earned"
	KindActivationDone      Kind = "activation_done"
)

// Event is one notification to deliver.
type Event struct {
	Kind      Kind              `json:"kind"`
	UserID    string            `json:"userId"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	// Notify queues an event for delivery and returns immediately.
	Notify(ctx context.Context, ev Event)

	Close() error
}

// Noop discards every event, for tests and notification-less deployments.
type Noop struct{}

func (Noop) Notify(context.Context, Event) {}
func (Noop) Close() error                  { return nil }
