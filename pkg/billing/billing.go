// Package billing processes payment provider events.
//
// Events reach the system through Submitter.SubmitEvent after the webhook
// boundary verified their signature. They are enqueued on the billing-events queue
// with the provider event ID as dedup key, so provider redeliveries are absorbed.
// When the job store is down, the event is dispatched inline instead.
// The inline path has no dedup, which is why every handler is an upsert.
//
// Events for the same subject are not ordered against each other.
package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// QueueName is the job queue of provider events.
const QueueName = "billing-events"

// DefaultConcurrency is the default number of events handled at once.
const DefaultConcurrency = 5

// Known event types.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentFailed       = "invoice.payment_failed"
)

// ErrUnknownCustomer is returned when an event references a customer
// that is not linked to any subject yet.
// The event is retried, as the checkout linking the customer may still be in flight.
var ErrUnknownCustomer = errors.New("customer not linked to a subject")

// Event is a verified payment provider event.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"` // unix seconds
	Data    json.RawMessage `json:"data"`
}

// CreatedAt returns the creation time of the event.
func (e *Event) CreatedAt() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// decodeObject unmarshals the object carried by the event.
func (e *Event) decodeObject(v interface{}) error {
	var data struct {
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return fmt.Errorf("invalid data of event %s: %w", e.ID, err)
	}
	if len(data.Object) == 0 {
		return fmt.Errorf("event %s carries no object", e.ID)
	}
	if err := json.Unmarshal(data.Object, v); err != nil {
		return fmt.Errorf("invalid object of event %s: %w", e.ID, err)
	}
	return nil
}

type checkoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type subscriptionObject struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// priceID returns the price of the first subscription item.
func (s *subscriptionObject) priceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

type invoiceObject struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

// MetadataSubjectID is the metadata key carrying the subject ID on provider objects.
const MetadataSubjectID = "subject_id"

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
