// Package types defines the domain records shared between the queue workers,
// the persistence layer and the quota service.
package types

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// Tier is a subscription plan level.
// Tiers are totally ordered: a higher value includes everything a lower value grants.
type Tier int

// Known tiers.
const (
	TierFree Tier = iota
	TierStarter
	TierPro
)

var tierNames = [...]string{"FREE", "STARTER", "PRO"}

func (t Tier) String() string {
	if t < 0 || int(t) >= len(tierNames) {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return tierNames[t]
}

// Includes reports whether t meets or exceeds the required tier.
func (t Tier) Includes(required Tier) bool {
	return t >= required
}

// ParseTier reads a tier name. Matching is case-insensitive.
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if strings.EqualFold(s, name) {
			return Tier(i), nil
		}
	}
	return TierFree, fmt.Errorf("unknown tier: %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Value implements driver.Valuer.
func (t Tier) Value() (driver.Value, error) {
	return t.String(), nil
}

// Scan implements sql.Scanner.
func (t *Tier) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return t.UnmarshalText([]byte(v))
	case []byte:
		return t.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into Tier", src)
	}
}

// SubscriptionStatus is the billing state of a subscription.
type SubscriptionStatus string

// Known subscription states.
const (
	StatusActive     SubscriptionStatus = "ACTIVE"
	StatusTrialing   SubscriptionStatus = "TRIALING"
	StatusPastDue    SubscriptionStatus = "PAST_DUE"
	StatusCanceled   SubscriptionStatus = "CANCELED"
	StatusIncomplete SubscriptionStatus = "INCOMPLETE"
)

// Entitled reports whether the status grants the features of the plan.
func (s SubscriptionStatus) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// Subscription is the plan a subject is on.
// Written by the billing worker only.
type Subscription struct {
	SubjectID              string             `db:"subject_id" json:"subject_id"`
	Tier                   Tier               `db:"tier" json:"tier"`
	Status                 SubscriptionStatus `db:"status" json:"status"`
	CurrentPeriodStart     *time.Time         `db:"current_period_start" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time         `db:"current_period_end" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool               `db:"cancel_at_period_end" json:"cancel_at_period_end"`
	CustomerID             string             `db:"customer_id" json:"customer_id"`
	ProviderSubscriptionID string             `db:"provider_subscription_id" json:"provider_subscription_id"`
	UpdatedAt              time.Time          `db:"updated_at" json:"updated_at"`
}

// EffectiveTier returns the tier used for quota ceilings.
// A missing or non-entitled subscription counts as FREE.
func (s *Subscription) EffectiveTier() Tier {
	if s == nil || !s.Status.Entitled() {
		return TierFree
	}
	return s.Tier
}

// Source is an external feed polled by the ingestion worker.
type Source struct {
	ID            int64      `db:"id"`
	URL           string     `db:"url"`
	Tags          Tags       `db:"tags"`
	Active        bool       `db:"active"`
	LastFetchedAt *time.Time `db:"last_fetched_at"`
}

// Item is a piece of content ingested from a Source.
// URL is the natural key.
type Item struct {
	URL         string    `db:"url"`
	Title       string    `db:"title"`
	Excerpt     string    `db:"excerpt"`
	ImageURL    *string   `db:"image_url"`
	SourceID    int64     `db:"source_id"`
	Tags        Tags      `db:"tags"`
	PublishedAt time.Time `db:"published_at"`
	CreatedAt   time.Time `db:"created_at"`
}

// Tags is a set of lower-case labels, stored as a comma-separated column.
type Tags []string

// Value implements driver.Valuer.
func (t Tags) Value() (driver.Value, error) {
	return strings.Join(t, ","), nil
}

// Scan implements sql.Scanner.
func (t *Tags) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case nil:
		*t = nil
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Tags", src)
	}
	if s == "" {
		*t = Tags{}
		return nil
	}
	*t = strings.Split(s, ",")
	return nil
}

// MergeTags returns the union of the tag sets, normalized to trimmed lower case,
// in first-seen order.
func MergeTags(sets ...[]string) Tags {
	seen := make(map[string]bool)
	merged := Tags{}
	for _, set := range sets {
		for _, tag := range set {
			tag = strings.ToLower(strings.TrimSpace(tag))
			tag = strings.ReplaceAll(tag, ",", " ")
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			merged = append(merged, tag)
		}
	}
	return merged
}
