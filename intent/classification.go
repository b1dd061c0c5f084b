// Package intent scores chat messages for purchase intent. Two strategies
// share the Classifier interface: a keyword Heuristic and an LLM backed by any
// OpenAI-compatible endpoint. Fallback composes them so the LLM is never the
// only path.
package intent

import (
	"context"
	"strings"
	"time"
)

// Category is the kind of purchase signal a message carries.
type Category string

const (
	CategoryClaim       Category = "claim"
	CategorySizeRequest Category = "size_request"
	CategoryPrice       Category = "price"
	CategoryShipping    Category = "shipping"
	CategoryPayment     Category = "payment"
	CategoryUrgency     Category = "urgency"
	CategoryPurchase    Category = "purchase"
	CategoryNone        Category = "none"
)

// ParseCategory maps free-form model output onto a Category, defaulting to
// purchase for unrecognized labels.
func ParseCategory(s string) Category {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryClaim, CategorySizeRequest, CategoryPrice, CategoryShipping,
		CategoryPayment, CategoryUrgency, CategoryPurchase, CategoryNone:
		return c
	case "size", "sizing":
		return CategorySizeRequest
	}
	return CategoryPurchase
}

// DefaultCaptureThreshold is the confidence at which a buyer message becomes a BuyerIntent.
const DefaultCaptureThreshold = 0.7

// Classification is the verdict for one message.
type Classification struct {
	IsBuyer    bool     `json:"isBuyer"`
	Confidence float64  `json:"confidence"`
	Category   Category `json:"category"`
	Reason     *string  `json:"reason"`
	ItemWanted string   `json:"itemWanted,omitempty"`
	Details    string   `json:"details,omitempty"`
}

// NotBuyer is the zero-signal classification.
func NotBuyer() Classification {
	return Classification{Category: CategoryNone}
}

// Captures reports whether c qualifies as an actionable lead.
func Captures(c Classification, threshold float64) bool {
	return c.IsBuyer && c.Confidence >= threshold
}

// Classifier scores a single message.
type Classifier interface {
	Classify(ctx context.Context, message string) (Classification, error)
}

// Item is one message in a batch request.
type Item struct {
	Index    int    `json:"index"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

// BatchClassifier scores many messages in one call. The result is aligned
// with items.
type BatchClassifier interface {
	ClassifyBatch(ctx context.Context, items []Item) ([]Classification, error)
}

// ClassifyAll uses the batch path when c supports it and otherwise classifies
// items one at a time.
func ClassifyAll(ctx context.Context, c Classifier, items []Item) ([]Classification, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if bc, ok := c.(BatchClassifier); ok {
		return bc.ClassifyBatch(ctx, items)
	}
	out := make([]Classification, len(items))
	for i, it := range items {
		cl, err := c.Classify(ctx, it.Message)
		if err != nil {
			return nil, err
		}
		out[i] = cl
	}
	return out, nil
}

// Batches splits items into chunks of at most size.
func Batches(items []Item, size int) [][]Item {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]Item
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

// Status is the review state of a BuyerIntent.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusSkipped  Status = "skipped"
)

// CanTransition reports whether an intent may move from one status to another.
// Only pending intents can be reviewed, and only once.
func CanTransition(from, to Status) bool {
	return from == StatusPending && (to == StatusApproved || to == StatusSkipped)
}

// BuyerIntent is a captured lead.
type BuyerIntent struct {
	ID             int64     `json:"id"`
	StreamID       int64     `json:"streamId"`
	Username       string    `json:"username"`
	Message        string    `json:"message"`
	Confidence     float64   `json:"confidence"`
	Category       Category  `json:"category"`
	ItemWanted     string    `json:"itemWanted,omitempty"`
	Details        string    `json:"details,omitempty"`
	EstimatedValue float64   `json:"estimatedValue"`
	Outreach       string    `json:"outreach,omitempty"`
	Status         Status    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewBuyerIntent builds a pending intent from a captured classification.
func NewBuyerIntent(streamID int64, username, message string, c Classification, value float64, at time.Time) BuyerIntent {
	return BuyerIntent{
		StreamID:       streamID,
		Username:       username,
		Message:        message,
		Confidence:     c.Confidence,
		Category:       c.Category,
		ItemWanted:     c.ItemWanted,
		Details:        c.Details,
		EstimatedValue: value,
		Status:         StatusPending,
		Timestamp:      at,
	}
}
