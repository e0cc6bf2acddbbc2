package subscription

import (
	"context"

	"github.com/google/uuid"
)

// Guard inspects a locked subscription request inside a write transaction.
// A non-nil error aborts the transaction and is returned unchanged.
type Guard func(req *Request) error

// Store is the data access interface for subscriptions and their sources.
// Errors other than guard errors and not_found are returned as
// db_operation_failed.
type Store interface {
	// InsertRequest appends a REQUESTED row. It does not deduplicate.
	InsertRequest(ctx context.Context, detail Detail, requestID uuid.UUID) error
	GetRequest(ctx context.Context, requestID uuid.UUID) (*Request, error)
	UpdateStatus(ctx context.Context, requestID uuid.UUID, status Status, guard Guard) error

	// FindActive returns the subscription with its sources, only active ones
	// when requireActive is set. A subscription without matching sources is
	// not_found.
	FindActive(ctx context.Context, subscriptionID uuid.UUID, requireActive bool) (*Subscription, error)
	// ListFor pages through the patient's granted subscriptions for one HIU,
	// newest first. The total ignores limit and offset.
	ListFor(ctx context.Context, patientID, hiuID string, limit, offset int) ([]*Subscription, int, error)
	// ApplyDiff deactivates and upserts sources in one transaction and marks
	// the subscription granted.
	ApplyDiff(ctx context.Context, diff *Diff, guard Guard) error
	// FindMatching returns granted subscriptions of the patient that cover
	// hipID for the LINK category.
	FindMatching(ctx context.Context, patientID, hipID string) ([]*Subscription, error)
	Revoke(ctx context.Context, subscriptionID uuid.UUID, guard Guard) error
}
