package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cm/cm/internal/platform/apperr"
	"github.com/cm/cm/internal/platform/userdirectory"
)

// Service provides the subscription lifecycle: HIU requests, patient
// approval, denial, source edits and revocation.
type Service struct {
	store      Store
	reconciler *Reconciler
	directory  userdirectory.Directory
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(store Store, reconciler *Reconciler, directory userdirectory.Directory, logger zerolog.Logger) *Service {
	return &Service{
		store:      store,
		reconciler: reconciler,
		directory:  directory,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *Service) patientID(ctx context.Context, userID string) (string, error) {
	if s.directory == nil {
		return userID, nil
	}
	return userdirectory.ResolvePatientID(ctx, s.directory, userID)
}

func validateDetail(d Detail) error {
	if d.Patient.ID == "" {
		return apperr.InvalidRequest("patient id is required")
	}
	if d.HIU.ID == "" {
		return apperr.InvalidRequest("hiu id is required")
	}
	if len(d.Categories) == 0 {
		return apperr.InvalidRequest("categories are required")
	}
	for _, c := range d.Categories {
		if c != CategoryLink && c != CategoryData {
			return apperr.InvalidRequest("unknown category: " + string(c))
		}
	}
	if d.Period.From.IsZero() || d.Period.To.IsZero() || d.Period.To.Before(d.Period.From) {
		return apperr.InvalidRequest("period is invalid")
	}
	return nil
}

// CreateRequest records an HIU's subscription request and returns its id.
func (s *Service) CreateRequest(ctx context.Context, detail Detail) (uuid.UUID, error) {
	if err := validateDetail(detail); err != nil {
		return uuid.Nil, err
	}
	patientID, err := s.patientID(ctx, detail.Patient.ID)
	if err != nil {
		return uuid.Nil, err
	}
	detail.Patient.ID = patientID

	requestID := uuid.New()
	if err := s.store.InsertRequest(ctx, detail, requestID); err != nil {
		return uuid.Nil, err
	}
	s.logger.Info().
		Str("request_id", requestID.String()).
		Str("hiu_id", detail.HIU.ID).
		Msg("subscription request received")
	return requestID, nil
}

// List returns one page of the caller's granted subscriptions for hiuID.
func (s *Service) List(ctx context.Context, userID, hiuID string, limit, offset int) ([]*Subscription, int, error) {
	if hiuID == "" {
		return nil, 0, apperr.InvalidRequest("hiuId is required")
	}
	patientID, err := s.patientID(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return s.store.ListFor(ctx, patientID, hiuID, limit, offset)
}

// Get returns the caller's subscription. Subscriptions of other patients are
// reported as not found.
func (s *Service) Get(ctx context.Context, userID string, id uuid.UUID, includeInactive bool) (*Subscription, error) {
	patientID, err := s.patientID(ctx, userID)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.FindActive(ctx, id, !includeInactive)
	if err != nil {
		return nil, err
	}
	if sub.PatientID != patientID {
		return nil, apperr.NotFound("subscription not found")
	}
	return sub, nil
}

// owned rejects requests that belong to another patient or are not in one
// of the allowed states.
func owned(patientID string, allowed ...Status) Guard {
	return func(req *Request) error {
		if req.PatientID != patientID {
			return apperr.NotFound("subscription request not found")
		}
		for _, st := range allowed {
			if req.Status == st {
				return nil
			}
		}
		return apperr.InvalidRequest("subscription is " + string(req.Status))
	}
}

// Approve grants a pending request with the chosen sources.
func (s *Service) Approve(ctx context.Context, userID string, id uuid.UUID, req ApprovalRequest) error {
	if _, err := BuildDiff(id, req); err != nil {
		return err
	}
	patientID, err := s.patientID(ctx, userID)
	if err != nil {
		return err
	}
	ownedPending := owned(patientID, StatusRequested)
	guard := func(r *Request) error {
		if err := ownedPending(r); err != nil {
			return err
		}
		if r.Detail.Period.To.Before(s.now()) {
			return apperr.Expired("Subscription request expired")
		}
		return nil
	}
	return s.reconciler.Reconcile(ctx, id, req, guard)
}

// UpdateSources replaces the sources of an already granted subscription.
// Scopes left out of req stop matching link events.
func (s *Service) UpdateSources(ctx context.Context, userID string, id uuid.UUID, req ApprovalRequest) error {
	if _, err := BuildDiff(id, req); err != nil {
		return err
	}
	patientID, err := s.patientID(ctx, userID)
	if err != nil {
		return err
	}
	return s.reconciler.Replace(ctx, id, req, owned(patientID, StatusGranted))
}

// Deny rejects a pending request.
func (s *Service) Deny(ctx context.Context, userID string, id uuid.UUID) error {
	patientID, err := s.patientID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateStatus(ctx, id, StatusDenied, owned(patientID, StatusRequested)); err != nil {
		return err
	}
	s.logger.Info().Str("request_id", id.String()).Msg("subscription request denied")
	return nil
}

// Revoke ends a granted subscription and deactivates all of its sources.
func (s *Service) Revoke(ctx context.Context, userID string, id uuid.UUID) error {
	patientID, err := s.patientID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.store.Revoke(ctx, id, owned(patientID, StatusGranted)); err != nil {
		return err
	}
	s.logger.Info().Str("subscription_id", id.String()).Msg("subscription revoked")
	return nil
}
