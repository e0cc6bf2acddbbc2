package subscription

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cm/cm/internal/platform/apperr"
	"github.com/cm/cm/internal/platform/metrics"
)

const tracerName = "github.com/cm/cm/internal/domain/subscription"

// Validation messages returned to the patient.
const (
	msgSourcesNotSpecified     = "Sources are not specified"
	msgOneSourceForAllHIPs     = "Only one source needed when applicable for all HIPs"
	msgHIPNotAllowedForAll     = "HIP details are not allowed in sources when applicable for all HIPs"
	msgEmptyHIPInExcludeList   = "HIP details cannot be empty in exclude list"
	msgEmptyHIPInSourceList    = "HIP details cannot be empty in source list"
	msgExcludeNotForIndividual = "excludeSources is not allowed for individual HIPs"
)

// Deactivation selects the existing source rows to switch off before the
// upsert. With All set, every row of the subscription whose scope key is not
// in Keep is deactivated; the selection is made inside the transaction.
// Otherwise exactly the rows for HIPIDs are deactivated.
type Deactivation struct {
	All    bool
	Keep   []string
	HIPIDs []string
}

// Diff is a validated approval ready to be written.
type Diff struct {
	SubscriptionID uuid.UUID
	Deactivate     Deactivation
	Included       []SourceRequest
	Excluded       []SourceRequest
}

// BuildDiff validates an approval and computes its deactivation plan. It
// performs no I/O.
func BuildDiff(subscriptionID uuid.UUID, req ApprovalRequest) (*Diff, error) {
	if len(req.IncludedSources) == 0 {
		return nil, apperr.InvalidRequest(msgSourcesNotSpecified)
	}

	diff := &Diff{
		SubscriptionID: subscriptionID,
		Included:       req.IncludedSources,
		Excluded:       req.ExcludedSources,
	}

	if req.IsApplicableForAllHIPs {
		if len(req.IncludedSources) != 1 {
			return nil, apperr.InvalidRequest(msgOneSourceForAllHIPs)
		}
		if req.IncludedSources[0].HIP != nil {
			return nil, apperr.InvalidRequest(msgHIPNotAllowedForAll)
		}
		keep := []string{scopeKey(nil)}
		for _, s := range req.ExcludedSources {
			if s.HIP == nil || s.HIP.ID == "" {
				return nil, apperr.InvalidRequest(msgEmptyHIPInExcludeList)
			}
			keep = append(keep, s.HIP.ID)
		}
		diff.Deactivate = Deactivation{All: true, Keep: keep}
		return diff, nil
	}

	hipIDs := make([]string, 0, len(req.IncludedSources))
	for _, s := range req.IncludedSources {
		if s.HIP == nil || s.HIP.ID == "" {
			return nil, apperr.InvalidRequest(msgEmptyHIPInSourceList)
		}
		hipIDs = append(hipIDs, s.HIP.ID)
	}
	if len(req.ExcludedSources) > 0 {
		return nil, apperr.InvalidRequest(msgExcludeNotForIndividual)
	}
	diff.Deactivate = Deactivation{HIPIDs: hipIDs}
	return diff, nil
}

// exclusive returns the plan that deactivates everything outside the scopes
// d would touch. All-HIPs plans already do.
func (d Deactivation) exclusive() Deactivation {
	if d.All {
		return d
	}
	return Deactivation{All: true, Keep: append([]string(nil), d.HIPIDs...)}
}

// Reconciler turns approvals into store writes.
type Reconciler struct {
	store   Store
	logger  zerolog.Logger
	metrics *metrics.Collector
}

func NewReconciler(store Store, logger zerolog.Logger, m *metrics.Collector) *Reconciler {
	return &Reconciler{store: store, logger: logger, metrics: m}
}

// Reconcile validates req before any I/O and then applies it to the
// subscription in one transaction. guard runs against the locked request
// row and may be nil.
func (r *Reconciler) Reconcile(ctx context.Context, subscriptionID uuid.UUID, req ApprovalRequest, guard Guard) error {
	return r.reconcile(ctx, subscriptionID, req, guard, false)
}

// Replace is Reconcile for edits of a granted subscription: every active
// source outside the new scope is deactivated, whichever mode the
// subscription was in before.
func (r *Reconciler) Replace(ctx context.Context, subscriptionID uuid.UUID, req ApprovalRequest, guard Guard) error {
	return r.reconcile(ctx, subscriptionID, req, guard, true)
}

func (r *Reconciler) reconcile(ctx context.Context, subscriptionID uuid.UUID, req ApprovalRequest, guard Guard, replace bool) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "subscription.reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("subscription.id", subscriptionID.String()),
		attribute.Bool("subscription.all_hips", req.IsApplicableForAllHIPs),
		attribute.Bool("subscription.replace", replace),
		attribute.Int("subscription.included", len(req.IncludedSources)),
		attribute.Int("subscription.excluded", len(req.ExcludedSources)),
	)

	diff, err := BuildDiff(subscriptionID, req)
	if err != nil {
		r.metrics.ObserveReconcile(string(apperr.CodeOf(err)))
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if replace {
		diff.Deactivate = diff.Deactivate.exclusive()
	}

	if err := r.store.ApplyDiff(ctx, diff, guard); err != nil {
		code := apperr.CodeOf(err)
		if code == "" {
			r.logger.Error().Err(err).Str("subscription_id", subscriptionID.String()).Msg("apply diff failed")
			err = apperr.DBOperationFailed(err)
			code = apperr.CodeDBOperationFailed
		}
		r.metrics.ObserveReconcile(string(code))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(code))
		return err
	}

	r.metrics.ObserveReconcile("applied")
	r.logger.Info().
		Str("subscription_id", subscriptionID.String()).
		Bool("all_hips", req.IsApplicableForAllHIPs).
		Int("included", len(diff.Included)).
		Int("excluded", len(diff.Excluded)).
		Msg("subscription sources reconciled")
	return nil
}
