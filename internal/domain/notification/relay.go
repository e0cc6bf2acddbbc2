// Package notification relays link-established events to the HIUs whose
// subscriptions cover the linked HIP.
package notification

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/cm/cm/internal/domain/subscription"
	"github.com/cm/cm/internal/platform/correlation"
	"github.com/cm/cm/internal/platform/gateway"
	"github.com/cm/cm/internal/platform/metrics"
)

const tracerName = "github.com/cm/cm/internal/domain/notification"

// LinkEvent announces that care contexts of a patient were linked at a HIP.
type LinkEvent struct {
	PatientID    string
	HIPID        string
	Timestamp    time.Time
	CareContexts []CareContext
}

type CareContext struct {
	PatientReference     string `json:"patientReference"`
	CareContextReference string `json:"careContextReference"`
}

// Matcher finds the subscriptions a link event must be relayed to.
type Matcher interface {
	FindMatching(ctx context.Context, patientID, hipID string) ([]*subscription.Subscription, error)
}

type Config struct {
	// PatientIDSuffix is appended to patient ids that do not already end
	// with it.
	PatientIDSuffix string
	MaxConcurrency  int
	DispatchTimeout time.Duration
}

// Summary reports the outcome of one relay.
type Summary struct {
	Matched   int
	Delivered int
	Failed    int
}

// Relay fans a link event out to every matching subscription. Deliveries are
// independent: a failed one is logged and never stops the others.
type Relay struct {
	store    Matcher
	notifier gateway.Notifier
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

func NewRelay(store Matcher, notifier gateway.Notifier, cfg Config, logger zerolog.Logger, m *metrics.Collector) *Relay {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 16
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	return &Relay{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// OnLinkEstablished notifies every matching subscriber and waits for the
// deliveries to finish. Only a failed subscription lookup is returned as an
// error. Deliveries are not cancelled when ctx is.
func (r *Relay) OnLinkEstablished(ctx context.Context, ev LinkEvent) (Summary, error) {
	ctx, corrID := correlation.Ensure(ctx)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "notification.relay")
	defer span.End()
	span.SetAttributes(
		attribute.String("hip.id", ev.HIPID),
		attribute.String("correlation.id", corrID),
	)

	logger := r.logger.With().
		Str("correlation_id", corrID).
		Str("hip_id", ev.HIPID).
		Logger()

	subs, err := r.store.FindMatching(ctx, ev.PatientID, ev.HIPID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find matching subscriptions")
		logger.Error().Err(err).Msg("subscription lookup failed")
		return Summary{}, err
	}
	r.metrics.ObserveMatched(len(subs))
	span.SetAttributes(attribute.Int("subscriptions.matched", len(subs)))

	summary := Summary{Matched: len(subs)}
	if len(subs) == 0 {
		logger.Info().Msg("no subscriptions match link event")
		return summary, nil
	}

	detached := context.WithoutCancel(ctx)
	var delivered, failed atomic.Int32

	var g errgroup.Group
	g.SetLimit(r.cfg.MaxConcurrency)
	for _, sub := range subs {
		env := r.envelope(sub, ev)
		hiuID := sub.HIU.ID
		g.Go(func() error {
			if err := r.dispatch(detached, env, hiuID); err != nil {
				failed.Add(1)
				r.metrics.ObserveDispatch("failed")
				logger.Warn().Err(err).
					Str("subscription_id", env.Event.SubscriptionID).
					Str("hiu_id", hiuID).
					Msg("subscription notification failed")
				return nil
			}
			delivered.Add(1)
			r.metrics.ObserveDispatch("delivered")
			logger.Debug().
				Str("subscription_id", env.Event.SubscriptionID).
				Str("hiu_id", hiuID).
				Msg("subscription notification delivered")
			return nil
		})
	}
	_ = g.Wait()

	summary.Delivered = int(delivered.Load())
	summary.Failed = int(failed.Load())
	span.SetAttributes(
		attribute.Int("notifications.delivered", summary.Delivered),
		attribute.Int("notifications.failed", summary.Failed),
	)
	logger.Info().
		Int("matched", summary.Matched).
		Int("delivered", summary.Delivered).
		Int("failed", summary.Failed).
		Msg("link event relayed")
	return summary, nil
}

func (r *Relay) dispatch(ctx context.Context, env gateway.Envelope, hiuID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DispatchTimeout)
	defer cancel()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "notification.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("subscription.id", env.Event.SubscriptionID),
		attribute.String("hiu.id", hiuID),
	)

	if err := r.notifier.Notify(ctx, env, hiuID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "notify")
		return err
	}
	return nil
}

func (r *Relay) envelope(sub *subscription.Subscription, ev LinkEvent) gateway.Envelope {
	contexts := make([]gateway.CareContextDetail, 0, len(ev.CareContexts))
	for _, cc := range ev.CareContexts {
		contexts = append(contexts, gateway.CareContextDetail{
			CareContext: gateway.CareContextRef{
				PatientReference:     cc.PatientReference,
				CareContextReference: cc.CareContextReference,
			},
			HITypes: []string{},
		})
	}
	return gateway.Envelope{
		RequestID: uuid.NewString(),
		Timestamp: r.now().UTC(),
		Event: gateway.Event{
			ID:             uuid.NewString(),
			Published:      ev.Timestamp,
			SubscriptionID: sub.ID.String(),
			Category:       gateway.CategoryLink,
			Content: gateway.Content{
				Patient: gateway.PatientRef{ID: withSuffix(ev.PatientID, r.cfg.PatientIDSuffix)},
				HIP:     gateway.HIPRef{ID: ev.HIPID},
				Context: contexts,
			},
		},
	}
}

func withSuffix(id, suffix string) string {
	if suffix == "" || strings.HasSuffix(id, suffix) {
		return id
	}
	return id + suffix
}
