package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cm/cm/internal/platform/correlation"
	"github.com/cm/cm/internal/platform/queue"
	"github.com/cm/cm/internal/platform/userdirectory"
)

// linkMessage is the queue payload announcing new care-context links.
type linkMessage struct {
	HIPID        string        `json:"hipId"`
	HealthNumber string        `json:"healthNumber"`
	Timestamp    time.Time     `json:"timestamp"`
	CareContexts []CareContext `json:"careContexts"`
}

type linkRelay interface {
	OnLinkEstablished(ctx context.Context, ev LinkEvent) (Summary, error)
}

// LinkHandler feeds link-established records from the queue into the relay.
type LinkHandler struct {
	relay     linkRelay
	directory userdirectory.Directory
	logger    zerolog.Logger
}

func NewLinkHandler(relay linkRelay, directory userdirectory.Directory, logger zerolog.Logger) *LinkHandler {
	return &LinkHandler{relay: relay, directory: directory, logger: logger}
}

// Handle decodes one record and relays it. Malformed records are logged and
// dropped; lookup failures are returned so the record is retried.
func (h *LinkHandler) Handle(ctx context.Context, msg *queue.Message) error {
	corrID := msg.Headers[correlation.Header]
	if corrID == "" {
		corrID = uuid.NewString()
	}
	ctx = correlation.WithID(ctx, corrID)
	logger := h.logger.With().
		Str("correlation_id", corrID).
		Int64("offset", msg.Offset).
		Logger()

	var m linkMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		logger.Warn().Err(err).Msg("dropping undecodable link event")
		return nil
	}
	if m.HIPID == "" || m.HealthNumber == "" {
		logger.Warn().Msg("dropping link event without hipId or healthNumber")
		return nil
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	patientID := m.HealthNumber
	if h.directory != nil {
		resolved, err := userdirectory.ResolvePatientID(ctx, h.directory, m.HealthNumber)
		if err != nil {
			return err
		}
		patientID = resolved
	}

	_, err := h.relay.OnLinkEstablished(ctx, LinkEvent{
		PatientID:    patientID,
		HIPID:        m.HIPID,
		Timestamp:    m.Timestamp,
		CareContexts: m.CareContexts,
	})
	return err
}
