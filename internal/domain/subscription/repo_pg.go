package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/cm/cm/internal/platform/apperr"
	"github.com/cm/cm/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct {
	read   *pgxpool.Pool
	write  *pgxpool.Pool
	logger zerolog.Logger
}

// NewStorePG creates a PostgreSQL-backed Store. Reads go to read, writes and
// every transaction to write.
func NewStorePG(read, write *pgxpool.Pool, logger zerolog.Logger) Store {
	return &storePG{read: read, write: write, logger: logger}
}

func (r *storePG) reader(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.read
}

func (r *storePG) writer(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.write
}

// fail logs an uncoded database error and hides it behind
// db_operation_failed. Coded errors pass through.
func (r *storePG) fail(op string, id uuid.UUID, err error) error {
	if apperr.CodeOf(err) != "" {
		return err
	}
	r.logger.Error().Err(err).Str("op", op).Str("subscription_id", id.String()).Msg("subscription store failure")
	return apperr.DBOperationFailed(err)
}

const requestCols = `request_id, patient_id, status, details, date_created, date_modified`

const sourceCols = `hip_id, category_link, category_data, hi_types, period_from, period_to,
	status, excluded, active`

func scanRequest(row pgx.Row) (*Request, error) {
	var (
		req     Request
		status  string
		details []byte
	)
	if err := row.Scan(&req.ID, &req.PatientID, &status, &details, &req.CreatedAt, &req.ModifiedAt); err != nil {
		return nil, err
	}
	req.Status = Status(status)
	if err := json.Unmarshal(details, &req.Detail); err != nil {
		return nil, fmt.Errorf("decode details of %s: %w", req.ID, err)
	}
	return &req, nil
}

// sourceScan holds the raw columns of a source row.
type sourceScan struct {
	hipID        *string
	categoryLink bool
	categoryData bool
	hiTypes      []byte
	status       string
	src          Source
}

func (s *sourceScan) targets() []interface{} {
	return []interface{}{&s.hipID, &s.categoryLink, &s.categoryData, &s.hiTypes,
		&s.src.Period.From, &s.src.Period.To, &s.status, &s.src.Excluded, &s.src.Active}
}

func (s *sourceScan) source() (Source, error) {
	src := s.src
	if s.hipID != nil {
		src.HIP = &HIPReference{ID: *s.hipID}
	}
	if s.categoryLink {
		src.Categories = append(src.Categories, CategoryLink)
	}
	if s.categoryData {
		src.Categories = append(src.Categories, CategoryData)
	}
	src.HITypes = []string{}
	if len(s.hiTypes) > 0 {
		if err := json.Unmarshal(s.hiTypes, &src.HITypes); err != nil {
			return Source{}, fmt.Errorf("decode hi_types: %w", err)
		}
	}
	src.Status = Status(s.status)
	return src, nil
}

func subscriptionFrom(req *Request) *Subscription {
	return &Subscription{
		ID:         req.ID,
		PatientID:  req.PatientID,
		HIU:        req.Detail.HIU,
		Purpose:    req.Detail.Purpose,
		Status:     req.Status,
		Sources:    []Source{},
		CreatedAt:  req.CreatedAt,
		ModifiedAt: req.ModifiedAt,
	}
}

func (r *storePG) InsertRequest(ctx context.Context, detail Detail, requestID uuid.UUID) error {
	details, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("encode subscription detail: %w", err)
	}
	_, err = r.writer(ctx).Exec(ctx, `
		INSERT INTO subscription_request (request_id, patient_id, status, details)
		VALUES ($1, $2, $3, $4)`,
		requestID, detail.Patient.ID, string(StatusRequested), details)
	if err != nil {
		return r.fail("insert_request", requestID, err)
	}
	return nil
}

func (r *storePG) GetRequest(ctx context.Context, requestID uuid.UUID) (*Request, error) {
	req, err := scanRequest(r.reader(ctx).QueryRow(ctx,
		`SELECT `+requestCols+` FROM subscription_request WHERE request_id = $1`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("subscription request not found")
	}
	if err != nil {
		return nil, r.fail("get_request", requestID, err)
	}
	return req, nil
}

// lockRequest reads the request row FOR UPDATE so writers to the same
// subscription serialize on it.
func lockRequest(ctx context.Context, tx pgx.Tx, requestID uuid.UUID) (*Request, error) {
	req, err := scanRequest(tx.QueryRow(ctx,
		`SELECT `+requestCols+` FROM subscription_request WHERE request_id = $1 FOR UPDATE`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("subscription request not found")
	}
	return req, err
}

func (r *storePG) locked(ctx context.Context, op string, id uuid.UUID, guard Guard, fn func(ctx context.Context, tx pgx.Tx) error) error {
	err := db.RunInTx(ctx, r.write, func(ctx context.Context, tx pgx.Tx) error {
		req, err := lockRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(req); err != nil {
				return err
			}
		}
		return fn(ctx, tx)
	})
	if err != nil {
		return r.fail(op, id, err)
	}
	return nil
}

func (r *storePG) UpdateStatus(ctx context.Context, requestID uuid.UUID, status Status, guard Guard) error {
	return r.locked(ctx, "update_status", requestID, guard, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE subscription_request SET status = $2, date_modified = NOW()
			WHERE request_id = $1`, requestID, string(status))
		return err
	})
}

func (r *storePG) ApplyDiff(ctx context.Context, diff *Diff, guard Guard) error {
	return r.locked(ctx, "apply_diff", diff.SubscriptionID, guard, func(ctx context.Context, tx pgx.Tx) error {
		if err := deactivate(ctx, tx, diff.SubscriptionID, diff.Deactivate); err != nil {
			return fmt.Errorf("deactivate sources: %w", err)
		}
		if err := upsertSources(ctx, tx, diff); err != nil {
			return fmt.Errorf("upsert sources: %w", err)
		}
		_, err := tx.Exec(ctx, `
			UPDATE subscription_request SET status = $2, date_modified = NOW()
			WHERE request_id = $1`, diff.SubscriptionID, string(StatusGranted))
		return err
	})
}

func deactivate(ctx context.Context, tx pgx.Tx, id uuid.UUID, d Deactivation) error {
	if d.All {
		_, err := tx.Exec(ctx, `
			UPDATE subscription_source SET active = FALSE, date_modified = NOW()
			WHERE subscription_id = $1 AND active
			  AND NOT (COALESCE(hip_id, '') = ANY($2))`, id, d.Keep)
		return err
	}
	if len(d.HIPIDs) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE subscription_source SET active = FALSE, date_modified = NOW()
		WHERE subscription_id = $1 AND active AND hip_id = ANY($2)`, id, d.HIPIDs)
	return err
}

const upsertSourceSQL = `
	INSERT INTO subscription_source (subscription_id, hip_id, category_link, category_data,
		hi_types, period_from, period_to, status, excluded, active)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
	ON CONFLICT ((COALESCE(hip_id, '')), subscription_id) DO UPDATE SET
		category_link = EXCLUDED.category_link,
		category_data = EXCLUDED.category_data,
		hi_types      = EXCLUDED.hi_types,
		period_from   = EXCLUDED.period_from,
		period_to     = EXCLUDED.period_to,
		status        = EXCLUDED.status,
		excluded      = EXCLUDED.excluded,
		active        = TRUE,
		date_modified = NOW()`

func upsertSources(ctx context.Context, tx pgx.Tx, diff *Diff) error {
	batch := &pgx.Batch{}
	queue := func(s SourceRequest, excluded bool) error {
		hiTypes := s.HITypes
		if hiTypes == nil {
			hiTypes = []string{}
		}
		encoded, err := json.Marshal(hiTypes)
		if err != nil {
			return err
		}
		var hipID *string
		if s.HIP != nil {
			id := s.HIP.ID
			hipID = &id
		}
		batch.Queue(upsertSourceSQL,
			diff.SubscriptionID, hipID,
			hasCategory(s.Categories, CategoryLink), hasCategory(s.Categories, CategoryData),
			encoded, s.Period.From, s.Period.To, string(StatusGranted), excluded)
		return nil
	}
	for _, s := range diff.Included {
		if err := queue(s, false); err != nil {
			return err
		}
	}
	for _, s := range diff.Excluded {
		if err := queue(s, true); err != nil {
			return err
		}
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return err
		}
	}
	return results.Close()
}

func (r *storePG) Revoke(ctx context.Context, subscriptionID uuid.UUID, guard Guard) error {
	return r.locked(ctx, "revoke", subscriptionID, guard, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE subscription_source SET active = FALSE, status = $2, date_modified = NOW()
			WHERE subscription_id = $1`, subscriptionID, string(StatusRevoked)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE subscription_request SET status = $2, date_modified = NOW()
			WHERE request_id = $1`, subscriptionID, string(StatusRevoked))
		return err
	})
}

func (r *storePG) FindActive(ctx context.Context, subscriptionID uuid.UUID, requireActive bool) (*Subscription, error) {
	rows, err := r.reader(ctx).Query(ctx, `
		SELECT r.request_id, r.patient_id, r.status, r.details, r.date_created, r.date_modified,
			s.hip_id, s.category_link, s.category_data, s.hi_types, s.period_from, s.period_to,
			s.status, s.excluded, s.active
		FROM subscription_request r
		JOIN subscription_source s ON s.subscription_id = r.request_id
		WHERE r.request_id = $1 AND (s.active OR NOT $2::boolean)
		ORDER BY s.id`, subscriptionID, requireActive)
	if err != nil {
		return nil, r.fail("find_active", subscriptionID, err)
	}
	defer rows.Close()

	var sub *Subscription
	for rows.Next() {
		var (
			req     Request
			status  string
			details []byte
			ss      sourceScan
		)
		targets := append([]interface{}{&req.ID, &req.PatientID, &status, &details, &req.CreatedAt, &req.ModifiedAt}, ss.targets()...)
		if err := rows.Scan(targets...); err != nil {
			return nil, r.fail("find_active", subscriptionID, err)
		}
		if sub == nil {
			req.Status = Status(status)
			if err := json.Unmarshal(details, &req.Detail); err != nil {
				return nil, r.fail("find_active", subscriptionID, err)
			}
			sub = subscriptionFrom(&req)
		}
		src, err := ss.source()
		if err != nil {
			return nil, r.fail("find_active", subscriptionID, err)
		}
		sub.Sources = append(sub.Sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, r.fail("find_active", subscriptionID, err)
	}
	if sub == nil {
		return nil, apperr.NotFound("subscription not found")
	}
	return sub, nil
}

func (r *storePG) ListFor(ctx context.Context, patientID, hiuID string, limit, offset int) ([]*Subscription, int, error) {
	const filter = `FROM subscription_request
		WHERE patient_id = $1 AND status = $2 AND details -> 'hiu' ->> 'id' = $3`
	q := r.reader(ctx)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) `+filter, patientID, string(StatusGranted), hiuID).Scan(&total); err != nil {
		return nil, 0, r.fail("list_for", uuid.Nil, err)
	}

	rows, err := q.Query(ctx, `SELECT `+requestCols+` `+filter+`
		ORDER BY date_modified DESC, request_id LIMIT $4 OFFSET $5`,
		patientID, string(StatusGranted), hiuID, limit, offset)
	if err != nil {
		return nil, 0, r.fail("list_for", uuid.Nil, err)
	}
	items := []*Subscription{}
	byID := map[uuid.UUID]*Subscription{}
	var ids []string
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, 0, r.fail("list_for", uuid.Nil, err)
		}
		sub := subscriptionFrom(req)
		items = append(items, sub)
		byID[sub.ID] = sub
		ids = append(ids, sub.ID.String())
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, r.fail("list_for", uuid.Nil, err)
	}
	if len(ids) == 0 {
		return items, total, nil
	}

	srcRows, err := q.Query(ctx, `SELECT subscription_id, `+sourceCols+`
		FROM subscription_source
		WHERE subscription_id = ANY($1::uuid[]) AND active
		ORDER BY id`, ids)
	if err != nil {
		return nil, 0, r.fail("list_for", uuid.Nil, err)
	}
	defer srcRows.Close()
	for srcRows.Next() {
		var (
			subID uuid.UUID
			ss    sourceScan
		)
		if err := srcRows.Scan(append([]interface{}{&subID}, ss.targets()...)...); err != nil {
			return nil, 0, r.fail("list_for", uuid.Nil, err)
		}
		src, err := ss.source()
		if err != nil {
			return nil, 0, r.fail("list_for", subID, err)
		}
		if sub, ok := byID[subID]; ok {
			sub.Sources = append(sub.Sources, src)
		}
	}
	if err := srcRows.Err(); err != nil {
		return nil, 0, r.fail("list_for", uuid.Nil, err)
	}
	return items, total, nil
}

func (r *storePG) FindMatching(ctx context.Context, patientID, hipID string) ([]*Subscription, error) {
	rows, err := r.reader(ctx).Query(ctx, `
		SELECT `+requestCols+`
		FROM subscription_request r
		WHERE r.patient_id = $1 AND r.status = $3
		  AND EXISTS (
			SELECT 1 FROM subscription_source s
			WHERE s.subscription_id = r.request_id AND s.active AND NOT s.excluded
			  AND s.category_link AND (s.hip_id = $2 OR s.hip_id IS NULL))
		  AND NOT EXISTS (
			SELECT 1 FROM subscription_source x
			WHERE x.subscription_id = r.request_id AND x.active AND x.excluded AND x.hip_id = $2)
		ORDER BY r.date_modified DESC`, patientID, hipID, string(StatusGranted))
	if err != nil {
		return nil, r.fail("find_matching", uuid.Nil, err)
	}
	defer rows.Close()

	var items []*Subscription
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, r.fail("find_matching", uuid.Nil, err)
		}
		items = append(items, subscriptionFrom(req))
	}
	if err := rows.Err(); err != nil {
		return nil, r.fail("find_matching", uuid.Nil, err)
	}
	return items, nil
}
