package subscription

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cm/cm/internal/platform/apperr"
	"github.com/cm/cm/internal/platform/userdirectory"
)

// -- In-memory Store --

type memStore struct {
	mu         sync.Mutex
	requests   map[uuid.UUID]*Request
	sources    map[uuid.UUID]map[string]*Source
	applyErr   error
	applyCalls int
}

func newMemStore() *memStore {
	return &memStore{
		requests: make(map[uuid.UUID]*Request),
		sources:  make(map[uuid.UUID]map[string]*Source),
	}
}

func testPeriod() Period {
	now := time.Now().UTC().Truncate(time.Second)
	return Period{From: now.Add(-24 * time.Hour), To: now.Add(365 * 24 * time.Hour)}
}

func (m *memStore) seed(patientID, hiuID string, status Status) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	now := time.Now()
	m.requests[id] = &Request{
		ID:        id,
		PatientID: patientID,
		Status:    status,
		Detail: Detail{
			Patient:    PatientReference{ID: patientID},
			HIU:        HIUReference{ID: hiuID},
			Categories: []Category{CategoryLink},
			Period:     testPeriod(),
		},
		CreatedAt:  now,
		ModifiedAt: now,
	}
	return id
}

func (m *memStore) InsertRequest(_ context.Context, detail Detail, requestID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.requests[requestID] = &Request{ID: requestID, PatientID: detail.Patient.ID, Status: StatusRequested, Detail: detail, CreatedAt: now, ModifiedAt: now}
	return nil
}

func (m *memStore) GetRequest(_ context.Context, id uuid.UUID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("subscription request not found")
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) locked(id uuid.UUID, guard Guard) (*Request, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("subscription request not found")
	}
	if guard != nil {
		if err := guard(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (m *memStore) UpdateStatus(_ context.Context, id uuid.UUID, status Status, guard Guard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.locked(id, guard)
	if err != nil {
		return err
	}
	r.Status = status
	r.ModifiedAt = time.Now()
	return nil
}

func (m *memStore) ApplyDiff(_ context.Context, diff *Diff, guard Guard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyCalls++
	r, err := m.locked(diff.SubscriptionID, guard)
	if err != nil {
		return err
	}
	if m.applyErr != nil {
		return m.applyErr
	}

	rows := m.sources[diff.SubscriptionID]
	if rows == nil {
		rows = make(map[string]*Source)
		m.sources[diff.SubscriptionID] = rows
	}
	keep := map[string]bool{}
	for _, k := range diff.Deactivate.Keep {
		keep[k] = true
	}
	deactivate := map[string]bool{}
	for _, k := range diff.Deactivate.HIPIDs {
		deactivate[k] = true
	}
	for key, row := range rows {
		if (diff.Deactivate.All && !keep[key]) || (!diff.Deactivate.All && deactivate[key]) {
			row.Active = false
		}
	}
	put := func(s SourceRequest, excluded bool) {
		rows[scopeKey(s.HIP)] = &Source{
			HIP: s.HIP, Categories: s.Categories, HITypes: s.HITypes, Period: s.Period,
			Status: StatusGranted, Excluded: excluded, Active: true,
		}
	}
	for _, s := range diff.Included {
		put(s, false)
	}
	for _, s := range diff.Excluded {
		put(s, true)
	}
	r.Status = StatusGranted
	r.ModifiedAt = time.Now()
	return nil
}

func (m *memStore) Revoke(_ context.Context, id uuid.UUID, guard Guard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.locked(id, guard)
	if err != nil {
		return err
	}
	for _, row := range m.sources[id] {
		row.Active = false
		row.Status = StatusRevoked
	}
	r.Status = StatusRevoked
	return nil
}

func (m *memStore) subscription(r *Request, activeOnly bool) *Subscription {
	sub := subscriptionFrom(r)
	keys := make([]string, 0, len(m.sources[r.ID]))
	for k := range m.sources[r.ID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if row := m.sources[r.ID][k]; row.Active || !activeOnly {
			sub.Sources = append(sub.Sources, *row)
		}
	}
	return sub
}

func (m *memStore) FindActive(_ context.Context, id uuid.UUID, requireActive bool) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("subscription not found")
	}
	sub := m.subscription(r, requireActive)
	if len(sub.Sources) == 0 {
		return nil, apperr.NotFound("subscription not found")
	}
	return sub, nil
}

func (m *memStore) ListFor(_ context.Context, patientID, hiuID string, limit, offset int) ([]*Subscription, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Subscription
	for _, r := range m.requests {
		if r.PatientID == patientID && r.Detail.HIU.ID == hiuID && r.Status == StatusGranted {
			all = append(all, m.subscription(r, true))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ModifiedAt.After(all[j].ModifiedAt) })
	total := len(all)
	if offset >= total {
		return []*Subscription{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memStore) FindMatching(_ context.Context, patientID, hipID string) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, r := range m.requests {
		if r.PatientID != patientID || r.Status != StatusGranted {
			continue
		}
		rows := m.sources[r.ID]
		if ex := rows[hipID]; ex != nil && ex.Active && ex.Excluded {
			continue
		}
		for _, key := range []string{hipID, ""} {
			if row := rows[key]; row != nil && row.Active && !row.Excluded && hasCategory(row.Categories, CategoryLink) {
				out = append(out, subscriptionFrom(r))
				break
			}
		}
	}
	return out, nil
}

// -- Directory stub --

type stubDirectory map[string]userdirectory.User

func (d stubDirectory) Lookup(_ context.Context, id string) (userdirectory.User, error) {
	u, ok := d[id]
	if !ok {
		return userdirectory.User{}, apperr.NotFound("user not found")
	}
	return u, nil
}

func newTestService() (*Service, *memStore) {
	store := newMemStore()
	dir := stubDirectory{"91-1111": {ID: "91-1111", AlternateID: "patient-1@ncg"}}
	svc := NewService(store, NewReconciler(store, zerolog.Nop(), nil), dir, zerolog.Nop())
	return svc, store
}

func allHIPsApproval() ApprovalRequest {
	return ApprovalRequest{IsApplicableForAllHIPs: true, IncludedSources: []SourceRequest{source(nil)}}
}

// -- Tests --

func TestCreateRequest(t *testing.T) {
	svc, store := newTestService()
	detail := Detail{
		Patient:    PatientReference{ID: "91-1111"},
		HIU:        HIUReference{ID: "hiu-1", Name: "City Lab"},
		Categories: []Category{CategoryLink, CategoryData},
		Period:     testPeriod(),
	}

	id, err := svc.CreateRequest(context.Background(), detail)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := store.requests[id]
	if req == nil || req.Status != StatusRequested {
		t.Fatalf("expected REQUESTED row, got %+v", req)
	}
	if req.PatientID != "patient-1@ncg" {
		t.Errorf("expected patient id resolved to alternate id, got %q", req.PatientID)
	}
}

func TestCreateRequest_Validation(t *testing.T) {
	svc, _ := newTestService()
	valid := Detail{
		Patient:    PatientReference{ID: "p"},
		HIU:        HIUReference{ID: "hiu-1"},
		Categories: []Category{CategoryLink},
		Period:     testPeriod(),
	}
	tests := []struct {
		name   string
		mutate func(d *Detail)
	}{
		{"missing patient", func(d *Detail) { d.Patient.ID = "" }},
		{"missing hiu", func(d *Detail) { d.HIU.ID = "" }},
		{"no categories", func(d *Detail) { d.Categories = nil }},
		{"unknown category", func(d *Detail) { d.Categories = []Category{"EVERYTHING"} }},
		{"inverted period", func(d *Detail) { d.Period.From, d.Period.To = d.Period.To, d.Period.From }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			_, err := svc.CreateRequest(context.Background(), d)
			if !apperr.HasCode(err, apperr.CodeInvalidRequest) {
				t.Errorf("expected invalid_request, got %v", err)
			}
		})
	}
}

func TestApprove_GrantsRequest(t *testing.T) {
	svc, store := newTestService()
	id := store.seed("patient-1@ncg", "hiu-1", StatusRequested)

	if err := svc.Approve(context.Background(), "91-1111", id, allHIPsApproval()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub, err := svc.Get(context.Background(), "patient-1@ncg", id, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.Status != StatusGranted || len(sub.Sources) != 1 || sub.Sources[0].HIP != nil {
		t.Errorf("unexpected subscription %+v", sub)
	}
}

func TestApprove_ValidatesBeforeLookup(t *testing.T) {
	svc, store := newTestService()

	err := svc.Approve(context.Background(), "patient-1@ncg", uuid.New(), ApprovalRequest{})
	if !apperr.HasCode(err, apperr.CodeInvalidRequest) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
	if store.applyCalls != 0 {
		t.Error("expected no store access")
	}
}

func TestApprove_Guards(t *testing.T) {
	svc, store := newTestService()
	granted := store.seed("patient-1@ncg", "hiu-1", StatusGranted)
	other := store.seed("patient-2@ncg", "hiu-1", StatusRequested)
	expired := store.seed("patient-1@ncg", "hiu-1", StatusRequested)
	store.requests[expired].Detail.Period.To = time.Now().Add(-time.Hour)

	tests := []struct {
		name string
		id   uuid.UUID
		code apperr.Code
	}{
		{"unknown request", uuid.New(), apperr.CodeNotFound},
		{"already granted", granted, apperr.CodeInvalidRequest},
		{"another patient", other, apperr.CodeNotFound},
		{"expired", expired, apperr.CodeExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.Approve(context.Background(), "patient-1@ncg", tt.id, allHIPsApproval())
			if !apperr.HasCode(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestUpdateSources_RequiresGranted(t *testing.T) {
	svc, store := newTestService()
	pending := store.seed("patient-1@ncg", "hiu-1", StatusRequested)

	err := svc.UpdateSources(context.Background(), "patient-1@ncg", pending, allHIPsApproval())
	if !apperr.HasCode(err, apperr.CodeInvalidRequest) {
		t.Fatalf("expected invalid_request, got %v", err)
	}

	if err := svc.Approve(context.Background(), "patient-1@ncg", pending, allHIPsApproval()); err != nil {
		t.Fatalf("approve: %v", err)
	}
	specific := ApprovalRequest{IncludedSources: []SourceRequest{source(hip("hip-1"))}}
	if err := svc.UpdateSources(context.Background(), "patient-1@ncg", pending, specific); err != nil {
		t.Fatalf("update sources: %v", err)
	}
	sub, _ := svc.Get(context.Background(), "patient-1@ncg", pending, false)
	if len(sub.Sources) != 1 || sub.Sources[0].HIP == nil || sub.Sources[0].HIP.ID != "hip-1" {
		t.Fatalf("expected only hip-1 active, got %+v", sub.Sources)
	}
	if matches, _ := store.FindMatching(context.Background(), "patient-1@ncg", "hip-9"); len(matches) != 0 {
		t.Errorf("expected hip-9 to stop matching after narrowing, got %d", len(matches))
	}
}

func TestUpdateSources_DropsRemovedHIPs(t *testing.T) {
	svc, store := newTestService()
	id := store.seed("patient-1@ncg", "hiu-1", StatusRequested)
	ctx := context.Background()

	both := ApprovalRequest{IncludedSources: []SourceRequest{source(hip("hip-1")), source(hip("hip-2"))}}
	if err := svc.Approve(ctx, "patient-1@ncg", id, both); err != nil {
		t.Fatalf("approve: %v", err)
	}
	other := ApprovalRequest{IncludedSources: []SourceRequest{source(hip("hip-3"))}}
	if err := svc.UpdateSources(ctx, "patient-1@ncg", id, other); err != nil {
		t.Fatalf("update sources: %v", err)
	}

	for hipID, want := range map[string]int{"hip-1": 0, "hip-2": 0, "hip-3": 1} {
		matches, err := store.FindMatching(ctx, "patient-1@ncg", hipID)
		if err != nil {
			t.Fatalf("find matching %s: %v", hipID, err)
		}
		if len(matches) != want {
			t.Errorf("%s: expected %d matches, got %d", hipID, want, len(matches))
		}
	}
}

func TestDeny(t *testing.T) {
	svc, store := newTestService()
	id := store.seed("patient-1@ncg", "hiu-1", StatusRequested)

	if err := svc.Deny(context.Background(), "patient-1@ncg", id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.requests[id].Status != StatusDenied {
		t.Errorf("expected DENIED, got %s", store.requests[id].Status)
	}
	if err := svc.Deny(context.Background(), "patient-1@ncg", id); !apperr.HasCode(err, apperr.CodeInvalidRequest) {
		t.Errorf("expected second deny to be rejected, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	svc, store := newTestService()
	id := store.seed("patient-1@ncg", "hiu-1", StatusRequested)
	if err := svc.Approve(context.Background(), "patient-1@ncg", id, allHIPsApproval()); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if err := svc.Revoke(context.Background(), "patient-1@ncg", id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Get(context.Background(), "patient-1@ncg", id, false); !apperr.HasCode(err, apperr.CodeNotFound) {
		t.Errorf("expected no active sources after revoke, got %v", err)
	}
	sub, err := svc.Get(context.Background(), "patient-1@ncg", id, true)
	if err != nil {
		t.Fatalf("includeInactive: %v", err)
	}
	if sub.Status != StatusRevoked || sub.Sources[0].Status != StatusRevoked {
		t.Errorf("unexpected revoked subscription %+v", sub)
	}
}

func TestList_PagesAndCounts(t *testing.T) {
	svc, store := newTestService()
	for i := 0; i < 12; i++ {
		id := store.seed("patient-1@ncg", "hiu-1", StatusRequested)
		if err := svc.Approve(context.Background(), "patient-1@ncg", id, allHIPsApproval()); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	store.seed("patient-1@ncg", "hiu-1", StatusRequested)
	store.seed("patient-1@ncg", "hiu-2", StatusGranted)

	items, total, err := svc.List(context.Background(), "patient-1@ncg", "hiu-1", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 10 || total != 12 {
		t.Errorf("expected 10 items of 12, got %d of %d", len(items), total)
	}

	items, total, _ = svc.List(context.Background(), "patient-1@ncg", "hiu-1", 10, 10)
	if len(items) != 2 || total != 12 {
		t.Errorf("expected 2 items of 12 on second page, got %d of %d", len(items), total)
	}
}

func TestList_RequiresHIU(t *testing.T) {
	svc, _ := newTestService()
	_, _, err := svc.List(context.Background(), "patient-1@ncg", "", 10, 0)
	if !apperr.HasCode(err, apperr.CodeInvalidRequest) {
		t.Errorf("expected invalid_request, got %v", err)
	}
}

func TestGet_OtherPatientNotFound(t *testing.T) {
	svc, store := newTestService()
	id := store.seed("patient-2@ncg", "hiu-1", StatusRequested)
	if err := svc.Approve(context.Background(), "patient-2@ncg", id, allHIPsApproval()); err != nil {
		t.Fatalf("approve: %v", err)
	}

	_, err := svc.Get(context.Background(), "patient-1@ncg", id, false)
	if !apperr.HasCode(err, apperr.CodeNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestService_DirectoryFailure(t *testing.T) {
	store := newMemStore()
	failing := directoryFunc(func(context.Context, string) (userdirectory.User, error) {
		return userdirectory.User{}, apperr.NetworkServiceError(errors.New("dial tcp: refused"))
	})
	svc := NewService(store, NewReconciler(store, zerolog.Nop(), nil), failing, zerolog.Nop())

	_, _, err := svc.List(context.Background(), "patient-1@ncg", "hiu-1", 10, 0)
	if !apperr.HasCode(err, apperr.CodeNetworkServiceError) {
		t.Errorf("expected network_service_error, got %v", err)
	}
}

type directoryFunc func(ctx context.Context, id string) (userdirectory.User, error)

func (f directoryFunc) Lookup(ctx context.Context, id string) (userdirectory.User, error) {
	return f(ctx, id)
}
