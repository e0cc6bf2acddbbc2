package subscription

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a subscription request and of its
// source rows.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusGranted   Status = "GRANTED"
	StatusDenied    Status = "DENIED"
	StatusRevoked   Status = "REVOKED"
)

type Category string

const (
	CategoryLink Category = "LINK"
	CategoryData Category = "DATA"
)

type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type PatientReference struct {
	ID string `json:"id"`
}

type HIUReference struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type HIPReference struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Purpose struct {
	Code string `json:"code,omitempty"`
	Text string `json:"text,omitempty"`
}

// Detail is what an HIU asks for when it subscribes. It is persisted as the
// request's details document.
type Detail struct {
	Patient    PatientReference `json:"patient"`
	HIU        HIUReference     `json:"hiu"`
	HIPs       []HIPReference   `json:"hips,omitempty"`
	Categories []Category       `json:"categories"`
	Period     Period           `json:"period"`
	Purpose    Purpose          `json:"purpose"`
}

// Request maps to the subscription_request table. Its id is also the id of
// the subscription once granted.
type Request struct {
	ID         uuid.UUID `json:"id"`
	PatientID  string    `json:"patientId"`
	Status     Status    `json:"status"`
	Detail     Detail    `json:"detail"`
	CreatedAt  time.Time `json:"dateCreated"`
	ModifiedAt time.Time `json:"dateModified"`
}

// Source maps to one subscription_source row. A nil HIP is the all-HIPs
// scope.
type Source struct {
	HIP        *HIPReference `json:"hip,omitempty"`
	Categories []Category    `json:"categories"`
	HITypes    []string      `json:"hiTypes"`
	Period     Period        `json:"period"`
	Status     Status        `json:"status"`
	Excluded   bool          `json:"excluded"`
	Active     bool          `json:"active"`
}

// Subscription is a granted (or revoked) request together with its sources.
type Subscription struct {
	ID         uuid.UUID    `json:"subscriptionId"`
	PatientID  string       `json:"patientId"`
	HIU        HIUReference `json:"hiu"`
	Purpose    Purpose      `json:"purpose"`
	Status     Status       `json:"status"`
	Sources    []Source     `json:"sources"`
	CreatedAt  time.Time    `json:"dateCreated"`
	ModifiedAt time.Time    `json:"dateModified"`
}

// SourceRequest is one source in an approval. A nil HIP is the all-HIPs
// scope.
type SourceRequest struct {
	HIP        *HIPReference `json:"hip,omitempty"`
	Categories []Category    `json:"categories"`
	HITypes    []string      `json:"hiTypes"`
	Period     Period        `json:"period"`
}

// ApprovalRequest is a patient's decision on which HIPs a subscription
// covers.
type ApprovalRequest struct {
	IsApplicableForAllHIPs bool            `json:"isApplicableForAllHIPs"`
	IncludedSources        []SourceRequest `json:"includeSources"`
	ExcludedSources        []SourceRequest `json:"excludeSources"`
}

// scopeKey is the unique key of a source within its subscription. The
// all-HIPs scope is "".
func scopeKey(hip *HIPReference) string {
	if hip == nil {
		return ""
	}
	return hip.ID
}

func hasCategory(cats []Category, want Category) bool {
	for _, c := range cats {
		if c == want {
			return true
		}
	}
	return false
}
