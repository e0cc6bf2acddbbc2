package gateway

import "time"

// Category of a subscription notification.
const (
	CategoryLink = "LINK"
	CategoryData = "DATA"
)

// Envelope is the body of a subscription notification sent to the gateway.
type Envelope struct {
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
	Event     Event     `json:"event"`
}

type Event struct {
	ID             string    `json:"id"`
	Published      time.Time `json:"published"`
	SubscriptionID string    `json:"subscriptionId"`
	Category       string    `json:"category"`
	Content        Content   `json:"content"`
}

type Content struct {
	Patient PatientRef          `json:"patient"`
	HIP     HIPRef              `json:"hip"`
	Context []CareContextDetail `json:"context"`
}

type PatientRef struct {
	ID string `json:"id"`
}

type HIPRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// CareContextDetail wraps a linked care context. HITypes is always present in
// the payload, empty when unknown.
type CareContextDetail struct {
	CareContext CareContextRef `json:"careContext"`
	HITypes     []string       `json:"hiTypes"`
}

type CareContextRef struct {
	PatientReference     string `json:"patientReference"`
	CareContextReference string `json:"careContextReference"`
}
