// Package integration is the resource-operation façade and webhook
// ingestion pipeline over the external health-system request client.
// It translates uniform clinical-resource operations into each
// partner's conventions and verifies inbound asynchronous callbacks.
package integration

import (
	"encoding/json"
	"time"
)

// Resource type tags accepted by the façade.
const (
	ResourcePatient     = "Patient"
	ResourceObservation = "Observation"
	ResourceAppointment = "Appointment"
)

// ClinicalResource is a partner-native clinical payload with the
// minimal normalized fields this layer extracts. It is transient:
// this layer never persists synced clinical data.
type ClinicalResource struct {
	Type    string          `json:"resource_type"`
	ID      string          `json:"id"`
	Status  string          `json:"status,omitempty"`
	Subject string          `json:"subject,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// PatientRecord is the composite result of a full patient sync.
type PatientRecord struct {
	Provider     string             `json:"provider"`
	PatientID    string             `json:"patient_id"`
	Patient      *ClinicalResource  `json:"patient"`
	Observations []ClinicalResource `json:"observations"`
	Appointments []ClinicalResource `json:"appointments"`
	SyncedAt     time.Time          `json:"synced_at"`
}

// WebhookReceipt is the persisted record of one inbound callback.
// It is written unprocessed before dispatch and marked processed only
// after its handler completes without error; unprocessed receipts are
// retained for external retry.
type WebhookReceipt struct {
	ID         string          `json:"id"`
	Provider   string          `json:"provider"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Signature  string          `json:"signature,omitempty"`
	Processed  bool            `json:"processed"`
	ReceivedAt time.Time       `json:"received_at"`
	Error      string          `json:"error,omitempty"`
}

// ProviderStatus is one partner's entry in the status snapshot.
type ProviderStatus struct {
	Provider      string    `json:"provider"`
	Name          string    `json:"name"`
	AuthKind      string    `json:"auth_kind"`
	Enabled       bool      `json:"enabled"`
	TokenValid    bool      `json:"token_valid"`
	RateRemaining int       `json:"rate_remaining"`
	RateResetAt   time.Time `json:"rate_reset_at,omitempty"`
}
