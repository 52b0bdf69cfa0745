// Package models holds the wire-level DTOs shared between the daemon
// surface, the registry client, and external consumers. Nothing here
// carries private key material.
package models

import (
	"strings"
	"time"
)

type KeyVersionSummary struct {
	Version     int       `json:"version"`
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	PublicKey   []byte    `json:"public_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type KeyIdentitySummary struct {
	KeyID          string              `json:"key_id"`
	CurrentVersion int                 `json:"current_version"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	Versions       []KeyVersionSummary `json:"versions"`
}

type RegistrationState string

const (
	RegistrationPending RegistrationState = "pending"
	RegistrationActive  RegistrationState = "active"
	RegistrationRevoked RegistrationState = "revoked"
)

func KnownRegistrationState(s string) bool {
	switch RegistrationState(strings.ToLower(strings.TrimSpace(s))) {
	case RegistrationPending, RegistrationActive, RegistrationRevoked:
		return true
	default:
		return false
	}
}

type Registration struct {
	RegistrationID string `json:"registration_id"`
	Status         string `json:"status"`
}

type RegistrationStatus struct {
	Status    string `json:"status"`
	PublicKey []byte `json:"public_key"`
}

type SignatureHeaders struct {
	Signature      string            `json:"signature"`
	SignatureInput string            `json:"signature_input"`
	Headers        map[string]string `json:"headers"`
}

type VerificationOutcome struct {
	Valid       bool             `json:"valid"`
	Stage       string           `json:"stage"`
	Reason      string           `json:"reason,omitempty"`
	KeyID       string           `json:"key_id,omitempty"`
	Algorithm   string           `json:"algorithm,omitempty"`
	Missing     []string         `json:"missing,omitempty"`
	Extra       []string         `json:"extra,omitempty"`
	ElapsedUs   int64            `json:"elapsed_us"`
	StageMicros map[string]int64 `json:"stage_us,omitempty"`
}

type ComponentInspection struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Present bool   `json:"present"`
	Issue   string `json:"issue,omitempty"`
}

type SignatureInspection struct {
	Label         string                `json:"label"`
	KeyID         string                `json:"key_id,omitempty"`
	Algorithm     string                `json:"algorithm,omitempty"`
	Created       int64                 `json:"created,omitempty"`
	Expires       int64                 `json:"expires,omitempty"`
	Nonce         string                `json:"nonce,omitempty"`
	HasSignature  bool                  `json:"has_signature"`
	SecurityLevel string                `json:"security_level"`
	Components    []ComponentInspection `json:"components,omitempty"`
	Issues        []string              `json:"issues,omitempty"`
}

type InspectionReport struct {
	Signatures []SignatureInspection `json:"signatures,omitempty"`
	Issues     []string              `json:"issues,omitempty"`
}
