// Package registry is the durable record of accounts an operator sponsored,
// their last known status, and lifetime rent metrics.
package registry

import (
	"errors"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrAccountNotFound  = errors.New("registry: account not found")
	ErrOperatorMismatch = errors.New("registry: file belongs to another operator")
	ErrLockHeld         = errors.New("registry: another run is in progress")
	ErrPersist          = errors.New("registry: persist failed")
	ErrCorrupt          = errors.New("registry: file is corrupt")
)

// -----------------------------------------------------------------------------
// Enumerations
// -----------------------------------------------------------------------------

// Kind is the structural category of a tracked account.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSystem
	KindToken
	KindProgramDerived
)

func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindToken:
		return "token"
	case KindProgramDerived:
		return "program_derived"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "system":
		return KindSystem, nil
	case "token":
		return KindToken, nil
	case "program_derived":
		return KindProgramDerived, nil
	case "unknown":
		return KindUnknown, nil
	}
	return KindUnknown, fmt.Errorf("registry: unknown account kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Status is the last observed on-chain state of a tracked account.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusActive
	StatusEmpty
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusEmpty:
		return "empty"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "active":
		return StatusActive, nil
	case "empty":
		return StatusEmpty, nil
	case "closed":
		return StatusClosed, nil
	case "unknown":
		return StatusUnknown, nil
	}
	return StatusUnknown, fmt.Errorf("registry: unknown status %q", s)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Confidence grades how sure the classifier is about the beneficiary.
type Confidence uint8

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "high"
	case ConfidenceMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParseConfidence is the inverse of String.
func ParseConfidence(s string) (Confidence, error) {
	switch s {
	case "high":
		return ConfidenceHigh, nil
	case "medium":
		return ConfidenceMedium, nil
	case "low":
		return ConfidenceLow, nil
	}
	return ConfidenceLow, fmt.Errorf("registry: unknown confidence %q", s)
}

func (c Confidence) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Confidence) UnmarshalText(b []byte) error {
	v, err := ParseConfidence(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// TrackedAccount is one account the operator paid rent for on behalf of
// someone else. Confidence never changes after classification.
type TrackedAccount struct {
	Address      string     `json:"address"`
	CreationTx   string     `json:"creationTx"`
	CreatedAt    time.Time  `json:"createdAt"`
	RentAmount   uint64     `json:"rentAmount"` // lamports
	OwnerProgram string     `json:"ownerProgram"`
	Kind         Kind       `json:"kind"`
	DataSize     uint64     `json:"dataSize"`
	Sponsor      string     `json:"sponsor"`
	Beneficiary  string     `json:"beneficiary"`
	Status       Status     `json:"status"`
	LastChecked  *time.Time `json:"lastChecked,omitempty"`
	Confidence   Confidence `json:"confidence"`

	// Set once the account's rent has been swept back to the treasury.
	ReclaimedLamports uint64     `json:"reclaimedLamports,omitempty"`
	ReclaimedAt       *time.Time `json:"reclaimedAt,omitempty"`
}

// Metrics are lifetime totals. They only ever grow.
type Metrics struct {
	AccountsSponsored uint64 `json:"accountsSponsored"`
	RentLocked        uint64 `json:"rentLocked"`
	RentReclaimed     uint64 `json:"rentReclaimed"`
	AccountsClosed    uint64 `json:"accountsClosed"`
}

// StatusCounts tallies accounts by current status.
type StatusCounts struct {
	Active  int `json:"active"`
	Empty   int `json:"empty"`
	Closed  int `json:"closed"`
	Unknown int `json:"unknown"`
}

// Filter selects accounts in Accounts. Zero fields match everything.
type Filter struct {
	Status *Status
	Kind   *Kind
	Limit  int
}

// Summary is a read-only view for APIs and the CLI.
type Summary struct {
	Operator               string       `json:"operator"`
	LastProcessedSignature string       `json:"lastProcessedSignature,omitempty"`
	UpdatedAt              time.Time    `json:"updatedAt"`
	Metrics                Metrics      `json:"metrics"`
	Counts                 StatusCounts `json:"counts"`
	Tracked                int          `json:"tracked"`
}
