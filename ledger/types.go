package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcutil/base58"
)

// AccountIDLength is the size of every ledger account identifier.
const AccountIDLength = 32

// AccountID is a 32 byte ledger account identifier rendered as base58.
type AccountID [AccountIDLength]byte

// ParseAccountID decodes a base58 account identifier.
func ParseAccountID(s string) (AccountID, error) {
	var id AccountID
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return id, fmt.Errorf("ledger: empty account id")
	}
	raw := base58.Decode(trimmed)
	if len(raw) != AccountIDLength {
		return id, fmt.Errorf("ledger: account id %q decodes to %d bytes, want %d", trimmed, len(raw), AccountIDLength)
	}
	copy(id[:], raw)
	return id, nil
}

func (a AccountID) String() string { return base58.Encode(a[:]) }

// Short returns the first eight characters, enough to tell accounts apart in logs.
func (a AccountID) Short() string {
	s := a.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero reports whether every byte is zero.
func (a AccountID) IsZero() bool { return a == AccountID{} }

// MarshalText implements encoding.TextMarshaler.
func (a AccountID) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AccountID) UnmarshalText(text []byte) error {
	parsed, err := ParseAccountID(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Status mirrors the ledger program's campaign status enum.
type Status uint8

const (
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
	StatusPaid
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusPaid:
		return "paid"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool { return s <= StatusPaid }

// Campaign is an immutable snapshot of a campaign account taken in one poll.
type Campaign struct {
	ID               AccountID
	Creator          AccountID
	PayMint          AccountID
	TargetAmount     uint64
	TotalContributed uint64
	// Deadline is expressed in Unix seconds.
	Deadline        int64
	Status          Status
	MetadataURI     string
	MerchantHashSet bool
}

// HasMetadata reports whether the submitter role has attached a metadata URI.
func (c Campaign) HasMetadata() bool { return strings.TrimSpace(c.MetadataURI) != "" }

// DeadlineTime returns the deadline as a time.Time.
func (c Campaign) DeadlineTime() time.Time { return time.Unix(c.Deadline, 0) }

// Receipt acknowledges an accepted ledger request.
type Receipt struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
}
