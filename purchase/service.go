// Package purchase drives the off-ledger purchase that a successful campaign
// pays for. The keeper only sees the Service interface; the mock and the HTTP
// client behind it are interchangeable.
package purchase

import (
	"context"

	"campaignkeeper/ledger"
	"campaignkeeper/metadata"
)

// Result describes a completed purchase: who must be paid and how much.
type Result struct {
	MerchantAddress   ledger.AccountID
	Amount            uint64
	PurchaseReference string
}

// Service executes a purchase for a campaign's metadata document.
// Implementations must be safe to call again with the same document.
type Service interface {
	Purchase(ctx context.Context, doc metadata.Document) (Result, error)
}

// Pinger is implemented by services that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
