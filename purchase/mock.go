package purchase

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"campaignkeeper/faults"
	"campaignkeeper/ledger"
	"campaignkeeper/metadata"
)

const (
	// MockMerchant is the merchant account returned by Mock.
	MockMerchant = "GjwcWFQYzemBtpUoN5fMAP2FZviTtMRWCmrppGuTthJS"
	// MockAmount is 300 units of a six decimal token.
	MockAmount uint64 = 300_000_000
)

// mockNamespace scopes the deterministic purchase references.
var mockNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("campaignkeeper/purchase/mock"))

// Mock completes every purchase immediately with a fixed merchant and amount.
// The reference is derived from the token address, so repeated calls for the
// same document return identical results.
type Mock struct {
	Merchant ledger.AccountID
	Amount   uint64
	Logger   *slog.Logger
}

// NewMock returns a Mock with the default merchant and amount.
func NewMock(logger *slog.Logger) *Mock {
	merchant, err := ledger.ParseAccountID(MockMerchant)
	if err != nil {
		panic(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mock{Merchant: merchant, Amount: MockAmount, Logger: logger}
}

func (m *Mock) Purchase(ctx context.Context, doc metadata.Document) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, faults.Transient("purchase", err)
	}
	ref := "mock-" + uuid.NewSHA1(mockNamespace, []byte(doc.TokenAddress)).String()
	m.Logger.Info("mock purchase completed",
		"token", doc.TokenAddress,
		"name", doc.Name,
		"merchant", m.Merchant.Short(),
		"amount", m.Amount,
		"reference", ref)
	return Result{MerchantAddress: m.Merchant, Amount: m.Amount, PurchaseReference: ref}, nil
}

// Ping always succeeds.
func (m *Mock) Ping(context.Context) error { return nil }
