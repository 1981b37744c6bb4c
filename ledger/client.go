// Package ledger models the campaign accounts held by the escrow program and
// the narrow RPC contract the keeper uses to observe and drive them.
package ledger

import (
	"context"
	"fmt"
)

// Client is the keeper's view of the ledger. Implementations classify every
// failure with the faults package: transport problems are transient, program
// refusals are rejections.
type Client interface {
	// FetchAllCampaigns lists every campaign account owned by the program.
	// Undecodable accounts are reported by a *PartialListError returned
	// together with the campaigns that decoded.
	FetchAllCampaigns(ctx context.Context) ([]Campaign, error)
	// SubmitFinalize asks the program to settle a pending campaign. The
	// program decides success or failure from its own state.
	SubmitFinalize(ctx context.Context, campaign AccountID) (Receipt, error)
	// SubmitSetCommitment records the merchant commitment digest.
	SubmitSetCommitment(ctx context.Context, campaign AccountID, digest [32]byte) (Receipt, error)
	// SubmitPayout releases amount from the campaign vault to merchant.
	SubmitPayout(ctx context.Context, campaign, merchant AccountID, amount uint64) (Receipt, error)
	// SubmitSetDelegate assigns the delegate authority of a campaign.
	SubmitSetDelegate(ctx context.Context, campaign, delegate AccountID) (Receipt, error)
	// Ping checks connectivity with the ledger node.
	Ping(ctx context.Context) error
	// Close releases network resources.
	Close() error
}

// InvalidAccount is a program account that could not be read as a campaign.
type InvalidAccount struct {
	Index int
	// ID is the account identifier as reported by the node; it may itself be
	// the malformed field.
	ID  string
	Err error
}

// PartialListError reports the accounts skipped by FetchAllCampaigns.
type PartialListError struct {
	Accounts []InvalidAccount
}

func (e *PartialListError) Error() string {
	if len(e.Accounts) == 1 {
		return e.Accounts[0].Err.Error()
	}
	return fmt.Sprintf("%d campaign accounts failed to decode; first: %v", len(e.Accounts), e.Accounts[0].Err)
}

// Unwrap exposes every per-account error.
func (e *PartialListError) Unwrap() []error {
	errs := make([]error, 0, len(e.Accounts))
	for _, a := range e.Accounts {
		errs = append(errs, a.Err)
	}
	return errs
}
