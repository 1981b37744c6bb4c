package keeper

import (
	"time"

	"campaignkeeper/ledger"
)

// Action is the transition a campaign needs next.
type Action int

const (
	ActionNone Action = iota
	ActionFinalize
	ActionPurchase
	ActionPayout
)

// Operation names key the breaker table, the journal and metrics.
const (
	opFinalize       = "finalize"
	opPurchase       = "execute_purchase"
	opPayout         = "execute_payout"
	opSetDelegate    = "set_delegate"
	opFetchCampaigns = "fetch_campaigns"
	opDecodeCampaign = "decode_campaign"
)

func (a Action) String() string {
	switch a {
	case ActionFinalize:
		return opFinalize
	case ActionPurchase:
		return opPurchase
	case ActionPayout:
		return opPayout
	default:
		return "none"
	}
}

// FinalizePath distinguishes the two reasons a pending campaign is finalized.
// The ledger call is the same; the program decides the outcome.
type FinalizePath string

const (
	PathSuccess FinalizePath = "success"
	PathFailure FinalizePath = "failure"
)

// Decision is the classifier output for one campaign.
type Decision struct {
	Action Action
	Path   FinalizePath
}

// Classify maps a campaign snapshot to at most one action. Rules are checked
// in order; the first match wins.
func Classify(c ledger.Campaign, now time.Time) Decision {
	unix := now.Unix()
	switch {
	case c.Status == ledger.StatusPending && c.TotalContributed >= c.TargetAmount && unix <= c.Deadline:
		return Decision{Action: ActionFinalize, Path: PathSuccess}
	case c.Status == ledger.StatusPending && unix > c.Deadline:
		return Decision{Action: ActionFinalize, Path: PathFailure}
	case c.Status == ledger.StatusSucceeded && c.HasMetadata() && !c.MerchantHashSet:
		return Decision{Action: ActionPurchase}
	case c.Status == ledger.StatusSucceeded && c.MerchantHashSet:
		return Decision{Action: ActionPayout}
	default:
		return Decision{Action: ActionNone}
	}
}
