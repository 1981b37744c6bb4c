package keeper

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"campaignkeeper/ledger"
)

func TestClassify(t *testing.T) {
	now := testNow
	future := now.Add(time.Hour).Unix()
	past := now.Add(-time.Hour).Unix()

	cases := []struct {
		name     string
		campaign ledger.Campaign
		want     Decision
	}{
		{
			name: "funded before deadline finalizes on success path",
			campaign: ledger.Campaign{
				Status: ledger.StatusPending, TargetAmount: 300_000_000, TotalContributed: 300_000_000, Deadline: future,
			},
			want: Decision{Action: ActionFinalize, Path: PathSuccess},
		},
		{
			name: "funded exactly at deadline still succeeds",
			campaign: ledger.Campaign{
				Status: ledger.StatusPending, TargetAmount: 10, TotalContributed: 11, Deadline: now.Unix(),
			},
			want: Decision{Action: ActionFinalize, Path: PathSuccess},
		},
		{
			name: "past deadline finalizes on failure path even when funded",
			campaign: ledger.Campaign{
				Status: ledger.StatusPending, TargetAmount: 300_000_000, TotalContributed: 300_000_000, Deadline: past,
			},
			want: Decision{Action: ActionFinalize, Path: PathFailure},
		},
		{
			name: "past deadline with nothing contributed",
			campaign: ledger.Campaign{
				Status: ledger.StatusPending, TargetAmount: 300_000_000, Deadline: past,
			},
			want: Decision{Action: ActionFinalize, Path: PathFailure},
		},
		{
			name: "underfunded before deadline waits",
			campaign: ledger.Campaign{
				Status: ledger.StatusPending, TargetAmount: 300_000_000, TotalContributed: 1, Deadline: future,
			},
			want: Decision{Action: ActionNone},
		},
		{
			name: "succeeded with metadata purchases",
			campaign: ledger.Campaign{
				Status: ledger.StatusSucceeded, MetadataURI: "https://x/meta.json",
			},
			want: Decision{Action: ActionPurchase},
		},
		{
			name: "succeeded without metadata waits for submitter",
			campaign: ledger.Campaign{
				Status: ledger.StatusSucceeded, MetadataURI: "   ",
			},
			want: Decision{Action: ActionNone},
		},
		{
			name: "committed merchant pays out",
			campaign: ledger.Campaign{
				Status: ledger.StatusSucceeded, MerchantHashSet: true,
			},
			want: Decision{Action: ActionPayout},
		},
		{
			name: "committed merchant pays out even with metadata",
			campaign: ledger.Campaign{
				Status: ledger.StatusSucceeded, MetadataURI: "https://x/meta.json", MerchantHashSet: true,
			},
			want: Decision{Action: ActionPayout},
		},
		{
			name:     "failed is terminal",
			campaign: ledger.Campaign{Status: ledger.StatusFailed, Deadline: past},
			want:     Decision{Action: ActionNone},
		},
		{
			name:     "paid is terminal",
			campaign: ledger.Campaign{Status: ledger.StatusPaid, MerchantHashSet: true},
			want:     Decision{Action: ActionNone},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.campaign, now))
		})
	}
}

func TestActionString(t *testing.T) {
	require.Equal(t, "finalize", ActionFinalize.String())
	require.Equal(t, "execute_purchase", ActionPurchase.String())
	require.Equal(t, "execute_payout", ActionPayout.String())
	require.Equal(t, "none", ActionNone.String())
}

func TestClassifyProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	build := func(status uint8, target, contributed uint64, offset int64, withURI, hashSet bool) ledger.Campaign {
		uri := ""
		if withURI {
			uri = "https://x/meta.json"
		}
		return ledger.Campaign{
			Status:           ledger.Status(status),
			TargetAmount:     target,
			TotalContributed: contributed,
			Deadline:         testNow.Unix() + offset,
			MetadataURI:      uri,
			MerchantHashSet:  hashSet,
		}
	}

	properties.Property("classification is a pure function of the snapshot", prop.ForAll(
		func(status uint8, target, contributed uint64, offset int64, withURI, hashSet bool) bool {
			c := build(status, target, contributed, offset, withURI, hashSet)
			return Classify(c, testNow) == Classify(c, testNow)
		},
		gen.UInt8Range(0, 3),
		gen.UInt64Range(0, 1_000_000_000),
		gen.UInt64Range(0, 1_000_000_000),
		gen.Int64Range(-86_400, 86_400),
		gen.Bool(),
		gen.Bool(),
	))

	properties.Property("only pending campaigns are finalized", prop.ForAll(
		func(status uint8, target, contributed uint64, offset int64, withURI, hashSet bool) bool {
			d := Classify(build(status, target, contributed, offset, withURI, hashSet), testNow)
			return (d.Action == ActionFinalize) == (ledger.Status(status) == ledger.StatusPending && (offset < 0 || contributed >= target))
		},
		gen.UInt8Range(0, 3),
		gen.UInt64Range(0, 1_000_000_000),
		gen.UInt64Range(0, 1_000_000_000),
		gen.Int64Range(-86_400, 86_400),
		gen.Bool(),
		gen.Bool(),
	))

	properties.Property("payout requires a recorded commitment", prop.ForAll(
		func(status uint8, target, contributed uint64, offset int64, withURI, hashSet bool) bool {
			d := Classify(build(status, target, contributed, offset, withURI, hashSet), testNow)
			if d.Action == ActionPayout {
				return hashSet && ledger.Status(status) == ledger.StatusSucceeded
			}
			if d.Action == ActionPurchase {
				return !hashSet && withURI
			}
			return true
		},
		gen.UInt8Range(0, 3),
		gen.UInt64Range(0, 1_000_000_000),
		gen.UInt64Range(0, 1_000_000_000),
		gen.Int64Range(-86_400, 86_400),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
