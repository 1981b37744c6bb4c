package keeper

import (
	"context"
	"errors"
	"fmt"

	"campaignkeeper/cache"
	"campaignkeeper/health"
	"campaignkeeper/ledger"
	"campaignkeeper/purchase"
)

// Probes returns the standard probe set: ledger connectivity, program
// readability, purchase service reachability and cache memory pressure.
// The purchase probe is omitted when svc cannot be pinged.
func Probes(client ledger.Client, svc purchase.Service, merchants *cache.Cache) []health.Probe {
	probes := []health.Probe{
		{Name: "connection", Check: func(ctx context.Context) (bool, error) {
			if err := client.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		}},
		{Name: "program", Check: func(ctx context.Context) (bool, error) {
			// The program is readable even when some accounts are not.
			_, err := client.FetchAllCampaigns(ctx)
			var partial *ledger.PartialListError
			if err != nil && !errors.As(err, &partial) {
				return false, err
			}
			return true, nil
		}},
		{Name: "memory", Check: func(context.Context) (bool, error) {
			stats := merchants.Stats()
			return stats.Ratio < stats.Watermark, nil
		}},
	}
	if pinger, ok := svc.(purchase.Pinger); ok {
		probes = append(probes, health.Probe{Name: "purchase_service", Check: func(ctx context.Context) (bool, error) {
			if err := pinger.Ping(ctx); err != nil {
				return false, fmt.Errorf("purchase service: %w", err)
			}
			return true, nil
		}})
	}
	return probes
}
