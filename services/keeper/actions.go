package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"campaignkeeper/alert"
	"campaignkeeper/cache"
	"campaignkeeper/commitment"
	"campaignkeeper/faults"
	"campaignkeeper/journal"
	"campaignkeeper/ledger"
	"campaignkeeper/resilience"
)

// minorUnitsPerMajor is the pay mint's decimal scale (6 decimals).
const minorUnitsPerMajor = 1_000_000

func (e *Engine) finalize(ctx context.Context, c ledger.Campaign, path FinalizePath) error {
	err := e.guard.Do(ctx, resilience.NewKey(opFinalize, c.ID.String()), func(ctx context.Context) error {
		_, err := e.ledger.SubmitFinalize(ctx, c.ID)
		return err
	})
	if err != nil {
		return err
	}
	e.logger.Info("campaign finalized",
		"campaign", c.ID.String(),
		"path", string(path),
		"contributed", FormatMajor(c.TotalContributed),
		"target", FormatMajor(c.TargetAmount),
		"deadline", c.DeadlineTime().UTC().Format(time.RFC3339),
		"url", fmt.Sprintf("%s/campaign/%s", e.webBaseURL, c.Creator),
	)
	return nil
}

// executePurchase runs metadata fetch, purchase and commitment submission as
// one guarded unit so that a retry re-runs all three.
func (e *Engine) executePurchase(ctx context.Context, c ledger.Campaign) error {
	var rec cache.Record
	err := e.guard.Do(ctx, resilience.NewKey(opPurchase, c.ID.String()), func(ctx context.Context) error {
		doc, err := e.fetcher.Fetch(ctx, c.MetadataURI)
		if err != nil {
			return err
		}
		result, err := e.purchase.Purchase(ctx, doc)
		if err != nil {
			return err
		}
		if result.MerchantAddress.IsZero() {
			return faults.Integrityf(opPurchase, "purchase service returned an empty merchant address")
		}
		if result.Amount == 0 {
			return faults.Integrityf(opPurchase, "purchase service returned a zero amount")
		}
		digest := commitment.Compute(c.PayMint, result.MerchantAddress, result.Amount)
		if _, err := e.ledger.SubmitSetCommitment(ctx, c.ID, digest); err != nil {
			return err
		}
		rec = cache.Record{
			CampaignID:        c.ID,
			MerchantAddress:   result.MerchantAddress,
			Amount:            result.Amount,
			PurchaseReference: result.PurchaseReference,
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := e.cache.Put(rec); err != nil {
		// The record is held in memory; only its durability is in doubt.
		e.logger.Error("persist merchant record", "campaign", c.ID.String(), "error", err)
		e.emit(ctx, alert.Alert{
			Severity:   alert.SeverityHigh,
			Message:    fmt.Sprintf("merchant record for %s not persisted", c.ID.Short()),
			Operation:  opPurchase,
			CampaignID: c.ID.String(),
			Class:      faults.ClassDataIntegrity.String(),
			Details:    map[string]any{"error": err.Error()},
		})
	}
	e.logger.Info("merchant commitment recorded",
		"campaign", c.ID.String(),
		"merchant", rec.MerchantAddress.String(),
		"amount", FormatMajor(rec.Amount),
		"reference", rec.PurchaseReference,
	)
	return nil
}

// executePayout fails closed when the purchase record is gone: the merchant
// address cannot be reconstructed, so there is nothing to retry.
func (e *Engine) executePayout(ctx context.Context, c ledger.Campaign) error {
	rec, ok := e.cache.Get(c.ID)
	if !ok {
		return faults.Integrity(opPayout, fmt.Errorf("campaign %s: %w", c.ID, cache.ErrRecordMissing))
	}
	if rec.Amount != c.TotalContributed {
		// The commitment covers the purchased amount, so the program is
		// expected to refuse this payout with a hash mismatch.
		e.logger.Error("payout amount differs from committed purchase amount",
			"campaign", c.ID.String(),
			"contributed", c.TotalContributed,
			"purchased", rec.Amount,
		)
		e.emit(ctx, alert.Alert{
			Severity:   alert.SeverityHigh,
			Message:    fmt.Sprintf("payout for campaign %s sends %s but the commitment covers %s", c.ID.Short(), FormatMajor(c.TotalContributed), FormatMajor(rec.Amount)),
			Operation:  opPayout,
			CampaignID: c.ID.String(),
			Class:      faults.ClassDataIntegrity.String(),
			Details:    map[string]any{"contributed": c.TotalContributed, "purchased": rec.Amount},
		})
	}
	err := e.guard.Do(ctx, resilience.NewKey(opPayout, c.ID.String()), func(ctx context.Context) error {
		_, err := e.ledger.SubmitPayout(ctx, c.ID, rec.MerchantAddress, c.TotalContributed)
		return err
	})
	if err != nil {
		return err
	}
	if err := e.cache.Remove(c.ID); err != nil {
		e.logger.Warn("remove paid merchant record", "campaign", c.ID.String(), "error", err)
	}
	e.logger.Info("campaign paid out",
		"campaign", c.ID.String(),
		"merchant", rec.MerchantAddress.String(),
		"amount", FormatMajor(c.TotalContributed),
	)
	return nil
}

// SetDelegate assigns the delegate authority of a campaign through the guard.
func (e *Engine) SetDelegate(ctx context.Context, campaign, delegate ledger.AccountID) error {
	if e.stopping() {
		return ErrEngineStopped
	}
	start := time.Now()
	err := e.guard.Do(ctx, resilience.NewKey(opSetDelegate, campaign.String()), func(ctx context.Context) error {
		_, err := e.ledger.SubmitSetDelegate(ctx, campaign, delegate)
		return err
	})
	if err != nil {
		class := e.reportFailure(ctx, opSetDelegate, campaign.String(), err)
		e.metrics.RecordAction(opSetDelegate, outcomeOf(err), class, time.Since(start))
		return err
	}
	e.metrics.RecordAction(opSetDelegate, "success", "", time.Since(start))
	e.logger.Info("delegate authority set", "campaign", campaign.String(), "delegate", delegate.String())
	return nil
}

// reportFailure logs, journals and alerts on an action failure and returns
// the failure class label.
func (e *Engine) reportFailure(ctx context.Context, action, campaign string, err error) string {
	class := faults.ClassOf(err)
	code := faults.CodeOf(err)
	threshold := e.guard.Breaker().Policy().FailureThreshold
	failures := e.guard.Breaker().State(resilience.NewKey(action, campaign)).ConsecutiveFailures
	rejected := errors.Is(err, resilience.ErrCircuitOpen)

	level := slog.LevelWarn
	switch {
	case rejected:
		level = slog.LevelInfo
	case class != faults.ClassTransient, failures >= threshold-1:
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "action failed",
		"action", action,
		"campaign", campaign,
		"class", class.String(),
		"code", code,
		"consecutive_failures", failures,
		"error", err,
	)

	// Journal writes must survive an action context that has just expired.
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if e.journal != nil {
		if _, jerr := e.journal.Record(jctx, journal.Entry{
			OccurredAt:          e.now(),
			Operation:           action,
			CampaignID:          campaign,
			Class:               class.String(),
			Code:                code,
			Message:             err.Error(),
			ConsecutiveFailures: failures,
		}); jerr != nil {
			e.logger.Warn("journal failure", "action", action, "campaign", campaign, "error", jerr)
		}
	}

	if rejected {
		return class.String()
	}
	severity, ok := failureSeverity(class, failures, threshold)
	if !ok {
		return class.String()
	}
	e.emit(jctx, alert.Alert{
		Severity:   severity,
		Message:    fmt.Sprintf("%s failed for campaign %s (%s)", action, shortID(campaign), class),
		Operation:  action,
		CampaignID: campaign,
		Class:      class.String(),
		Failures:   failures,
		Details:    map[string]any{"error": err.Error(), "code": code},
	})
	return class.String()
}

// failureSeverity escalates with the consecutive failure count. Breaker
// openings are alerted separately by CircuitOpened.
func failureSeverity(class faults.Class, failures, threshold int) (alert.Severity, bool) {
	switch class {
	case faults.ClassDataIntegrity, faults.ClassInternal:
		return alert.SeverityHigh, true
	case faults.ClassRejection:
		return alert.SeverityMedium, true
	}
	switch {
	case failures >= 2*threshold:
		return alert.SeverityCritical, true
	case failures == threshold:
		return 0, false
	case failures > threshold:
		return alert.SeverityHigh, true
	default:
		return alert.SeverityLow, true
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func outcomeOf(err error) string {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "circuit_open"
	}
	return "failure"
}

func (e *Engine) emit(ctx context.Context, a alert.Alert) {
	if e.alerts == nil {
		return
	}
	e.alerts.Emit(ctx, a)
}

// CircuitOpened implements resilience.Observer.
func (e *Engine) CircuitOpened(key resilience.Key, state resilience.FailureState, cause error) {
	e.metrics.RecordBreakerOpen(key.Operation)
	e.metrics.SetOpenCircuits(e.guard.Breaker().OpenCount())
	e.logger.Error("circuit opened",
		"operation", key.Operation,
		"campaign", key.Scope,
		"consecutive_failures", state.ConsecutiveFailures,
		"error", cause,
	)
	severity := alert.SeverityHigh
	if threshold := e.guard.Breaker().Policy().FailureThreshold; state.ConsecutiveFailures >= 2*threshold {
		severity = alert.SeverityCritical
	}
	e.emit(context.Background(), alert.Alert{
		Severity:   severity,
		Message:    fmt.Sprintf("circuit opened for %s", key),
		Operation:  key.Operation,
		CampaignID: key.Scope,
		Class:      faults.ClassOf(cause).String(),
		Failures:   state.ConsecutiveFailures,
		Details:    map[string]any{"error": cause.Error()},
	})
}

// CallRejected implements resilience.Observer.
func (e *Engine) CallRejected(key resilience.Key) {
	e.metrics.RecordBreakerRejection(key.Operation)
}

// FormatMajor renders a minor-unit amount with six decimals.
func FormatMajor(amount uint64) string {
	return fmt.Sprintf("%d.%06d", amount/minorUnitsPerMajor, amount%minorUnitsPerMajor)
}
