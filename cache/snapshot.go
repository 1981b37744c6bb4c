package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campaignkeeper/ledger"
	"campaignkeeper/storage"
)

// snapshot is the persisted document. storageTimestamps holds Unix
// milliseconds, keyed like merchantStorage by base58 campaign id.
type snapshot struct {
	MerchantStorage   map[string]Record `json:"merchantStorage"`
	StorageTimestamps map[string]int64  `json:"storageTimestamps"`
	LastUpdated       string            `json:"lastUpdated"`
}

func encodeSnapshot(records map[ledger.AccountID]Record, now time.Time) ([]byte, error) {
	snap := snapshot{
		MerchantStorage:   make(map[string]Record, len(records)),
		StorageTimestamps: make(map[string]int64, len(records)),
		LastUpdated:       now.UTC().Format(time.RFC3339Nano),
	}
	for id, rec := range records {
		key := id.String()
		snap.MerchantStorage[key] = rec
		snap.StorageTimestamps[key] = rec.StoredAt.UnixMilli()
	}
	return json.MarshalIndent(snap, "", "  ")
}

func loadSnapshot(blob storage.Blob) (map[ledger.AccountID]Record, error) {
	data, err := blob.Load()
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("cache: decode snapshot: %w", err)
	}
	out := make(map[ledger.AccountID]Record, len(snap.MerchantStorage))
	for key, rec := range snap.MerchantStorage {
		id, err := ledger.ParseAccountID(key)
		if err != nil {
			return nil, fmt.Errorf("cache: snapshot key %q: %w", key, err)
		}
		ms, ok := snap.StorageTimestamps[key]
		if !ok {
			return nil, fmt.Errorf("cache: snapshot entry %s has no timestamp", key)
		}
		if rec.CampaignID.IsZero() {
			rec.CampaignID = id
		}
		rec.StoredAt = time.UnixMilli(ms)
		out[id] = rec
	}
	return out, nil
}
