package config

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jpvasquez/sri-downloader/internal/storage/kv"
)

const overridesKey = "sri:config"

// OverrideStore persists user-adjusted tunables in the KV store so API
// updates survive restarts. Stored overrides are merged over file and
// environment values at startup.
type OverrideStore struct {
	store kv.Store
}

// NewOverrideStore wraps a KV store.
func NewOverrideStore(store kv.Store) *OverrideStore {
	return &OverrideStore{store: store}
}

// Load returns the persisted tunables, if any were ever saved.
func (s *OverrideStore) Load(ctx context.Context) (Tunables, bool, error) {
	raw, ok, err := s.store.Get(ctx, overridesKey)
	if err != nil {
		return Tunables{}, false, fmt.Errorf("load tunable overrides: %w", err)
	}
	if !ok {
		return Tunables{}, false, nil
	}
	var t Tunables
	if err := json.Unmarshal(raw, &t); err != nil {
		return Tunables{}, false, fmt.Errorf("decode tunable overrides: %w", err)
	}
	return t, true, nil
}

// Save validates and persists the tunables.
func (s *OverrideStore) Save(ctx context.Context, t Tunables) error {
	if err := t.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode tunable overrides: %w", err)
	}
	if err := s.store.Set(ctx, overridesKey, raw); err != nil {
		return fmt.Errorf("save tunable overrides: %w", err)
	}
	return nil
}
