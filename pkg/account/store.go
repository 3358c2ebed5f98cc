package account

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// DefaultStoreDir is where the persisted account store lives, per spec §6.
const DefaultStoreDir = ".antigravity-claude-proxy"

// storedAccount is the on-disk shape of one pooled account; the core
// only needs read access to the §3 fields, so nothing in this package
// writes quota/rate-limit state back to disk (Pool.Snapshot is the read
// side an external writer would use), and this loader does not
// round-trip it.
type storedAccount struct {
	Email         string                    `json:"email"`
	Source        string                    `json:"source"`
	RefreshToken  string                    `json:"refreshToken,omitempty"`
	ProjectID     string                    `json:"projectId,omitempty"`
	Enabled       bool                      `json:"enabled"`
	IsInvalid     bool                      `json:"isInvalid"`
	InvalidReason string                    `json:"invalidReason,omitempty"`
	LastUsed      int64                     `json:"lastUsedEpochMs,omitempty"`
	Subscription  storedSubscription        `json:"subscription"`
	Quota         storedQuota               `json:"quota"`
}

type storedSubscription struct {
	Tier      string `json:"tier"`
	ProjectID string `json:"projectId,omitempty"`
}

type storedQuota struct {
	Models      map[string]storedModelQuota `json:"models"`
	LastChecked int64                       `json:"lastCheckedEpochMs,omitempty"`
}

type storedModelQuota struct {
	RemainingFraction float64 `json:"remainingFraction"`
	ResetEpochMs      int64   `json:"resetEpochMs"`
}

// DefaultStorePath returns ~/.antigravity-claude-proxy/accounts.json.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultStoreDir, "accounts.json"), nil
}

// LoadAccounts decodes the persisted account store at path. A missing
// file yields an empty slice: an operator hasn't enrolled any OAuth
// accounts yet, which is a valid (if inert) startup state.
func LoadAccounts(path string) ([]*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var stored []storedAccount
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}

	accounts := make([]*Account, 0, len(stored))
	for _, s := range stored {
		a := &Account{
			Email:         s.Email,
			Source:        Source(s.Source),
			RefreshToken:  s.RefreshToken,
			ProjectID:     s.ProjectID,
			Enabled:       s.Enabled,
			IsInvalid:     s.IsInvalid,
			InvalidReason: s.InvalidReason,
			ModelRateLimits: make(map[string]ModelRateLimit),
			Subscription: Subscription{
				Tier:      s.Subscription.Tier,
				ProjectID: s.Subscription.ProjectID,
			},
			Quota: Quota{
				Models: make(map[string]ModelQuota, len(s.Quota.Models)),
			},
		}
		if s.LastUsed > 0 {
			a.LastUsed = time.UnixMilli(s.LastUsed)
		}
		if s.Quota.LastChecked > 0 {
			a.Quota.LastChecked = time.UnixMilli(s.Quota.LastChecked)
		}
		for model, q := range s.Quota.Models {
			a.Quota.Models[model] = ModelQuota{RemainingFraction: q.RemainingFraction, ResetEpochMs: q.ResetEpochMs}
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}
