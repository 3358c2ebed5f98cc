package account

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAccountsMissingFile(t *testing.T) {
	accounts, err := LoadAccounts(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestLoadAccountsDecodesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	content := `[
		{
			"email": "dev@example.com",
			"source": "oauth",
			"refreshToken": "rt-123",
			"projectId": "proj-1",
			"enabled": true,
			"isInvalid": false,
			"lastUsedEpochMs": 1000,
			"subscription": {"tier": "pro", "projectId": "proj-1"},
			"quota": {
				"models": {"claude-3-5-sonnet-20241022": {"remainingFraction": 0.5, "resetEpochMs": 5000}},
				"lastCheckedEpochMs": 2000
			}
		},
		{
			"email": "legacy@example.com",
			"source": "legacy",
			"enabled": true,
			"isInvalid": true,
			"invalidReason": "expired"
		}
	]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	accounts, err := LoadAccounts(path)
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	first := accounts[0]
	assert.Equal(t, "dev@example.com", first.Email)
	assert.Equal(t, SourceOAuth, first.Source)
	assert.Equal(t, "rt-123", first.RefreshToken)
	assert.Equal(t, "proj-1", first.ProjectID)
	assert.True(t, first.Enabled)
	assert.False(t, first.IsInvalid)
	assert.Equal(t, int64(1000), first.LastUsed.UnixMilli())
	assert.Equal(t, "pro", first.Subscription.Tier)
	require.Contains(t, first.Quota.Models, "claude-3-5-sonnet-20241022")
	assert.Equal(t, 0.5, first.Quota.Models["claude-3-5-sonnet-20241022"].RemainingFraction)
	assert.NotNil(t, first.ModelRateLimits)

	second := accounts[1]
	assert.Equal(t, SourceLegacy, second.Source)
	assert.True(t, second.IsInvalid)
	assert.Equal(t, "expired", second.InvalidReason)
}

func TestLoadAccountsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid"), 0o600))

	_, err := LoadAccounts(path)
	assert.Error(t, err)
}
