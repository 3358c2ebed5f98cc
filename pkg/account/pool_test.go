package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccount(email string) *Account {
	return &Account{Email: email, Enabled: true}
}

func TestPickNext_RoundRobinsByLeastRecentlyUsed(t *testing.T) {
	a := newTestAccount("a@x.com")
	b := newTestAccount("b@x.com")
	pool := NewPool([]*Account{a, b})

	sel, wait := pool.PickNext("claude-3-5-sonnet", 1000)
	require.Nil(t, wait)
	require.NotNil(t, sel)
	first := sel.Account.Email

	// Break the sticky binding so the next pick re-evaluates least-recent-use.
	pool.ClearSticky("claude-3-5-sonnet")

	sel2, wait2 := pool.PickNext("claude-3-5-sonnet", 2000)
	require.Nil(t, wait2)
	assert.NotEqual(t, first, sel2.Account.Email)
}

func TestPickNext_PrefersStickyBinding(t *testing.T) {
	a := newTestAccount("a@x.com")
	b := newTestAccount("b@x.com")
	pool := NewPool([]*Account{a, b})

	sel1, _ := pool.PickNext("claude-3-5-sonnet", 1000)
	sel2, _ := pool.PickNext("claude-3-5-sonnet", 2000)

	assert.Equal(t, sel1.Account.Email, sel2.Account.Email)
}

func TestPickNext_ExcludesInvalidAndDisabled(t *testing.T) {
	a := newTestAccount("a@x.com")
	a.IsInvalid = true
	b := newTestAccount("b@x.com")
	b.Enabled = false
	c := newTestAccount("c@x.com")
	pool := NewPool([]*Account{a, b, c})

	sel, wait := pool.PickNext("claude-3-5-sonnet", 1000)
	require.Nil(t, wait)
	assert.Equal(t, "c@x.com", sel.Account.Email)
}

func TestPickNext_ExcludesRateLimitedAccount(t *testing.T) {
	a := newTestAccount("a@x.com")
	b := newTestAccount("b@x.com")
	pool := NewPool([]*Account{a, b})

	pool.MarkRateLimited("a@x.com", "claude-3-5-sonnet", 5000, 1000)

	sel, wait := pool.PickNext("claude-3-5-sonnet", 2000)
	require.Nil(t, wait)
	assert.Equal(t, "b@x.com", sel.Account.Email)
}

func TestMarkRateLimited_ExcludesUntilReset(t *testing.T) {
	a := newTestAccount("a@x.com")
	pool := NewPool([]*Account{a})

	pool.MarkRateLimited("a@x.com", "claude-3-5-sonnet", 5000, 1000)

	_, wait := pool.PickNext("claude-3-5-sonnet", 2000)
	require.NotNil(t, wait)
	assert.Equal(t, int64(3000), wait.WaitMs)

	sel, wait2 := pool.PickNext("claude-3-5-sonnet", 6000)
	require.Nil(t, wait2)
	assert.Equal(t, "a@x.com", sel.Account.Email)
}

func TestMarkRateLimited_DefaultsCooldownWhenResetMissing(t *testing.T) {
	a := newTestAccount("a@x.com")
	pool := NewPool([]*Account{a})

	pool.MarkRateLimited("a@x.com", "claude-3-5-sonnet", 0, 1000)

	_, wait := pool.PickNext("claude-3-5-sonnet", 1000)
	require.NotNil(t, wait)
	assert.EqualValues(t, DefaultRateLimitCooldownMs, wait.WaitMs)
}

func TestResetAllRateLimits_ClearsEveryAccount(t *testing.T) {
	a := newTestAccount("a@x.com")
	b := newTestAccount("b@x.com")
	pool := NewPool([]*Account{a, b})

	pool.MarkRateLimited("a@x.com", "claude-3-5-sonnet", 999999, 1000)
	pool.MarkRateLimited("b@x.com", "claude-3-5-sonnet", 999999, 1000)
	require.True(t, pool.AllRateLimitedFor("claude-3-5-sonnet", 1000))

	pool.ResetAllRateLimits("claude-3-5-sonnet")

	sel, wait := pool.PickNext("claude-3-5-sonnet", 1000)
	require.Nil(t, wait)
	require.NotNil(t, sel)
}

func TestAllRateLimitedFor_FalseWhenOneAccountIsFree(t *testing.T) {
	a := newTestAccount("a@x.com")
	b := newTestAccount("b@x.com")
	pool := NewPool([]*Account{a, b})

	pool.MarkRateLimited("a@x.com", "claude-3-5-sonnet", 999999, 1000)
	assert.False(t, pool.AllRateLimitedFor("claude-3-5-sonnet", 1000))
}

func TestTryResetAllRateLimits_PacesConcurrentResets(t *testing.T) {
	a := newTestAccount("a@x.com")
	b := newTestAccount("b@x.com")
	pool := NewPool([]*Account{a, b})

	pool.MarkRateLimited("a@x.com", "claude-3-5-sonnet", 999999, 1000)
	pool.MarkRateLimited("b@x.com", "claude-3-5-sonnet", 999999, 1000)
	require.True(t, pool.AllRateLimitedFor("claude-3-5-sonnet", 1000))

	assert.True(t, pool.TryResetAllRateLimits("claude-3-5-sonnet"), "first reset in the window should be allowed")

	pool.MarkRateLimited("a@x.com", "claude-3-5-sonnet", 999999, 1000)
	pool.MarkRateLimited("b@x.com", "claude-3-5-sonnet", 999999, 1000)
	assert.False(t, pool.TryResetAllRateLimits("claude-3-5-sonnet"), "a second reset within the pacing window should be denied")
	require.True(t, pool.AllRateLimitedFor("claude-3-5-sonnet", 1000), "a denied reset must not clear rate-limit state")
}

func TestInvalidate_DropsAccountAndSticky(t *testing.T) {
	a := newTestAccount("a@x.com")
	b := newTestAccount("b@x.com")
	pool := NewPool([]*Account{a, b})

	pool.PickNext("claude-3-5-sonnet", 1000)
	pool.Invalidate("a@x.com", "auth failure")

	sel, wait := pool.PickNext("claude-3-5-sonnet", 2000)
	require.Nil(t, wait)
	assert.Equal(t, "b@x.com", sel.Account.Email)
}

func TestDisplayName_MasksEmail(t *testing.T) {
	a := &Account{Email: "someone@example.com"}
	assert.Equal(t, "s***@example.com", a.DisplayName())
}
