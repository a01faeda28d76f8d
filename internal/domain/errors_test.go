package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("clob: post order: %w", &Error{
		Kind:       KindRateLimited,
		Op:         "post order",
		RetryAfter: 2 * time.Second,
		Err:        errors.New("429"),
	})

	assert.ErrorIs(t, err, ErrRateLimited)
	assert.NotErrorIs(t, err, ErrTransientNetwork)
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 2*time.Second, RetryAfter(err))
	assert.Contains(t, err.Error(), "rate_limited")
}

func TestKindOfClassifiesDeadlineAsTransient(t *testing.T) {
	err := fmt.Errorf("call: %w", context.DeadlineExceeded)
	assert.Equal(t, KindTransientNetwork, KindOf(err))
	assert.True(t, IsRetryable(err))
}

func TestTerminalKindsAreNotRetryable(t *testing.T) {
	for _, k := range []ErrorKind{KindRejectedOrder, KindInsufficientBalance, KindMalformedOrder, KindUnknown} {
		assert.False(t, IsRetryable(NewError(k, "op", nil)), k.String())
	}
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestEngineConfigValidate(t *testing.T) {
	require.NoError(t, DefaultEngineConfig().Validate())

	bad := DefaultEngineConfig()
	bad.EntryThresholdPct = 0
	bad.ProfitMultiplier = 1
	bad.MaxRetries = 0
	err := bad.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigInvalid)
	assert.Contains(t, err.Error(), "entry_threshold_pct")
	assert.Contains(t, err.Error(), "profit_multiplier")
	assert.Contains(t, err.Error(), "max_retries")
}

func TestEngineConfigWithCopies(t *testing.T) {
	base := DefaultEngineConfig()

	next, err := base.WithEntryThreshold(0.05)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, next.EntryThresholdPct, 1e-12)
	assert.InDelta(t, 0.03, base.EntryThresholdPct, 1e-12)

	_, err = base.WithProfitMultiplier(0.5)
	assert.ErrorIs(t, err, ErrConfigInvalid)

	moved, err := base.WithForcedExit(60 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, moved.MinEntryWindow)
}
