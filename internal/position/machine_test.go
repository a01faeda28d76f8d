package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

var (
	allStates = []domain.PositionState{
		domain.StateIdle, domain.StateEntering, domain.StateOpen,
		domain.StateExiting, domain.StateClosed, domain.StateFailed,
	}
	allTriggers = []Trigger{
		TriggerEntrySubmitted, TriggerEntryFilled, TriggerEntryFailed,
		TriggerExitSubmitted, TriggerExitRetry, TriggerExitFilled, TriggerExitExpired,
	}
)

func TestNextOnlyAllowsDefinedTransitions(t *testing.T) {
	legal := map[domain.PositionState]map[Trigger]domain.PositionState{
		domain.StateIdle:     {TriggerEntrySubmitted: domain.StateEntering},
		domain.StateClosed:   {TriggerEntrySubmitted: domain.StateEntering},
		domain.StateEntering: {TriggerEntryFilled: domain.StateOpen, TriggerEntryFailed: domain.StateIdle},
		domain.StateOpen:     {TriggerExitSubmitted: domain.StateExiting, TriggerExitExpired: domain.StateFailed},
		domain.StateExiting: {
			TriggerExitRetry:   domain.StateExiting,
			TriggerExitFilled:  domain.StateClosed,
			TriggerExitExpired: domain.StateFailed,
		},
	}

	for _, s := range allStates {
		for _, tr := range allTriggers {
			got, err := Next(s, tr)
			if want, ok := legal[s][tr]; ok {
				require.NoError(t, err, "%s on %s", tr, s)
				assert.Equal(t, want, got, "%s on %s", tr, s)
				continue
			}
			assert.ErrorIs(t, err, domain.ErrIllegalTransition, "%s on %s", tr, s)
			assert.Equal(t, s, got, "illegal %s on %s must not change state", tr, s)
		}
	}
}

func TestMachineRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMachine("mkt")

	require.NoError(t, m.BeginEntry("p1", "yes-token", domain.OutcomeYes))
	assert.Equal(t, domain.StateEntering, m.State())

	require.NoError(t, m.ConfirmEntry(0.02, 500, now))
	pos := m.Position()
	assert.Equal(t, domain.StateOpen, pos.State)
	assert.InDelta(t, 0.02, pos.EntryPrice, 1e-12)

	require.NoError(t, m.BeginExit(domain.ReasonProfitTarget))
	assert.Equal(t, domain.StateExiting, m.State())

	assert.InDelta(t, 200, m.RecordExitFill(200, 0.06), 1e-12)
	require.NoError(t, m.BeginExit(domain.ReasonForcedTime))
	assert.Equal(t, 2, m.Position().ExitAttempts)
	assert.Equal(t, domain.ReasonForcedTime, m.Position().LastExitReason)

	assert.InDelta(t, 300, m.RecordExitFill(900, 0.05), 1e-12, "fill clamps to remainder")
	require.NoError(t, m.Close(now.Add(time.Minute)))

	pos = m.Position()
	assert.Equal(t, domain.StateClosed, pos.State)
	assert.InDelta(t, 500, pos.ExitFilled, 1e-12)
	assert.InDelta(t, 200*0.06+300*0.05-500*0.02, pos.RealizedPnL, 1e-9)

	require.NoError(t, m.BeginEntry("p2", "no-token", domain.OutcomeNo), "closed markets may enter again")
	assert.Zero(t, m.Position().EntryPrice)
}

func TestMachineEntryPriceSetOnce(t *testing.T) {
	m := NewMachine("mkt")
	require.NoError(t, m.BeginEntry("p1", "tok", domain.OutcomeYes))
	require.NoError(t, m.ConfirmEntry(0.02, 10, time.Now()))

	err := m.ConfirmEntry(0.03, 10, time.Now())
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	assert.InDelta(t, 0.02, m.Position().EntryPrice, 1e-12)
}

func TestMachineAbandonEntryAndFail(t *testing.T) {
	m := NewMachine("mkt")
	require.NoError(t, m.BeginEntry("p1", "tok", domain.OutcomeYes))
	require.NoError(t, m.AbandonEntry())
	assert.Equal(t, domain.StateIdle, m.State())
	assert.Empty(t, m.Position().ID)

	require.NoError(t, m.BeginEntry("p2", "tok", domain.OutcomeYes))
	require.NoError(t, m.ConfirmEntry(0.02, 100, time.Now()))
	require.NoError(t, m.BeginExit(domain.ReasonForcedTime))
	m.RecordExitFill(40, 0.01)
	require.NoError(t, m.Fail(time.Now()))
	assert.Equal(t, domain.StateFailed, m.State())
	assert.InDelta(t, 40*0.01-100*0.02, m.Position().RealizedPnL, 1e-9)

	assert.ErrorIs(t, m.BeginEntry("p3", "tok", domain.OutcomeYes), domain.ErrIllegalTransition)
}

func TestMachineFailFromOpenCountsNoAttempt(t *testing.T) {
	m := NewMachine("mkt")
	require.NoError(t, m.BeginEntry("p1", "tok", domain.OutcomeYes))
	require.NoError(t, m.ConfirmEntry(0.02, 500, time.Now()))

	require.NoError(t, m.Fail(time.Now()))
	pos := m.Position()
	assert.Equal(t, domain.StateFailed, pos.State)
	assert.Zero(t, pos.ExitAttempts)
	assert.Equal(t, domain.ReasonNone, pos.LastExitReason)
	assert.InDelta(t, -10, pos.RealizedPnL, 1e-9)
}

func TestMachineRejectsExitWithoutReason(t *testing.T) {
	m := NewMachine("mkt")
	require.NoError(t, m.BeginEntry("p1", "tok", domain.OutcomeYes))
	require.NoError(t, m.ConfirmEntry(0.02, 100, time.Now()))
	assert.ErrorIs(t, m.BeginExit(domain.ReasonNone), domain.ErrIllegalTransition)
	assert.Equal(t, domain.StateOpen, m.State())
}
