// Package position holds the per-market position lifecycle: the legal state
// transitions and the bookkeeping applied on each of them.
package position

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// Trigger is an event that may move a position between states.
type Trigger string

const (
	TriggerEntrySubmitted Trigger = "entry_submitted"
	TriggerEntryFilled    Trigger = "entry_filled"
	TriggerEntryFailed    Trigger = "entry_failed"
	TriggerExitSubmitted  Trigger = "exit_submitted"
	TriggerExitRetry      Trigger = "exit_retry"
	TriggerExitFilled     Trigger = "exit_filled"
	TriggerExitExpired    Trigger = "exit_expired"
)

type edge struct {
	from    domain.PositionState
	trigger Trigger
}

var transitions = map[edge]domain.PositionState{
	{domain.StateIdle, TriggerEntrySubmitted}:   domain.StateEntering,
	{domain.StateClosed, TriggerEntrySubmitted}: domain.StateEntering,
	{domain.StateEntering, TriggerEntryFilled}:  domain.StateOpen,
	{domain.StateEntering, TriggerEntryFailed}:  domain.StateIdle,
	{domain.StateOpen, TriggerExitSubmitted}:    domain.StateExiting,
	{domain.StateOpen, TriggerExitExpired}:      domain.StateFailed,
	{domain.StateExiting, TriggerExitRetry}:     domain.StateExiting,
	{domain.StateExiting, TriggerExitFilled}:    domain.StateClosed,
	{domain.StateExiting, TriggerExitExpired}:   domain.StateFailed,
}

// Next returns the state reached from s on t. Pairs outside the table are
// programming errors and return domain.ErrIllegalTransition.
func Next(s domain.PositionState, t Trigger) (domain.PositionState, error) {
	to, ok := transitions[edge{s, t}]
	if !ok {
		return s, fmt.Errorf("position: %s on %s: %w", t, s, domain.ErrIllegalTransition)
	}
	return to, nil
}

// Machine wraps a market's Position and applies transitions together with
// the field updates each one implies. It is not safe for concurrent use; the
// owning market actor serializes all calls.
type Machine struct {
	pos domain.Position
}

// NewMachine returns a machine for marketID in the Idle state.
func NewMachine(marketID string) *Machine {
	return &Machine{pos: domain.Position{MarketID: marketID, State: domain.StateIdle}}
}

// Position returns a copy of the current position.
func (m *Machine) Position() domain.Position { return m.pos }

// State is the current lifecycle state.
func (m *Machine) State() domain.PositionState { return m.pos.State }

func (m *Machine) fire(t Trigger) error {
	to, err := Next(m.pos.State, t)
	if err != nil {
		return err
	}
	m.pos.State = to
	return nil
}

// BeginEntry starts a fresh position instance for token.
func (m *Machine) BeginEntry(id, token string, outcome domain.Outcome) error {
	if err := m.fire(TriggerEntrySubmitted); err != nil {
		return err
	}
	m.pos = domain.Position{
		ID:       id,
		MarketID: m.pos.MarketID,
		Token:    token,
		Outcome:  outcome,
		Side:     domain.OrderSideBuy,
		State:    domain.StateEntering,
	}
	return nil
}

// ConfirmEntry fixes entry price and size. They are set only here.
func (m *Machine) ConfirmEntry(price, size float64, at time.Time) error {
	if price <= 0 || size <= 0 {
		return fmt.Errorf("position: confirm entry with price=%g size=%g: %w", price, size, domain.ErrIllegalTransition)
	}
	if err := m.fire(TriggerEntryFilled); err != nil {
		return err
	}
	m.pos.EntryPrice = price
	m.pos.Size = size
	m.pos.OpenedAt = at
	return nil
}

// AbandonEntry returns to Idle after an entry that never filled.
func (m *Machine) AbandonEntry() error {
	if err := m.fire(TriggerEntryFailed); err != nil {
		return err
	}
	m.pos = domain.Position{MarketID: m.pos.MarketID, State: domain.StateIdle}
	return nil
}

// BeginExit records reason and counts an exit attempt. From Open it is the
// Open→Exiting transition; from Exiting it is a resubmission.
func (m *Machine) BeginExit(reason domain.ExitReason) error {
	t := TriggerExitSubmitted
	if m.pos.State == domain.StateExiting {
		t = TriggerExitRetry
	}
	if reason == domain.ReasonNone {
		return fmt.Errorf("position: exit without reason: %w", domain.ErrIllegalTransition)
	}
	if err := m.fire(t); err != nil {
		return err
	}
	m.pos.LastExitReason = reason
	m.pos.ExitAttempts++
	return nil
}

// RecordExitFill books filled quantity at price. Fills are clamped to the
// remaining size so total exits never exceed the entry. It returns the
// quantity actually booked.
func (m *Machine) RecordExitFill(size, price float64) float64 {
	if m.pos.State != domain.StateExiting || size <= 0 {
		return 0
	}
	if rem := m.pos.Remaining(); size > rem {
		size = rem
	}
	m.pos.ExitFilled += size
	m.pos.ExitNotional += size * price
	return size
}

// Close moves Exiting to Closed and realizes PnL. A dust remainder below the
// venue minimum is written off at zero.
func (m *Machine) Close(at time.Time) error {
	if err := m.fire(TriggerExitFilled); err != nil {
		return err
	}
	m.pos.RealizedPnL = m.pos.ExitNotional - m.pos.EntryPrice*m.pos.Size
	m.pos.ClosedAt = at
	return nil
}

// Fail moves Open or Exiting to Failed after the market expired with
// inventory left. The unsold remainder is booked at zero. No exit attempt is
// counted.
func (m *Machine) Fail(at time.Time) error {
	if err := m.fire(TriggerExitExpired); err != nil {
		return err
	}
	m.pos.RealizedPnL = m.pos.ExitNotional - m.pos.EntryPrice*m.pos.Size
	m.pos.ClosedAt = at
	return nil
}
