// Package control defines the closed set of operator commands and the single
// dispatcher every control surface (HTTP, chat) goes through.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/expirybot/internal/domain"
	"github.com/alanyoungcy/expirybot/internal/engine"
)

// Command is one operator request. The set of implementations is closed.
type Command interface {
	Name() string
	command()
}

type (
	Start             struct{}
	Stop              struct{}
	SetEntryThreshold struct{ Value float64 }
	SetProfitTarget   struct{ Multiplier float64 }
	SetForcedExit     struct{ Lead time.Duration }
	SetPositionSize   struct{ USD float64 }
	ListPositions     struct{}
	Status            struct{}
	Stats             struct{}
	PauseMarket       struct{ MarketID string }
)

func (Start) Name() string             { return "start" }
func (Stop) Name() string              { return "stop" }
func (SetEntryThreshold) Name() string { return "set_entry_threshold" }
func (SetProfitTarget) Name() string   { return "set_profit_target" }
func (SetForcedExit) Name() string     { return "set_forced_exit" }
func (SetPositionSize) Name() string   { return "set_position_size" }
func (ListPositions) Name() string     { return "list_positions" }
func (Status) Name() string            { return "status" }
func (Stats) Name() string             { return "stats" }
func (PauseMarket) Name() string       { return "pause_market" }

func (Start) command()             {}
func (Stop) command()              {}
func (SetEntryThreshold) command() {}
func (SetProfitTarget) command()   {}
func (SetForcedExit) command()     {}
func (SetPositionSize) command()   {}
func (ListPositions) command()     {}
func (Status) command()            {}
func (Stats) command()             {}
func (PauseMarket) command()       {}

// Controller is the engine surface commands act on.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) ([]engine.StopReport, error)
	SetEntryThreshold(ctx context.Context, v float64) error
	SetProfitTarget(ctx context.Context, v float64) error
	SetForcedExit(ctx context.Context, d time.Duration) error
	SetPositionSize(ctx context.Context, usd float64) error
	ListPositions() []domain.PositionSummary
	Status() domain.EngineHealth
	Stats() domain.TradingStats
	PauseMarket(ctx context.Context, id string) error
}

// Result carries whatever a command produced. Only the fields relevant to
// the command are set.
type Result struct {
	Command   string                   `json:"command"`
	OK        bool                     `json:"ok"`
	Positions []domain.PositionSummary `json:"positions,omitempty"`
	Health    *domain.EngineHealth     `json:"health,omitempty"`
	Stats     *domain.TradingStats     `json:"stats,omitempty"`
	Reports   []engine.StopReport      `json:"reports,omitempty"`
	Config    *domain.EngineConfig     `json:"config,omitempty"`
}

// ErrUnknownCommand is returned for a Command outside the closed set.
var ErrUnknownCommand = errors.New("control: unknown command")

// Dispatch executes cmd against c.
func Dispatch(ctx context.Context, c Controller, cmd Command) (Result, error) {
	res := Result{}
	if cmd == nil {
		return res, ErrUnknownCommand
	}
	res.Command = cmd.Name()

	var err error
	switch cmd := cmd.(type) {
	case Start:
		err = c.Start(ctx)
	case Stop:
		res.Reports, err = c.Stop(ctx)
	case SetEntryThreshold:
		err = c.SetEntryThreshold(ctx, cmd.Value)
	case SetProfitTarget:
		err = c.SetProfitTarget(ctx, cmd.Multiplier)
	case SetForcedExit:
		err = c.SetForcedExit(ctx, cmd.Lead)
	case SetPositionSize:
		err = c.SetPositionSize(ctx, cmd.USD)
	case ListPositions:
		res.Positions = c.ListPositions()
	case Status:
		h := c.Status()
		res.Health = &h
	case Stats:
		s := c.Stats()
		res.Stats = &s
	case PauseMarket:
		err = c.PauseMarket(ctx, cmd.MarketID)
	default:
		return res, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
	if err != nil {
		return res, fmt.Errorf("control: %s: %w", res.Command, err)
	}

	switch cmd.(type) {
	case SetEntryThreshold, SetProfitTarget, SetForcedExit, SetPositionSize:
		cfg := c.Status().Config
		res.Config = &cfg
	}
	res.OK = true
	return res, nil
}
