package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/expirybot/internal/domain"
	"github.com/alanyoungcy/expirybot/internal/engine"
)

type fakeController struct {
	calls []string
	cfg   domain.EngineConfig
	err   error
}

func (f *fakeController) Start(context.Context) error {
	f.calls = append(f.calls, "start")
	return f.err
}

func (f *fakeController) Stop(context.Context) ([]engine.StopReport, error) {
	f.calls = append(f.calls, "stop")
	return []engine.StopReport{{MarketID: "m1", State: domain.StateClosed}}, f.err
}

func (f *fakeController) SetEntryThreshold(_ context.Context, v float64) error {
	f.calls = append(f.calls, "entry")
	f.cfg.EntryThresholdPct = v
	return f.err
}

func (f *fakeController) SetProfitTarget(_ context.Context, v float64) error {
	f.calls = append(f.calls, "profit")
	f.cfg.ProfitMultiplier = v
	return f.err
}

func (f *fakeController) SetForcedExit(_ context.Context, d time.Duration) error {
	f.calls = append(f.calls, "forced")
	f.cfg.ForcedExit = d
	return f.err
}

func (f *fakeController) SetPositionSize(_ context.Context, usd float64) error {
	f.calls = append(f.calls, "size")
	f.cfg.MaxPositionUSD = usd
	return f.err
}

func (f *fakeController) ListPositions() []domain.PositionSummary {
	return []domain.PositionSummary{{MarketID: "m1", State: domain.StateOpen}}
}

func (f *fakeController) Status() domain.EngineHealth {
	return domain.EngineHealth{Running: true, Config: f.cfg}
}

func (f *fakeController) Stats() domain.TradingStats {
	return domain.TradingStats{TotalTrades: 4, WinningTrades: 3}
}

func (f *fakeController) PauseMarket(_ context.Context, id string) error {
	f.calls = append(f.calls, "pause:"+id)
	return f.err
}

type bogus struct{}

func (bogus) Name() string { return "bogus" }
func (bogus) command()     {}

func TestDispatchRoutesEveryCommand(t *testing.T) {
	ctx := context.Background()
	f := &fakeController{cfg: domain.DefaultEngineConfig()}

	res, err := Dispatch(ctx, f, SetEntryThreshold{Value: 0.04})
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.NotNil(t, res.Config)
	assert.InDelta(t, 0.04, res.Config.EntryThresholdPct, 1e-12)

	res, err = Dispatch(ctx, f, Stop{})
	require.NoError(t, err)
	assert.Len(t, res.Reports, 1)

	res, err = Dispatch(ctx, f, ListPositions{})
	require.NoError(t, err)
	assert.Len(t, res.Positions, 1)

	res, err = Dispatch(ctx, f, Status{})
	require.NoError(t, err)
	assert.True(t, res.Health.Running)

	res, err = Dispatch(ctx, f, Stats{})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, res.Stats.WinRate(), 1e-12)

	for _, cmd := range []Command{Start{}, SetProfitTarget{Multiplier: 3}, SetForcedExit{Lead: 30 * time.Second}, SetPositionSize{USD: 20}, PauseMarket{MarketID: "m9"}} {
		_, err := Dispatch(ctx, f, cmd)
		require.NoError(t, err, cmd.Name())
	}
	assert.Equal(t, []string{"entry", "stop", "start", "profit", "forced", "size", "pause:m9"}, f.calls)
}

func TestDispatchErrors(t *testing.T) {
	ctx := context.Background()
	_, err := Dispatch(ctx, &fakeController{}, bogus{})
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = Dispatch(ctx, &fakeController{}, nil)
	assert.ErrorIs(t, err, ErrUnknownCommand)

	f := &fakeController{err: domain.NewError(domain.KindConfigInvalid, "engine config", errors.New("bad"))}
	res, err := Dispatch(ctx, f, SetEntryThreshold{Value: 2})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.False(t, res.OK)
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		want Command
	}{
		{"/start", Start{}},
		{"/stop@expiry_bot", Stop{}},
		{"/status", Status{}},
		{"/positions", ListPositions{}},
		{"/stats", Stats{}},
		{"/setbuy 0.03", SetEntryThreshold{Value: 0.03}},
		{"/setsell 2.5", SetProfitTarget{Multiplier: 2.5}},
		{"/setsell 3x", SetProfitTarget{Multiplier: 3}},
		{"/setexit 25s", SetForcedExit{Lead: 25 * time.Second}},
		{"/setsize $10", SetPositionSize{USD: 10}},
		{"/pausemarket 0xabc", PauseMarket{MarketID: "0xabc"}},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseCommand(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseCommandRejects(t *testing.T) {
	for _, in := range []string{"/setbuy", "/setbuy 0.7", "/setsell 1", "/setexit 2", "/setsize 5000", "/pausemarket"} {
		_, err := ParseCommand(in)
		var ue *UsageError
		assert.True(t, errors.As(err, &ue), in)
	}

	_, err := ParseCommand("/help")
	assert.ErrorIs(t, err, ErrHelp)
	_, err = ParseCommand("hello")
	assert.ErrorIs(t, err, ErrUnknownCommand)
	_, err = ParseCommand("/launch")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}
