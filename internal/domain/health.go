package domain

import "time"

// FeedHealth describes the market-data connection.
type FeedHealth struct {
	Connected  bool      `json:"connected"`
	Tokens     int       `json:"tokens"`
	Reconnects int64     `json:"reconnects"`
	LastError  string    `json:"last_error,omitempty"`
	LastTick   time.Time `json:"last_tick"`
}

// TradingStats aggregates realized outcomes since start.
type TradingStats struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	FailedTrades  int     `json:"failed_trades"`
	RealizedPnL   float64 `json:"realized_pnl"`
	VolumeUSD     float64 `json:"volume_usd"`
	ForcedExits   int     `json:"forced_exits"`
	SafetyExits   int     `json:"safety_exits"`
}

// WinRate is winning/total, zero with no trades.
func (s TradingStats) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.WinningTrades) / float64(s.TotalTrades)
}

// EngineHealth is the status() view of the engine.
type EngineHealth struct {
	Running       bool         `json:"running"`
	Mode          string       `json:"mode"`
	StartedAt     time.Time    `json:"started_at"`
	Markets       int          `json:"markets"`
	OpenPositions int          `json:"open_positions"`
	Attention     []string     `json:"attention,omitempty"`
	Paused        []string     `json:"paused,omitempty"`
	Feed          FeedHealth   `json:"feed"`
	Stats         TradingStats `json:"stats"`
	Config        EngineConfig `json:"config"`
}
