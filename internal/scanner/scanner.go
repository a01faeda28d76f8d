// Package scanner discovers short-lived markets and hands them to the
// engine.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// Tracker is the engine surface the scanner feeds.
type Tracker interface {
	AddMarket(ctx context.Context, m domain.Market) error
	IsTracked(id string) bool
}

// Options controls which markets qualify and how often to look.
type Options struct {
	Interval time.Duration
	// Keyword must appear in the question (case-insensitive). Empty
	// accepts every question.
	Keyword string
	// MinDuration and MaxDuration bound the time to expiry at discovery.
	MinDuration time.Duration
	MaxDuration time.Duration
	// Handed-off markets are forgotten CleanupGrace after expiry, checked
	// every CleanupInterval.
	CleanupGrace    time.Duration
	CleanupInterval time.Duration
	Now             func() time.Time
}

// Scanner polls a market source on an interval.
type Scanner struct {
	source  domain.MarketSource
	tracker Tracker
	opts    Options
	logger  *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time // market id -> expiry
}

// New creates a scanner.
func New(source domain.MarketSource, tracker Tracker, opts Options, logger *slog.Logger) *Scanner {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scanner{
		source:  source,
		tracker: tracker,
		opts:    opts,
		logger:  logger.With(slog.String("component", "scanner")),
		seen:    make(map[string]time.Time),
	}
}

// Run scans immediately and then every Interval until ctx is cancelled.
// Scan failures are logged and retried on the next tick.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("market scanner started",
		slog.String("keyword", s.opts.Keyword),
		slog.Duration("interval", s.opts.Interval),
	)
	defer s.logger.Info("market scanner stopped")

	scan := time.NewTicker(s.opts.Interval)
	defer scan.Stop()
	sweep := time.NewTicker(s.opts.CleanupInterval)
	defer sweep.Stop()

	s.scanLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-scan.C:
			s.scanLogged(ctx)
		case <-sweep.C:
			if n := s.Cleanup(); n > 0 {
				s.logger.Debug("forgot expired markets", slog.Int("count", n))
			}
		}
	}
}

func (s *Scanner) scanLogged(ctx context.Context) {
	added, err := s.ScanOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("market scan failed", slog.String("error", err.Error()))
		}
		return
	}
	if len(added) > 0 {
		s.logger.Info("market scan complete", slog.Int("added", len(added)))
	}
}

// ScanOnce runs one discovery pass and returns the markets handed to the
// tracker.
func (s *Scanner) ScanOnce(ctx context.Context) ([]domain.Market, error) {
	markets, err := s.source.ActiveMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanner: list markets: %w", err)
	}

	now := s.opts.Now()
	var added []domain.Market
	for _, m := range markets {
		if reason := s.reject(m, now); reason != "" {
			continue
		}
		err := s.tracker.AddMarket(ctx, m)
		switch {
		case err == nil:
			added = append(added, m)
			s.remember(m)
			s.logger.Info("new market",
				slog.String("market", m.ID),
				slog.String("question", m.Question),
				slog.Float64("minutes_left", m.Expiry.Sub(now).Minutes()),
			)
		case errors.Is(err, domain.ErrAlreadyExists):
			s.remember(m)
		default:
			s.logger.Debug("market not added", slog.String("market", m.ID), slog.String("error", err.Error()))
		}
	}
	return added, nil
}

// reject returns why m is skipped, or "" when it qualifies.
func (s *Scanner) reject(m domain.Market, now time.Time) string {
	if !m.Eligible() {
		return "incomplete"
	}
	if m.Status == domain.MarketStatusExpired {
		return "closed"
	}
	if s.opts.Keyword != "" && !strings.Contains(strings.ToLower(m.Question), strings.ToLower(s.opts.Keyword)) {
		return "keyword"
	}
	left := m.Expiry.Sub(now)
	if left < s.opts.MinDuration || (s.opts.MaxDuration > 0 && left > s.opts.MaxDuration) {
		return "duration"
	}
	s.mu.Lock()
	_, seen := s.seen[m.ID]
	s.mu.Unlock()
	if seen || s.tracker.IsTracked(m.ID) {
		return "tracked"
	}
	return ""
}

func (s *Scanner) remember(m domain.Market) {
	s.mu.Lock()
	s.seen[m.ID] = m.Expiry
	s.mu.Unlock()
}

// Cleanup forgets markets whose expiry is more than CleanupGrace in the
// past and returns how many were dropped.
func (s *Scanner) Cleanup() int {
	cutoff := s.opts.Now().Add(-s.opts.CleanupGrace)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, exp := range s.seen {
		if exp.Before(cutoff) {
			delete(s.seen, id)
			n++
		}
	}
	return n
}

// Known returns how many handed-off markets are remembered.
func (s *Scanner) Known() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
