package store

import (
	"time"

	"fundarb/internal/config"
)

// FreshnessChecker decides whether the store snapshot is recent enough to
// base decisions on. A missing timestamp counts as stale.
type FreshnessChecker struct {
	cfg config.FreshnessConfig
	now func() time.Time
}

// NewFreshnessChecker builds a checker from config
func NewFreshnessChecker(cfg config.FreshnessConfig) *FreshnessChecker {
	return &FreshnessChecker{cfg: cfg, now: time.Now}
}

func (f *FreshnessChecker) fresh(last time.Time, maxAge time.Duration) bool {
	if last.IsZero() {
		return false
	}
	return f.now().Sub(last) <= maxAge
}

// TickerFresh reports whether the ticker domain is usable
func (f *FreshnessChecker) TickerFresh(s *StateStore) bool {
	return f.fresh(s.LastTickerUpdate(), f.cfg.MaxTickerAge())
}

// FundingFresh reports whether the funding domain is usable
func (f *FreshnessChecker) FundingFresh(s *StateStore) bool {
	return f.fresh(s.LastFundingUpdate(), f.cfg.MaxFundingAge())
}

// AccountFresh reports whether the account domain is usable
func (f *FreshnessChecker) AccountFresh(s *StateStore) bool {
	return f.fresh(s.LastAccountUpdate(), f.cfg.MaxAccountAge())
}

// RestFresh reports whether every REST-fed domain is within its max age
func (f *FreshnessChecker) RestFresh(s *StateStore) bool {
	return f.TickerFresh(s) && f.FundingFresh(s) && f.AccountFresh(s)
}
