// Package state tracks per-asset signal history and trade timestamps
// used for cooldowns, the buy limit, and the daily sell cap.
package state

import (
	"sync"
	"time"

	"github.com/coinpilot/trading-engine/pkg/types"
)

// historyDepth is how many recent signals are kept per asset.
const historyDepth = 5

type assetState struct {
	history         []types.SignalKind // most recent last
	lastRebalance   time.Time
	lastPartialSell time.Time
	sellDate        string // calendar date the counter belongs to
	dailySells      int
}

// rollDay resets the daily sell counter when the calendar date changes.
func (a *assetState) rollDay(now time.Time) {
	day := now.Format("2006-01-02")
	if day != a.sellDate {
		a.sellDate = day
		a.dailySells = 0
	}
}

// CooldownStore is the thread-safe trade-state ledger shared by the
// decision engine and the safety gates. Windows and caps are passed on
// each call so config reloads take effect immediately.
type CooldownStore struct {
	mu     sync.Mutex
	assets map[string]*assetState
}

// NewCooldownStore creates an empty store.
func NewCooldownStore() *CooldownStore {
	return &CooldownStore{
		assets: make(map[string]*assetState),
	}
}

func (s *CooldownStore) asset(name string) *assetState {
	a, ok := s.assets[name]
	if !ok {
		a = &assetState{}
		s.assets[name] = a
	}
	return a
}

// RecordSignal appends one received signal to the asset's history,
// whether or not it was acted on.
func (s *CooldownStore) RecordSignal(asset string, kind types.SignalKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.asset(asset)
	a.history = append(a.history, kind)
	if len(a.history) > historyDepth {
		a.history = a.history[len(a.history)-historyDepth:]
	}
}

// RecordExecutedSell bumps the asset's daily sell counter.
func (s *CooldownStore) RecordExecutedSell(asset string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.asset(asset)
	a.rollDay(now)
	a.dailySells++
}

// RecordPartialSell starts the partial-sell cooldown; partial sells
// also count against the asset's daily cap.
func (s *CooldownStore) RecordPartialSell(asset string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.asset(asset)
	a.rollDay(now)
	a.lastPartialSell = now
	a.dailySells++
}

// RecordRebalance starts the asset's rebalance cooldown.
func (s *CooldownStore) RecordRebalance(asset string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asset(asset).lastRebalance = now
}

// BuysInWindow counts buy and strong-buy signals among the asset's
// recent history.
func (s *CooldownStore) BuysInWindow(asset string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[asset]
	if !ok {
		return 0
	}
	count := 0
	for _, k := range a.history {
		if k == types.SignalBuy || k == types.SignalStrongBuy {
			count++
		}
	}
	return count
}

// SellsInWindow counts sell and emergency-sell signals among the
// asset's recent history.
func (s *CooldownStore) SellsInWindow(asset string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[asset]
	if !ok {
		return 0
	}
	count := 0
	for _, k := range a.history {
		if k == types.SignalSell || k == types.SignalEmergencySell {
			count++
		}
	}
	return count
}

// DailySells returns the asset's sell count for today, rolling the
// date first.
func (s *CooldownStore) DailySells(asset string, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[asset]
	if !ok {
		return 0
	}
	a.rollDay(now)
	return a.dailySells
}

// DailySellCapReached reports whether the asset's cap is exhausted for
// today.
func (s *CooldownStore) DailySellCapReached(asset string, now time.Time, cap int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[asset]
	if !ok {
		return false
	}
	a.rollDay(now)
	return a.dailySells >= cap
}

// RebalanceAllowed reports whether the asset's rebalance cooldown has
// expired.
func (s *CooldownStore) RebalanceAllowed(asset string, now time.Time, cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[asset]
	if !ok || a.lastRebalance.IsZero() {
		return true
	}
	return now.Sub(a.lastRebalance) >= cooldown
}

// PartialSellAllowed reports whether the asset's partial-sell cooldown
// has expired.
func (s *CooldownStore) PartialSellAllowed(asset string, now time.Time, cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[asset]
	if !ok || a.lastPartialSell.IsZero() {
		return true
	}
	return now.Sub(a.lastPartialSell) >= cooldown
}

// AssetSnapshot is the per-asset view exported by Snapshot.
type AssetSnapshot struct {
	History         []types.SignalKind `json:"history"`
	LastRebalance   time.Time          `json:"last_rebalance,omitempty"`
	LastPartialSell time.Time          `json:"last_partial_sell,omitempty"`
	DailySells      int                `json:"daily_sells,omitempty"`
}

// Snapshot returns a copy of the store for the status API.
func (s *CooldownStore) Snapshot() map[string]AssetSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]AssetSnapshot, len(s.assets))
	for name, a := range s.assets {
		hist := make([]types.SignalKind, len(a.history))
		copy(hist, a.history)
		out[name] = AssetSnapshot{
			History:         hist,
			LastRebalance:   a.lastRebalance,
			LastPartialSell: a.lastPartialSell,
			DailySells:      a.dailySells,
		}
	}
	return out
}
