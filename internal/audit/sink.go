// Package audit writes decision and execution records as line-delimited
// JSON. The format is a contract: one object per line, append-only, so
// downstream analysis can tail the file.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coinpilot/trading-engine/pkg/types"
)

// DecisionRecord captures one allow/deny decision with its context.
type DecisionRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Record    string         `json:"record"` // "decision"
	Asset     string         `json:"asset"`
	Action    string         `json:"action"` // BUY, SELL, PARTIAL_SELL, REBALANCE, ...
	Allowed   bool           `json:"allowed"`
	Reason    string         `json:"reason"`
	Context   map[string]any `json:"context,omitempty"`
}

// ExecutionRecord captures a filled order with portfolio state around it.
type ExecutionRecord struct {
	ID        string                   `json:"id"`
	Timestamp time.Time                `json:"ts"`
	Record    string                   `json:"record"` // "execution"
	Intent    types.OrderIntent        `json:"intent"`
	Result    *types.OrderResult       `json:"result,omitempty"`
	Error     string                   `json:"error,omitempty"`
	Before    *types.PortfolioSnapshot `json:"before,omitempty"`
	After     *types.PortfolioSnapshot `json:"after,omitempty"`
}

// Sink serializes records to a writer, one JSON object per line.
type Sink struct {
	logger *zap.Logger

	mu  sync.Mutex
	enc *json.Encoder
	c   io.Closer
}

// NewSink writes to w. The caller owns w's lifetime.
func NewSink(logger *zap.Logger, w io.Writer) *Sink {
	return &Sink{
		logger: logger.Named("audit"),
		enc:    json.NewEncoder(w),
	}
}

// NewFileSink opens (or creates) path in append mode.
func NewFileSink(logger *zap.Logger, path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open decision log %s: %w", path, err)
	}
	s := NewSink(logger, f)
	s.c = f
	return s, nil
}

// Decision appends a decision record. Sink failures are logged, never
// propagated; auditing must not block trading.
func (s *Sink) Decision(rec DecisionRecord) {
	rec.Record = "decision"
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.write(rec)
	if !rec.Allowed {
		s.logger.Info("decision denied",
			zap.String("asset", rec.Asset),
			zap.String("action", rec.Action),
			zap.String("reason", rec.Reason))
	}
}

// Execution appends an execution record.
func (s *Sink) Execution(rec ExecutionRecord) {
	rec.Record = "execution"
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.write(rec)
}

func (s *Sink) write(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(v); err != nil {
		s.logger.Warn("audit write failed", zap.Error(err))
	}
}

// Close closes the underlying file when the sink owns one.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}
