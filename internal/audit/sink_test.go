package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coinpilot/trading-engine/pkg/types"
)

func TestSinkWritesOneJSONObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(zap.NewNop(), &buf)

	s.Decision(DecisionRecord{
		Asset:   "BTC",
		Action:  "BUY",
		Allowed: false,
		Reason:  "low_confidence",
		Context: map[string]any{"confidence": 0.4},
	})
	s.Execution(ExecutionRecord{
		Intent: types.OrderIntent{
			ID:       "abc",
			Asset:    "ETH",
			Side:     types.SideSell,
			Quantity: decimal.NewFromInt(3),
			Kind:     types.IntentStopLoss,
		},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var dec DecisionRecord
	if err := json.Unmarshal([]byte(lines[0]), &dec); err != nil {
		t.Fatalf("line 1 is not valid JSON: %v", err)
	}
	if dec.Record != "decision" || dec.Reason != "low_confidence" {
		t.Errorf("decision = %+v", dec)
	}
	if dec.Timestamp.IsZero() {
		t.Error("timestamp not defaulted")
	}

	var exec ExecutionRecord
	if err := json.Unmarshal([]byte(lines[1]), &exec); err != nil {
		t.Fatalf("line 2 is not valid JSON: %v", err)
	}
	if exec.Record != "execution" || exec.Intent.Asset != "ETH" {
		t.Errorf("execution = %+v", exec)
	}
}

func TestFileSinkAppends(t *testing.T) {
	path := t.TempDir() + "/decisions.log"

	for i := 0; i < 2; i++ {
		s, err := NewFileSink(zap.NewNop(), path)
		if err != nil {
			t.Fatalf("NewFileSink failed: %v", err)
		}
		s.Decision(DecisionRecord{Asset: "BTC", Action: "HOLD", Allowed: true})
		if err := s.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}

	s, err := NewFileSink(zap.NewNop(), path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Errorf("got %d records, want 2 (append mode)", got)
	}
}
