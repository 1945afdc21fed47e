package signals

import (
	"testing"

	"go.uber.org/zap"

	"github.com/coinpilot/trading-engine/pkg/types"
)

func TestCoerceActions(t *testing.T) {
	p := NewParser(zap.NewNop())

	tests := []struct {
		action string
		want   types.SignalKind
	}{
		{"buy", types.SignalBuy},
		{"BUY", types.SignalBuy},
		{" accumulate ", types.SignalBuy},
		{"strong_buy", types.SignalStrongBuy},
		{"STRONG_BUY", types.SignalStrongBuy},
		{"sell", types.SignalSell},
		{"reduce", types.SignalSell},
		{"emergency_sell", types.SignalEmergencySell},
		{"hold", types.SignalHold},
		{"", types.SignalHold},
		{"moon", types.SignalHold}, // unknown degrades to hold
	}
	for _, tt := range tests {
		sig := p.Coerce("BTC", tt.action, 0.5, "", "test")
		if sig.Kind != tt.want {
			t.Errorf("action %q -> %s, want %s", tt.action, sig.Kind, tt.want)
		}
	}
}

func TestCoerceClampsConfidence(t *testing.T) {
	p := NewParser(zap.NewNop())

	if sig := p.Coerce("BTC", "buy", -0.3, "", "test"); sig.Confidence != 0 {
		t.Errorf("negative confidence = %f, want 0", sig.Confidence)
	}
	if sig := p.Coerce("BTC", "buy", 1.7, "", "test"); sig.Confidence != 1 {
		t.Errorf("oversized confidence = %f, want 1", sig.Confidence)
	}
}

func TestParseBatch(t *testing.T) {
	p := NewParser(zap.NewNop())

	data := []byte(`{
		"BTC": {"action": "buy", "confidence": 0.82, "reason": "breakout"},
		"ETH": {"action": "sell", "confidence": "0.7"},
		"XRP": {"action": "hodl"},
		"SOL": {"action": "hold", "confidence": "not-a-number"}
	}`)

	out, err := p.ParseBatch(data, "ai")
	if err != nil {
		t.Fatalf("ParseBatch failed: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("got %d signals, want 4", len(out))
	}

	if out["BTC"].Kind != types.SignalBuy || out["BTC"].Confidence != 0.82 {
		t.Errorf("BTC = %+v", out["BTC"])
	}
	if out["ETH"].Kind != types.SignalSell || out["ETH"].Confidence != 0.7 {
		t.Errorf("string confidence not parsed: %+v", out["ETH"])
	}
	if out["XRP"].Kind != types.SignalHold {
		t.Errorf("unknown action should degrade to hold: %+v", out["XRP"])
	}
	if out["SOL"].Confidence != defaultConfidence {
		t.Errorf("garbled confidence should default: %+v", out["SOL"])
	}
	if out["BTC"].Asset != "BTC" {
		t.Errorf("asset not backfilled from map key: %+v", out["BTC"])
	}
}

func TestParseBatchAdvisoryFields(t *testing.T) {
	p := NewParser(zap.NewNop())

	data := []byte(`{
		"BTC": {"action": "buy", "confidence": 0.8, "recommended_size": 0.1, "stop_loss": 45000, "take_profit": "52000"},
		"ETH": {"action": "buy", "recommended_size": 1.7},
		"XRP": {"action": "buy", "recommended_size": "garbled", "stop_loss": -5}
	}`)

	out, err := p.ParseBatch(data, "ai")
	if err != nil {
		t.Fatalf("ParseBatch failed: %v", err)
	}

	btc := out["BTC"]
	if btc.RecommendedSize != 0.1 {
		t.Errorf("recommended size = %f, want 0.1", btc.RecommendedSize)
	}
	if btc.StopLoss.String() != "45000" || btc.TakeProfit.String() != "52000" {
		t.Errorf("price levels = %s / %s, want 45000 / 52000", btc.StopLoss, btc.TakeProfit)
	}

	// Oversized fractions clamp, garbage and negative levels zero out.
	if out["ETH"].RecommendedSize != 1 {
		t.Errorf("oversized fraction = %f, want 1", out["ETH"].RecommendedSize)
	}
	if out["XRP"].RecommendedSize != 0 {
		t.Errorf("garbled fraction = %f, want 0", out["XRP"].RecommendedSize)
	}
	if !out["XRP"].StopLoss.IsZero() {
		t.Errorf("negative stop level = %s, want 0", out["XRP"].StopLoss)
	}
}

func TestParseBatchMalformedPayload(t *testing.T) {
	p := NewParser(zap.NewNop())
	if _, err := p.ParseBatch([]byte("not json"), "ai"); err == nil {
		t.Fatal("expected error for malformed batch")
	} else if types.Classify(err) != types.ErrorTransientData {
		t.Errorf("malformed batch should classify as transient, got %s", types.Classify(err))
	}
}
