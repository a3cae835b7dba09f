package features_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-runtime/internal/datasource"
	"github.com/atlas-desktop/strategy-runtime/internal/features"
	"github.com/atlas-desktop/strategy-runtime/internal/llm"
	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func candle(tsMs int64, close, volume float64) types.Candle {
	return types.Candle{TsMs: tsMs, Close: dec(close), Volume: dec(volume)}
}

func TestCandleFeatureComputesChangePct(t *testing.T) {
	inst := types.NewInstrumentRef("BTC/USDT", "binance", false)
	candles := []types.Candle{
		candle(1000, 100, 10),
		candle(2000, 110, 20),
	}

	fv := features.CandleFeature(inst, "1m", candles)

	if fv.GroupBy() != types.FeatureGroupCandle("1m") {
		t.Fatalf("expected group %q, got %q", types.FeatureGroupCandle("1m"), fv.GroupBy())
	}
	changePct, ok := fv.Float("change_pct")
	if !ok {
		t.Fatal("expected change_pct to be present")
	}
	if changePct != 0.1 {
		t.Fatalf("expected change_pct 0.1, got %v", changePct)
	}
}

func TestCandleFeatureSingleBarHasZeroChange(t *testing.T) {
	inst := types.NewInstrumentRef("BTC/USDT", "binance", false)
	fv := features.CandleFeature(inst, "1m", []types.Candle{candle(1000, 100, 10)})

	changePct, ok := fv.Float("change_pct")
	if !ok || changePct != 0 {
		t.Fatalf("expected change_pct 0, got %v ok=%v", changePct, ok)
	}
}

func TestMarketFeatureIncludesOptionalFields(t *testing.T) {
	oi := dec(500)
	funding := dec(0.0001)
	snap := types.MarketSnapshot{
		Instrument:   types.NewInstrumentRef("BTC/USDT", "binance", true),
		LastPrice:    dec(105),
		OpenPrice:    dec(100),
		Volume:       dec(42),
		OpenInterest: &oi,
		FundingRate:  &funding,
	}

	fv := features.MarketFeature(snap)

	if fv.GroupBy() != types.FeatureGroupMarketSnapshot {
		t.Fatalf("expected market_snapshot group, got %q", fv.GroupBy())
	}
	if v, ok := fv.Float("open_interest"); !ok || v != 500 {
		t.Fatalf("expected open_interest 500, got %v ok=%v", v, ok)
	}
	if v, ok := fv.Float("funding_rate"); !ok || v != 0.0001 {
		t.Fatalf("expected funding_rate 0.0001, got %v ok=%v", v, ok)
	}
}

// stubDataSource implements datasource.DataSource with canned responses,
// and can be made to fail per-instrument so pipeline degrade behavior is
// exercised.
type stubDataSource struct {
	candles     []types.Candle
	candleErr   error
	snapshot    types.MarketSnapshot
	snapshotErr error
}

func (s *stubDataSource) Open(ctx context.Context) error  { return nil }
func (s *stubDataSource) Close() error                    { return nil }
func (s *stubDataSource) FetchCandles(ctx context.Context, inst types.InstrumentRef, interval string, lookback int) ([]types.Candle, error) {
	if s.candleErr != nil {
		return nil, s.candleErr
	}
	return s.candles, nil
}
func (s *stubDataSource) FetchSnapshot(ctx context.Context, inst types.InstrumentRef) (types.MarketSnapshot, error) {
	if s.snapshotErr != nil {
		return types.MarketSnapshot{}, s.snapshotErr
	}
	return s.snapshot, nil
}

func TestPipelineBuildJoinsCandleAndMarketFeatures(t *testing.T) {
	inst := types.NewInstrumentRef("BTC/USDT", "binance", false)
	ds := &stubDataSource{
		candles:  []types.Candle{candle(1000, 100, 10), candle(2000, 110, 20)},
		snapshot: types.MarketSnapshot{Instrument: inst, LastPrice: dec(110), OpenPrice: dec(100)},
	}

	p := features.NewPipeline(zap.NewNop(), ds, nil, nil, nil)
	vectors := p.Build(context.Background(), []types.InstrumentRef{inst})

	if len(vectors) != 2 {
		t.Fatalf("expected 2 feature vectors (candle + market), got %d", len(vectors))
	}
	if _, ok := types.MarketFeatureFor(vectors, "BTC/USDT"); !ok {
		t.Fatal("expected a market_snapshot feature for BTC/USDT")
	}
}

func TestPipelineBuildDegradesOnSourceFailure(t *testing.T) {
	inst := types.NewInstrumentRef("BTC/USDT", "binance", false)
	ds := &stubDataSource{
		candleErr:   errors.New("exchange unreachable"),
		snapshotErr: errors.New("exchange unreachable"),
	}

	p := features.NewPipeline(zap.NewNop(), ds, nil, nil, nil)
	vectors := p.Build(context.Background(), []types.InstrumentRef{inst})

	if len(vectors) != 0 {
		t.Fatalf("expected pipeline to degrade to no vectors on total failure, got %d", len(vectors))
	}
}

// stubImageSource and stubLLMClient let the image task be exercised
// without a real screenshot provider or model backend.
type stubImageSource struct {
	shot []byte
	err  error
}

func (s *stubImageSource) CaptureDashboard(ctx context.Context, symbols []string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.shot, nil
}

type stubLLMClient struct {
	response llm.Response
	err      error
}

func (s *stubLLMClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if s.err != nil {
		return llm.Response{}, s.err
	}
	return s.response, nil
}

func TestPipelineBuildIncludesImageFeatureWhenConfigured(t *testing.T) {
	inst := types.NewInstrumentRef("BTC/USDT", "binance", false)
	ds := &stubDataSource{
		candles:  []types.Candle{candle(1000, 100, 10)},
		snapshot: types.MarketSnapshot{Instrument: inst, LastPrice: dec(100), OpenPrice: dec(100)},
	}
	img := &stubImageSource{shot: []byte("fake-png-bytes")}
	llmClient := &stubLLMClient{response: llm.Response{Content: "uptrend with support at 98"}}

	p := features.NewPipeline(zap.NewNop(), ds, img, llmClient, nil)
	vectors := p.Build(context.Background(), []types.InstrumentRef{inst})

	imageVectors := types.FilterByGroup(vectors, types.FeatureGroupImageAnalysis)
	if len(imageVectors) != 1 {
		t.Fatalf("expected exactly 1 image_analysis vector, got %d", len(imageVectors))
	}
	report, _ := imageVectors[0].Values["report_markdown"].(string)
	if report != "uptrend with support at 98" {
		t.Fatalf("unexpected report_markdown: %q", report)
	}
}

func TestPipelineBuildSkipsImageTaskWhenImageSourceFails(t *testing.T) {
	inst := types.NewInstrumentRef("BTC/USDT", "binance", false)
	ds := &stubDataSource{
		candles:  []types.Candle{candle(1000, 100, 10)},
		snapshot: types.MarketSnapshot{Instrument: inst, LastPrice: dec(100), OpenPrice: dec(100)},
	}
	img := &stubImageSource{err: datasource.ErrNoImageSource}
	llmClient := &stubLLMClient{}

	p := features.NewPipeline(zap.NewNop(), ds, img, llmClient, nil)
	vectors := p.Build(context.Background(), []types.InstrumentRef{inst})

	if len(types.FilterByGroup(vectors, types.FeatureGroupImageAnalysis)) != 0 {
		t.Fatal("expected no image_analysis vector when image source fails")
	}
	if len(vectors) != 2 {
		t.Fatalf("expected candle + market vectors to still be present, got %d", len(vectors))
	}
}
