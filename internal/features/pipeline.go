// Package features builds the per-cycle []FeatureVector the coordinator
// feeds into ComposeContext. Pipeline.Build's named-task concurrent
// fan-out is grounded directly on
// original_source/features/pipeline.py's tasks_map: dict[str, asyncio.Task]
// pattern — each fetch is a distinctly-named task ("candles:<interval>:<idx>",
// "market", "image"), gathered together, with any single
// failure logged and swallowed rather than aborting the cycle.
package features

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-runtime/internal/datasource"
	"github.com/atlas-desktop/strategy-runtime/internal/llm"
	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

// ImagePrompt is the system prompt sent alongside a captured dashboard
// screenshot to the configured LLM for analysis.
const ImagePrompt = "You are a trading chart analyst. Summarize the visible price action, key levels, and any notable patterns in two or three sentences of markdown."

// Pipeline builds feature vectors for one cycle across candle windows, a
// market snapshot per symbol, and an optional image analysis.
type Pipeline struct {
	logger       *zap.Logger
	dataSource   datasource.DataSource
	imageSource  datasource.ImageSource
	llmClient    llm.Client
	candleConfig []types.CandleConfig
}

// NewPipeline creates a Pipeline. imageSource and llmClient may both be
// nil (or imageSource may be datasource.NoopImageSource{}) to disable the
// optional image_analysis source entirely.
func NewPipeline(logger *zap.Logger, ds datasource.DataSource, imageSource datasource.ImageSource, llmClient llm.Client, candleConfig []types.CandleConfig) *Pipeline {
	if len(candleConfig) == 0 {
		candleConfig = types.DefaultCandleConfigs()
	}
	return &Pipeline{
		logger:       logger,
		dataSource:   ds,
		imageSource:  imageSource,
		llmClient:    llmClient,
		candleConfig: candleConfig,
	}
}

// Open opens the underlying data source, idempotently per §4.2.
func (p *Pipeline) Open(ctx context.Context) error {
	return p.dataSource.Open(ctx)
}

// Close closes the underlying data source, idempotently per §4.2.
func (p *Pipeline) Close() error {
	return p.dataSource.Close()
}

// namedTask is one fetch in the fan-out: Name matches
// original_source/features/pipeline.py's task-map keys, and Run returns
// the feature vectors that task contributes (possibly empty on error,
// which Build logs rather than propagates).
type namedTask struct {
	name string
	run  func(ctx context.Context) ([]types.FeatureVector, error)
}

// Build runs every configured fetch concurrently and joins the results.
// A failing source yields no vectors for that source; it never aborts
// the cycle.
func (p *Pipeline) Build(ctx context.Context, instruments []types.InstrumentRef) []types.FeatureVector {
	tasks := p.buildTasks(instruments)

	results := make([][]types.FeatureVector, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		i, task := i, task
		wg.Add(1)
		go func() {
			defer wg.Done()
			vectors, err := task.run(ctx)
			if err != nil {
				p.logger.Warn("feature task failed, degrading to empty", zap.String("task", task.name), zap.Error(err))
				return
			}
			results[i] = vectors
		}()
	}
	wg.Wait()

	out := make([]types.FeatureVector, 0)
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

func (p *Pipeline) buildTasks(instruments []types.InstrumentRef) []namedTask {
	tasks := make([]namedTask, 0, len(p.candleConfig)+2)

	for idx, cfg := range p.candleConfig {
		cfg := cfg
		tasks = append(tasks, namedTask{
			name: fmt.Sprintf("candles:%s:%d", cfg.Interval, idx),
			run: func(ctx context.Context) ([]types.FeatureVector, error) {
				return p.buildCandleFeatures(ctx, instruments, cfg)
			},
		})
	}

	tasks = append(tasks, namedTask{
		name: "market",
		run: func(ctx context.Context) ([]types.FeatureVector, error) {
			return p.buildMarketFeatures(ctx, instruments)
		},
	})

	if p.imageSource != nil && p.llmClient != nil {
		tasks = append(tasks, namedTask{
			name: "image",
			run: func(ctx context.Context) ([]types.FeatureVector, error) {
				return p.buildImageFeature(ctx, instruments)
			},
		})
	}

	return tasks
}

func (p *Pipeline) buildCandleFeatures(ctx context.Context, instruments []types.InstrumentRef, cfg types.CandleConfig) ([]types.FeatureVector, error) {
	out := make([]types.FeatureVector, 0, len(instruments))
	for _, inst := range instruments {
		candles, err := p.dataSource.FetchCandles(ctx, inst, cfg.Interval, cfg.Lookback)
		if err != nil {
			p.logger.Warn("candle fetch failed for instrument, skipping",
				zap.String("symbol", inst.Symbol), zap.String("interval", cfg.Interval), zap.Error(err))
			continue
		}
		if len(candles) == 0 {
			continue
		}
		out = append(out, CandleFeature(inst, cfg.Interval, candles))
	}
	return out, nil
}

func (p *Pipeline) buildMarketFeatures(ctx context.Context, instruments []types.InstrumentRef) ([]types.FeatureVector, error) {
	out := make([]types.FeatureVector, 0, len(instruments))
	for _, inst := range instruments {
		snap, err := p.dataSource.FetchSnapshot(ctx, inst)
		if err != nil {
			p.logger.Warn("snapshot fetch failed for instrument, skipping",
				zap.String("symbol", inst.Symbol), zap.Error(err))
			continue
		}
		out = append(out, MarketFeature(snap))
	}
	return out, nil
}

func (p *Pipeline) buildImageFeature(ctx context.Context, instruments []types.InstrumentRef) ([]types.FeatureVector, error) {
	symbols := make([]string, len(instruments))
	for i, inst := range instruments {
		symbols[i] = inst.Symbol
	}

	shot, err := p.imageSource.CaptureDashboard(ctx, symbols)
	if err != nil {
		return nil, err
	}

	resp, err := p.llmClient.Complete(ctx, llm.Request{
		SystemPrompt: ImagePrompt,
		ImagesBase64: []string{base64.StdEncoding.EncodeToString(shot)},
		Temperature:  0.2,
	})
	if err != nil {
		return nil, err
	}

	return []types.FeatureVector{ImageFeature(0, resp.Content)}, nil
}
