package datasource

import "context"

// ImageSource captures a dashboard screenshot for a strategy's symbols,
// the optional third Features Pipeline source (§4.2 step 3). Supplemented
// from original_source/features/pipeline.py, whose image task is wrapped
// in its own try/except so a missing screenshot provider degrades the
// cycle rather than aborting it — NoopImageSource gives callers that
// degrade-to-empty behavior by default when no real provider is wired.
type ImageSource interface {
	CaptureDashboard(ctx context.Context, symbols []string) ([]byte, error)
}

// NoopImageSource always reports ErrNoImageSource, matching the pipeline
// contract of "no provider configured" rather than "provider failed".
type NoopImageSource struct{}

// CaptureDashboard implements ImageSource.
func (NoopImageSource) CaptureDashboard(ctx context.Context, symbols []string) ([]byte, error) {
	return nil, ErrNoImageSource
}

// ErrNoImageSource signals that no screenshot provider is configured;
// the features pipeline treats it identically to a provider error — the
// image_analysis feature group is simply absent from the cycle's vectors.
var ErrNoImageSource = noImageSourceError{}

type noImageSourceError struct{}

func (noImageSourceError) Error() string { return "no image source configured" }
