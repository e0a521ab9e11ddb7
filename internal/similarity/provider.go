package similarity

import (
	"context"

	"github.com/zedarvates/storycore/internal/reference"
)

// Provider is the pluggable perceptual-comparison boundary. The engine's own
// logic is fully deterministic; anything that looks at pixels lives behind this
// interface. Scores are in [0,1], 1 meaning identical.
//
// Implementations must honour ctx cancellation and deadlines; the engine bounds
// every call with a caller-supplied timeout and treats a timeout like any other
// comparison error (soft-skip of that entity).
type Provider interface {
	// CompareEntity scores how well generated imagery matches an entity's
	// reference images.
	CompareEntity(ctx context.Context, referenceImages, generatedImages []reference.Image) (float64, error)
	// CompareStyle scores generated imagery against a declared style sheet
	// (art style, palette, lighting, composition).
	CompareStyle(ctx context.Context, style reference.GlobalStyleSheet, generatedImages []reference.Image) (float64, error)
}
