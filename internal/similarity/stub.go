package similarity

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"time"

	"github.com/zedarvates/storycore/internal/reference"
)

// Stub is a deterministic Provider for tests and offline runs. By default it
// derives a pseudo-similarity from a hash of the compared URLs, so equal inputs
// always score equally. Tests pin exact scores or errors per reference URL.
type Stub struct {
	// EntityScores overrides CompareEntity by the first reference image URL.
	EntityScores map[string]float64
	// StyleScore overrides CompareStyle when >= 0. Negative means hash-based.
	StyleScore float64
	// Errors forces a comparison failure by first reference image URL, or by
	// the style sheet's art style for CompareStyle.
	Errors map[string]error
	// Delay sleeps before answering, to exercise timeout handling.
	Delay time.Duration
}

// NewStub returns a hash-based stub with no pinned scores.
func NewStub() *Stub {
	return &Stub{StyleScore: -1}
}

func (s *Stub) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.Delay):
		return nil
	}
}

func (s *Stub) CompareEntity(ctx context.Context, referenceImages, generatedImages []reference.Image) (float64, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	key := ""
	if len(referenceImages) > 0 {
		key = referenceImages[0].URL
	}
	if err, ok := s.Errors[key]; ok {
		return 0, err
	}
	if score, ok := s.EntityScores[key]; ok {
		return score, nil
	}
	return hashScore(urls(referenceImages), urls(generatedImages)), nil
}

func (s *Stub) CompareStyle(ctx context.Context, style reference.GlobalStyleSheet, generatedImages []reference.Image) (float64, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	if err, ok := s.Errors[style.ArtStyle]; ok {
		return 0, err
	}
	if s.StyleScore >= 0 {
		return s.StyleScore, nil
	}
	return hashScore([]string{style.ArtStyle, style.LightingStyle, strings.Join(style.ColorPalette, ",")}, urls(generatedImages)), nil
}

func urls(images []reference.Image) []string {
	out := make([]string, 0, len(images))
	for _, img := range images {
		out = append(out, img.URL)
	}
	return out
}

// hashScore folds both sides into [0.5, 1.0] so the default stub reads as
// plausible-but-imperfect similarity instead of random failures.
func hashScore(a, b []string) float64 {
	h := sha256.Sum256([]byte(strings.Join(a, "|") + "||" + strings.Join(b, "|")))
	n := binary.BigEndian.Uint32(h[:4])
	return 0.5 + float64(n%5000)/10000.0
}
