package snapshot

import (
	"context"
)

// Source picks the image to show: the visitor image when there is one,
// otherwise the idle fallback.
type Source struct {
	visitor  *VisitorState
	fallback *Fallback
}

// NewSource creates a source over the accessory's visitor state and the
// shared fallback.
func NewSource(visitor *VisitorState, fallback *Fallback) *Source {
	return &Source{visitor: visitor, fallback: fallback}
}

// Image returns the current image, waiting for the idle image if it has not
// been fetched yet.
func (s *Source) Image(ctx context.Context) ([]byte, error) {
	if img := s.visitor.Image(); img != nil {
		return img, nil
	}
	return s.fallback.Get(ctx)
}

// Frame returns the current image without waiting. It returns nil while the
// idle image is still being fetched.
func (s *Source) Frame() []byte {
	if img := s.visitor.Image(); img != nil {
		return img
	}
	if img, ok := s.fallback.Cached(); ok {
		return img
	}
	s.fallback.Prefetch()
	return nil
}
