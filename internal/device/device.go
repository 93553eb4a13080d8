// Package device is the contract with the doorbell's wire-protocol client:
// images fetched by index and events pushed by the device.
package device

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// Client fetches images from the doorbell.
type Client interface {
	// FetchImage returns the visitor image stored at index.
	FetchImage(ctx context.Context, index int) ([]byte, error)
	// FetchIdleImage returns the image shown when there is no visitor.
	FetchIdleImage(ctx context.Context) ([]byte, error)
}

// DecodeHexImage decodes an image the device sends as hex pairs. Whitespace,
// including line breaks, is ignored.
func DecodeHexImage(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)

	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex image: %w", err)
	}
	return b, nil
}
