package device

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHexImage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []byte
		wantErr bool
	}{
		{"plain", "ffd8ffe0", []byte{0xff, 0xd8, 0xff, 0xe0}, false},
		{"uppercase", "FFD8", []byte{0xff, 0xd8}, false},
		{"whitespace and newlines", "ff d8\nff\r\n e0\t", []byte{0xff, 0xd8, 0xff, 0xe0}, false},
		{"empty", "", []byte{}, false},
		{"odd length", "ffd", nil, true},
		{"not hex", "zz", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeHexImage(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode(t *testing.T) {
	detected := Decode(RawEvent{
		Type:      TypeVisitor,
		Subtype:   SubtypeDetected,
		Location:  "front",
		Index:     3,
		Timestamp: 1700000000,
		MediaKind: "jpeg",
		IsUnread:  true,
	})
	require.IsType(t, VisitorDetected{}, detected)
	v := detected.(VisitorDetected)
	assert.Equal(t, 3, v.Index)
	assert.Equal(t, "front", v.Location)
	assert.Equal(t, time.Unix(1700000000, 0), v.Timestamp)
	assert.True(t, v.IsUnread)
	assert.Equal(t, "visitor/detected index=3 location=front", v.String())

	assert.Equal(t, VisitorCleared{}, Decode(RawEvent{Type: TypeVisitor, Subtype: SubtypeCleared}))
	assert.Equal(t, Unknown{Type: "battery", Subtype: "low"}, Decode(RawEvent{Type: "battery", Subtype: "low"}))
	assert.Equal(t, Unknown{Type: TypeVisitor, Subtype: "ringing"}, Decode(RawEvent{Type: TypeVisitor, Subtype: "ringing"}))
}

func TestFileClient(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1.jpg"), []byte("jpeg-1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2.hex"), []byte("6a70\n6567"), 0o644))
	idle := filepath.Join(dir, "idle.jpg")
	require.NoError(t, os.WriteFile(idle, []byte("idle"), 0o644))

	c := NewFileClient(dir, idle)
	ctx := context.Background()

	b, err := c.FetchImage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-1", string(b))

	b, err = c.FetchImage(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(b))

	_, err = c.FetchImage(ctx, 3)
	assert.Error(t, err)

	_, err = c.FetchImage(ctx, -1)
	assert.Error(t, err)

	b, err = c.FetchIdleImage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "idle", string(b))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.FetchImage(cancelled, 1)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewFileClient(dir, "").FetchIdleImage(ctx)
	assert.Error(t, err)
}
