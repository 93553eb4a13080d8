package device

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileClient serves device images from the local filesystem. Visitor image n
// is <dir>/<n>.jpg, or <dir>/<n>.hex in the device's hex encoding.
type FileClient struct {
	dir  string
	idle string
}

// NewFileClient creates a FileClient. idle is the path of the idle image.
func NewFileClient(dir, idle string) *FileClient {
	return &FileClient{dir: dir, idle: idle}
}

func (c *FileClient) FetchImage(ctx context.Context, index int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if index < 0 {
		return nil, fmt.Errorf("invalid image index: %d", index)
	}

	base := filepath.Join(c.dir, strconv.Itoa(index))
	b, err := readImage(base + ".jpg")
	if stderrors.Is(err, fs.ErrNotExist) {
		return readImage(base + ".hex")
	}
	return b, err
}

func (c *FileClient) FetchIdleImage(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.idle == "" {
		return nil, fmt.Errorf("no idle image configured")
	}
	return readImage(c.idle)
}

func readImage(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".hex") {
		return DecodeHexImage(string(b))
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty image: %s", path)
	}
	return b, nil
}
