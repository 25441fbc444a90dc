package asset

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-faster/errors"
)

// DirSource reads assets stored as files named by their id inside Dir.
type DirSource struct {
	Dir string
}

// Open returns the file backing assetID. Ids that would escape Dir are rejected.
func (s DirSource) Open(_ context.Context, assetID string) (io.ReadCloser, error) {
	if assetID == "" || assetID == "." || assetID == ".." ||
		strings.ContainsAny(assetID, `/\`) {
		return nil, errors.Errorf("invalid asset id %q", assetID)
	}
	f, err := os.Open(filepath.Join(s.Dir, assetID))
	if err != nil {
		return nil, errors.Wrapf(err, "open asset %s", assetID)
	}
	return f, nil
}
