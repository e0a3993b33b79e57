package secrets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxFileSecret bounds what a file:// reference may load.
const maxFileSecret = 64 << 10

// FileProvider resolves file:///absolute/path references, as mounted by
// Docker and Kubernetes secrets. One trailing newline is dropped.
type FileProvider struct{}

// NewFileProvider creates a file provider.
func NewFileProvider() *FileProvider { return &FileProvider{} }

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	if !strings.HasPrefix(ref, SchemeFile) {
		return nil, fmt.Errorf("%w: file provider only handles file:// references", ErrSecretNotFound)
	}
	path := strings.TrimPrefix(ref, SchemeFile)
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%w: file reference %q is not absolute", ErrSecretNotFound, path)
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s does not exist", ErrSecretNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening secret file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxFileSecret+1))
	if err != nil {
		return nil, fmt.Errorf("reading secret file: %w", err)
	}
	if len(data) > maxFileSecret {
		return nil, fmt.Errorf("secret file %s exceeds %d bytes", path, maxFileSecret)
	}
	value := strings.TrimSuffix(strings.TrimSuffix(string(data), "\n"), "\r")
	if value == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrSecretNotFound, path)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "file", "path": path},
	}, nil
}
