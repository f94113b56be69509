// Package storage provides document file stores.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// New creates a file store based on configuration.
// For Community tier: returns LocalStorage.
// For Pro tier: returns S3Storage.
func New(ctx context.Context, cfg domain.StorageConfig) (domain.FileStorage, error) {
	switch cfg.Driver {
	case "local", "":
		return NewLocalStorage(cfg.LocalDir)

	case "s3":
		return NewS3Storage(ctx, cfg)

	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// cleanName reduces a caller supplied name to a relative slash path
// without parent references.
func cleanName(name string) (string, error) {
	name = strings.TrimLeft(path.Clean("/"+strings.ReplaceAll(name, "\\", "/")), "/")
	if name == "" || name == "." {
		return "", fmt.Errorf("%w: empty object name", domain.ErrInvalidInput)
	}
	return name, nil
}
