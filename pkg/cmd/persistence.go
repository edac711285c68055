// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/dukex/flowrun/pkg/persistence/memory"
	"github.com/dukex/flowrun/pkg/persistence/postgresql"
)

var ErrUnsupportedProvider = errors.New("unsupported provider")

// NewPersistence picks the execution store from the database URL scheme:
// postgres:// and postgresql:// open Postgres, memory:// (or an empty URL)
// keeps everything in process.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch scheme(databaseURL) {
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}

		return store, nil
	case "memory", "":
		logger.Warn("Using in-memory persistence, data is lost on restart")

		return memory.NewPersistence(), nil
	default:
		return nil, fmt.Errorf("%w: database %q", ErrUnsupportedProvider, scheme(databaseURL))
	}
}

func scheme(rawURL string) string {
	provider, _, found := strings.Cut(rawURL, "://")
	if !found {
		return ""
	}

	return strings.ToLower(provider)
}
