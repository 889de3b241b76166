package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a document is missing from storage.
var ErrNotFound = errors.New("storage: document not found")

// Names of the persisted documents.
const (
	DocDeviceStatus = "device_status"
	DocStatsToday   = "stats_today"
	DocUsage        = "usage"
	DocBilibili     = "bilibili_data"
)

// Documents lists every document the service persists.
var Documents = []string{DocDeviceStatus, DocStatsToday, DocUsage, DocBilibili}

// Store persists whole JSON documents by name. Each document is small
// and rewritten in full on every save.
type Store interface {
	// Load decodes the named document into v. Returns ErrNotFound when
	// the document has never been saved.
	Load(ctx context.Context, name string, v any) error
	Save(ctx context.Context, name string, v any) error
	Delete(ctx context.Context, name string) error
	Close() error
}

// ResetAll deletes every known document.
func ResetAll(ctx context.Context, s Store) error {
	for _, name := range Documents {
		if err := s.Delete(ctx, name); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("reset %s: %w", name, err)
		}
	}
	return nil
}
