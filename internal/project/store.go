package project

import (
	"context"
)

// Store is the persistence contract for the lifecycle.
type Store interface {
	CreateCore(ctx context.Context, core Core) (Core, error)
	GetCore(ctx context.Context, id string) (Core, error)

	CreateActive(ctx context.Context, p Active) (Active, error)
	GetActive(ctx context.Context, id string) (Active, error)
	UpdateActive(ctx context.Context, p Active) error

	GetPublished(ctx context.Context, slug, version string) (Published, error)
	GetPublishedByID(ctx context.Context, id string) (Published, error)
	LatestPublished(ctx context.Context, coreID string) (Published, bool, error)
	ListPublished(ctx context.Context) ([]Published, error)
	SlugOwner(ctx context.Context, slug string) (coreID string, ok bool, err error)
	SetCompressedSize(ctx context.Context, publishedID string, size int64) error
	// SetDeprecated marks the files of a published version as deprecated,
	// which withdraws them from every user.
	SetDeprecated(ctx context.Context, publishedID string, deprecated bool) error

	// Publish atomically inserts pub, removes the draft, marks pub latest and
	// adds pub.IncrementalStorageSize to the core total.
	Publish(ctx context.Context, activeID string, pub Published) error
	// Archive atomically inserts arch and removes the draft.
	Archive(ctx context.Context, activeID string, arch Archived) error
	GetArchived(ctx context.Context, id string) (Archived, error)
}
