package catalog

import (
	"context"

	"tmlsync/internal/model"
)

// StartCursor is the cursor of the first page of a scan.
const StartCursor = "*"

// FetchPageFunc fetches one page of the catalog at cursor.
type FetchPageFunc func(ctx context.Context, cursor string) (*model.Page, error)

// Upstream is the set of remote capabilities the catalog consumes.
type Upstream interface {
	// FetchPage returns one page of the full catalog scan.
	FetchPage(ctx context.Context, cursor string) (*model.Page, error)

	// FetchSingle returns the record for id. A missing item or an upstream
	// error sentinel is reported as ErrEntityNotFound.
	FetchSingle(ctx context.Context, id uint64) (*model.RawRecord, error)

	// FetchAuthorFiles returns all records published by an account.
	FetchAuthorFiles(ctx context.Context, steamID uint64) ([]model.RawRecord, uint32, error)

	// ResolvePersona returns the public profile of an account.
	ResolvePersona(ctx context.Context, steamID uint64) (*model.Persona, error)

	// ResolveVanity maps a vanity name to its SteamID64.
	ResolveVanity(ctx context.Context, name string) (uint64, error)

	// ResolveModName maps an internal mod name to its entity id.
	ResolveModName(ctx context.Context, name string) (uint64, error)

	// Count returns the total number of catalog items.
	Count(ctx context.Context) (uint32, error)
}
