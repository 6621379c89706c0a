package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"tmlsync/internal/cache"
	"tmlsync/internal/model"
)

// LookupTTLs are the freshness windows of the read-path caches.
type LookupTTLs struct {
	Entity time.Duration
	Author time.Duration
	Count  time.Duration
}

// DefaultLookupTTLs mirrors the public API's historical cache lifetimes.
var DefaultLookupTTLs = LookupTTLs{
	Entity: time.Hour,
	Author: time.Hour,
	Count:  10 * time.Minute,
}

// Lookup serves live single-entity and author queries through TTL caches.
// A failed upstream call is never cached.
type Lookup struct {
	upstream Upstream
	logger   Logger
	ttls     LookupTTLs

	entities *cache.Cache[uint64, *model.Entity]
	names    *cache.Cache[string, uint64]
	authors  *cache.Cache[uint64, *model.AuthorInfo]
	vanity   *cache.Cache[string, uint64]
	count    *cache.Cache[string, uint32]
}

const countKey = "count"

// NewLookup creates a Lookup. opts apply to every underlying cache.
func NewLookup(upstream Upstream, logger Logger, ttls LookupTTLs, opts ...cache.Option) *Lookup {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Lookup{
		upstream: upstream,
		logger:   logger,
		ttls:     ttls,
		entities: cache.New[uint64, *model.Entity]("mod", opts...),
		names:    cache.New[string, uint64]("mod_name", opts...),
		authors:  cache.New[uint64, *model.AuthorInfo]("author", opts...),
		vanity:   cache.New[string, uint64]("vanity", opts...),
		count:    cache.New[string, uint32]("count", opts...),
	}
}

// TTLs returns the configured freshness windows.
func (l *Lookup) TTLs() LookupTTLs { return l.ttls }

// Entity returns the reconciled entity for id.
func (l *Lookup) Entity(ctx context.Context, id uint64) (*model.Entity, error) {
	return l.entities.GetOrCompute(id, l.ttls.Entity, func() (*model.Entity, error) {
		raw, err := l.upstream.FetchSingle(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetching entity %d: %w", id, err)
		}
		if raw == nil || raw.IsLookupFailure() {
			return nil, fmt.Errorf("entity %d: %w", id, ErrEntityNotFound)
		}

		entity, report := Reconcile(raw)
		l.logReport(raw.PublishedFileID, report)
		return entity, nil
	})
}

// EntityByName resolves an internal mod name and returns its entity.
func (l *Lookup) EntityByName(ctx context.Context, name string) (*model.Entity, error) {
	id, err := l.resolveModName(ctx, name)
	if err != nil {
		return nil, err
	}
	return l.Entity(ctx, id)
}

func (l *Lookup) resolveModName(ctx context.Context, name string) (uint64, error) {
	return l.names.GetOrCompute(name, l.ttls.Entity, func() (uint64, error) {
		id, err := l.upstream.ResolveModName(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("resolving mod name %q: %w", name, err)
		}
		return id, nil
	})
}

// ResolveEntityID maps a numeric id or an internal name to an entity id
// without fetching the entity.
func (l *Lookup) ResolveEntityID(ctx context.Context, ref string) (uint64, error) {
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return id, nil
	}
	return l.resolveModName(ctx, ref)
}

// EntityByRef accepts either a numeric id or an internal name.
func (l *Lookup) EntityByRef(ctx context.Context, ref string) (*model.Entity, error) {
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return l.Entity(ctx, id)
	}
	return l.EntityByName(ctx, ref)
}

// Author returns the live profile and entities of an account.
func (l *Lookup) Author(ctx context.Context, steamID uint64) (*model.AuthorInfo, error) {
	if err := ValidateSteamID64(steamID); err != nil {
		return nil, err
	}

	return l.authors.GetOrCompute(steamID, l.ttls.Author, func() (*model.AuthorInfo, error) {
		persona, err := l.upstream.ResolvePersona(ctx, steamID)
		if err != nil {
			return nil, fmt.Errorf("resolving persona %d: %w", steamID, err)
		}
		files, total, err := l.upstream.FetchAuthorFiles(ctx, steamID)
		if err != nil {
			return nil, fmt.Errorf("fetching files of %d: %w", steamID, err)
		}

		info := &model.AuthorInfo{
			SteamID:     steamID,
			SteamName:   persona.PersonaName,
			SteamAvatar: persona.Avatar,
			Mods:        make([]model.Entity, 0, len(files)),
			Total:       total,
		}
		for i := range files {
			if files[i].IsLookupFailure() {
				continue
			}
			info.TotalDownloads += uint64(files[i].Subscriptions)
			info.TotalFavorites += uint64(files[i].Favorited)
			info.TotalViews += files[i].Views

			entity, report := Reconcile(&files[i])
			l.logReport(files[i].PublishedFileID, report)
			info.Mods = append(info.Mods, *entity)
		}
		return info, nil
	})
}

// AuthorByName resolves a vanity name and returns the author.
func (l *Lookup) AuthorByName(ctx context.Context, name string) (*model.AuthorInfo, error) {
	id, err := l.resolveVanity(ctx, name)
	if err != nil {
		return nil, err
	}
	return l.Author(ctx, id)
}

func (l *Lookup) resolveVanity(ctx context.Context, name string) (uint64, error) {
	return l.vanity.GetOrCompute(name, l.ttls.Author, func() (uint64, error) {
		id, err := l.upstream.ResolveVanity(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("resolving vanity name %q: %w", name, err)
		}
		return id, nil
	})
}

// ResolveAuthorID maps a SteamID64 or a vanity name to a validated SteamID64.
func (l *Lookup) ResolveAuthorID(ctx context.Context, ref string) (uint64, error) {
	id, err := strconv.ParseUint(ref, 10, 64)
	if err != nil {
		if id, err = l.resolveVanity(ctx, ref); err != nil {
			return 0, err
		}
	}
	if err := ValidateSteamID64(id); err != nil {
		return 0, err
	}
	return id, nil
}

// AuthorByRef accepts either a SteamID64 or a vanity name.
func (l *Lookup) AuthorByRef(ctx context.Context, ref string) (*model.AuthorInfo, error) {
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return l.Author(ctx, id)
	}
	return l.AuthorByName(ctx, ref)
}

// Count returns the number of items in the upstream catalog.
func (l *Lookup) Count(ctx context.Context) (uint32, error) {
	return l.count.GetOrCompute(countKey, l.ttls.Count, func() (uint32, error) {
		n, err := l.upstream.Count(ctx)
		if err != nil {
			return 0, fmt.Errorf("counting catalog: %w", err)
		}
		return n, nil
	})
}

func (l *Lookup) logReport(id string, report Report) {
	if report.Clean() {
		return
	}
	l.logger.Debug("irregular upstream record",
		"id", id,
		"unknown_keys", report.UnknownKeys,
		"malformed_versions", report.MalformedVersions,
		"malformed_fields", report.MalformedFields)
}

// IsNotFound reports whether err is a negative lookup result.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound) || errors.Is(err, ErrInvalidSteamID)
}
