package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"tmlsync/internal/catalog"
	"tmlsync/internal/model"
)

// FakeUpstream is an in-memory catalog.Upstream. Configure its maps before
// use; the zero value of every map means "nothing known".
type FakeUpstream struct {
	mu sync.Mutex

	Pages       map[string]*model.Page // keyed by cursor
	PageErrors  map[string]error       // keyed by cursor
	Singles     map[uint64]*model.RawRecord
	Personas    map[uint64]*model.Persona
	AuthorFiles map[uint64][]model.RawRecord
	Vanity      map[string]uint64
	ModNames    map[string]uint64
	Total       uint32

	// Err, when set, is returned by every call.
	Err error

	calls map[string]int
}

// NewFakeUpstream creates an empty FakeUpstream.
func NewFakeUpstream() *FakeUpstream {
	return &FakeUpstream{
		Pages:       make(map[string]*model.Page),
		PageErrors:  make(map[string]error),
		Singles:     make(map[uint64]*model.RawRecord),
		Personas:    make(map[uint64]*model.Persona),
		AuthorFiles: make(map[uint64][]model.RawRecord),
		Vanity:      make(map[string]uint64),
		ModNames:    make(map[string]uint64),
		calls:       make(map[string]int),
	}
}

// SetPages chains pages starting at catalog.StartCursor. Each page gets a
// next cursor pointing to the following one; the last page gets none.
// Total is set to the number of records across all pages.
func (f *FakeUpstream) SetPages(pages ...[]model.RawRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var total uint32
	for _, p := range pages {
		total += uint32(len(p))
	}

	f.Pages = make(map[string]*model.Page)
	cursor := catalog.StartCursor
	for i, records := range pages {
		page := &model.Page{Total: total, Records: records}
		if i < len(pages)-1 {
			next := "cursor-" + strconv.Itoa(i+1)
			page.NextCursor = &next
			f.Pages[cursor] = page
			cursor = next
			continue
		}
		f.Pages[cursor] = page
	}
	f.Total = total
}

// Calls returns how many times method was invoked.
func (f *FakeUpstream) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *FakeUpstream) record(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	return f.Err
}

func (f *FakeUpstream) FetchPage(ctx context.Context, cursor string) (*model.Page, error) {
	if err := f.record("FetchPage"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.PageErrors[cursor]; ok {
		return nil, err
	}
	if p, ok := f.Pages[cursor]; ok {
		return p, nil
	}
	return &model.Page{}, nil
}

func (f *FakeUpstream) FetchSingle(ctx context.Context, id uint64) (*model.RawRecord, error) {
	if err := f.record("FetchSingle"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Singles[id]
	if !ok {
		return nil, fmt.Errorf("item %d: %w", id, catalog.ErrEntityNotFound)
	}
	return r, nil
}

func (f *FakeUpstream) FetchAuthorFiles(ctx context.Context, steamID uint64) ([]model.RawRecord, uint32, error) {
	if err := f.record("FetchAuthorFiles"); err != nil {
		return nil, 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	files := f.AuthorFiles[steamID]
	return files, uint32(len(files)), nil
}

func (f *FakeUpstream) ResolvePersona(ctx context.Context, steamID uint64) (*model.Persona, error) {
	if err := f.record("ResolvePersona"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Personas[steamID]
	if !ok {
		return nil, fmt.Errorf("persona %d: %w", steamID, catalog.ErrEntityNotFound)
	}
	return p, nil
}

func (f *FakeUpstream) ResolveVanity(ctx context.Context, name string) (uint64, error) {
	if err := f.record("ResolveVanity"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.Vanity[name]
	if !ok {
		return 0, fmt.Errorf("vanity %q: %w", name, catalog.ErrEntityNotFound)
	}
	return id, nil
}

func (f *FakeUpstream) ResolveModName(ctx context.Context, name string) (uint64, error) {
	if err := f.record("ResolveModName"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.ModNames[name]
	if !ok {
		return 0, fmt.Errorf("mod name %q: %w", name, catalog.ErrEntityNotFound)
	}
	return id, nil
}

func (f *FakeUpstream) Count(ctx context.Context) (uint32, error) {
	if err := f.record("Count"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Total, nil
}

var _ catalog.Upstream = (*FakeUpstream)(nil)
