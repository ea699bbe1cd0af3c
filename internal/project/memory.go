package project

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"physionet.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu        sync.RWMutex
	cores     map[string]*Core
	active    map[string]*Active
	published map[string]*Published // id -> record
	archived  map[string]*Archived
	slugs     map[string]string // slug -> core id
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		cores:     make(map[string]*Core),
		active:    make(map[string]*Active),
		published: make(map[string]*Published),
		archived:  make(map[string]*Archived),
		slugs:     make(map[string]string),
	}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) CreateCore(_ context.Context, core Core) (Core, error) {
	if core.StorageAllowance < 0 {
		return Core{}, fmt.Errorf("%w: storage allowance must be >= 0", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if core.ID == "" {
		core.ID = ids.New()
	}
	if _, ok := s.cores[core.ID]; ok {
		return Core{}, ErrConflict
	}
	if core.CreatedAt.IsZero() {
		core.CreatedAt = time.Now().UTC()
	}
	c := core
	s.cores[c.ID] = &c
	return c, nil
}

func (s *InMemory) GetCore(_ context.Context, id string) (Core, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cores[id]
	if !ok {
		return Core{}, ErrNotFound
	}
	return *c, nil
}

func (s *InMemory) CreateActive(_ context.Context, p Active) (Active, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cores[p.CoreID]; !ok {
		return Active{}, fmt.Errorf("%w: core %s", ErrNotFound, p.CoreID)
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	if _, ok := s.active[p.ID]; ok {
		return Active{}, ErrConflict
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.ModifiedAt = now
	p.RequiredTrainings = cloneStrings(p.RequiredTrainings)
	s.active[p.ID] = &p
	return copyActive(p), nil
}

func (s *InMemory) GetActive(_ context.Context, id string) (Active, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.active[id]
	if !ok {
		return Active{}, ErrNotFound
	}
	return copyActive(*p), nil
}

func (s *InMemory) UpdateActive(_ context.Context, p Active) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[p.ID]; !ok {
		return ErrNotFound
	}
	p.ModifiedAt = time.Now().UTC()
	p.RequiredTrainings = cloneStrings(p.RequiredTrainings)
	s.active[p.ID] = &p
	return nil
}

func (s *InMemory) GetPublished(_ context.Context, slug, version string) (Published, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.published {
		if p.Slug == slug && p.Version == version {
			return copyPublished(*p), nil
		}
	}
	return Published{}, ErrNotFound
}

func (s *InMemory) GetPublishedByID(_ context.Context, id string) (Published, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.published[id]
	if !ok {
		return Published{}, ErrNotFound
	}
	return copyPublished(*p), nil
}

func (s *InMemory) LatestPublished(_ context.Context, coreID string) (Published, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.published {
		if p.CoreID == coreID && p.IsLatestVersion {
			return copyPublished(*p), true, nil
		}
	}
	return Published{}, false, nil
}

func (s *InMemory) ListPublished(_ context.Context) ([]Published, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Published, 0, len(s.published))
	for _, p := range s.published {
		res = append(res, copyPublished(*p))
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Slug != res[j].Slug {
			return res[i].Slug < res[j].Slug
		}
		return res[i].Version < res[j].Version
	})
	return res, nil
}

func (s *InMemory) SlugOwner(_ context.Context, slug string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	core, ok := s.slugs[slug]
	return core, ok, nil
}

func (s *InMemory) SetCompressedSize(_ context.Context, publishedID string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.published[publishedID]
	if !ok {
		return ErrNotFound
	}
	p.CompressedStorageSize = size
	return nil
}

func (s *InMemory) SetDeprecated(_ context.Context, publishedID string, deprecated bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.published[publishedID]
	if !ok {
		return ErrNotFound
	}
	p.DeprecatedFiles = deprecated
	return nil
}

func (s *InMemory) Publish(_ context.Context, activeID string, pub Published) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[activeID]; !ok {
		return ErrNotFound
	}
	core, ok := s.cores[pub.CoreID]
	if !ok {
		return fmt.Errorf("%w: core %s", ErrNotFound, pub.CoreID)
	}
	if owner, ok := s.slugs[pub.Slug]; ok && owner != pub.CoreID {
		return fmt.Errorf("%w: slug %s belongs to another project", ErrConflict, pub.Slug)
	}
	for _, p := range s.published {
		if p.Slug == pub.Slug && p.Version == pub.Version {
			return fmt.Errorf("%w: %s/%s already published", ErrConflict, pub.Slug, pub.Version)
		}
	}
	if pub.ID == "" {
		pub.ID = ids.New()
	}
	for _, p := range s.published {
		if p.CoreID == pub.CoreID {
			p.IsLatestVersion = false
		}
	}
	pub.IsLatestVersion = true
	pub.RequiredTrainings = cloneStrings(pub.RequiredTrainings)
	s.published[pub.ID] = &pub
	s.slugs[pub.Slug] = pub.CoreID
	core.TotalPublishedSize += pub.IncrementalStorageSize
	delete(s.active, activeID)
	return nil
}

func (s *InMemory) Archive(_ context.Context, activeID string, arch Archived) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[activeID]; !ok {
		return ErrNotFound
	}
	if arch.ID == "" {
		arch.ID = activeID
	}
	s.archived[arch.ID] = &arch
	delete(s.active, activeID)
	return nil
}

func (s *InMemory) GetArchived(_ context.Context, id string) (Archived, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.archived[id]
	if !ok {
		return Archived{}, ErrNotFound
	}
	return *a, nil
}

func copyActive(p Active) Active {
	p.RequiredTrainings = cloneStrings(p.RequiredTrainings)
	if p.SubmittedAt != nil {
		t := *p.SubmittedAt
		p.SubmittedAt = &t
	}
	return p
}

func copyPublished(p Published) Published {
	p.RequiredTrainings = cloneStrings(p.RequiredTrainings)
	return p
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
