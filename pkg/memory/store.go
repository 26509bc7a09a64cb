package memory

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
	"github.com/kestrel-run/agentrt/pkg/telemetry"
)

// Repository is the relational-table side of the store: one logical row per
// memory, keyed by id, spanning all three kinds (spec §6's
// episodic_memories/semantic_memories/procedural_memories tables unified
// behind a single interface since Store never needs kind-specific SQL).
type Repository interface {
	Upsert(ctx context.Context, m Memory) error
	Get(ctx context.Context, id string) (Memory, bool, error)
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID string, kinds []Kind) ([]Memory, error)
	// ListOlderThan returns every row of kind created before cutoff,
	// regardless of owner; used only by the retention sweep.
	ListOlderThan(ctx context.Context, kind Kind, cutoff time.Time) ([]Memory, error)
}

// VectorFilter narrows a vector k-NN query, mirroring spec §4.4's
// "{ownerId, kind∈types, tags⊇q.tags, importance≥min, strength≥min}".
type VectorFilter struct {
	OwnerID       string
	Kinds         []Kind
	Tags          []string
	MinImportance float64
	MinStrength   float64
	MinSimilarity float64
}

// VectorHit is one k-NN result.
type VectorHit struct {
	ID    string
	Score float64
}

// VectorIndex is the optional embedding-similarity side of the store.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, embedding []float32, payload map[string]any) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, embedding []float32, filter VectorFilter, limit int) ([]VectorHit, error)
	ClearOwner(ctx context.Context, ownerID string) error
}

// TimeRange bounds a query by CreatedAt, inclusive.
type TimeRange struct {
	From, To time.Time
}

// QueryRequest is the unified query across all three kinds, per spec §4.4.
type QueryRequest struct {
	OwnerID           string
	Kinds             []Kind
	Embedding         []float32
	Text              string
	Tags              []string
	MinImportance     float64
	MinStrength       float64
	MinSimilarity     float64
	Range             *TimeRange
	Limit             int
	IncludeEmbeddings bool
}

// Store is the Persistent Memory Store from spec §4.4.
type Store struct {
	repo    Repository
	vector  VectorIndex
	cipher  *Cipher
	metrics *telemetry.Metrics
	clock   func() time.Time
}

// NewStore builds a Store. vector may be nil (vector search disabled
// entirely); cipher may be NewCipher("") (encryption disabled).
func NewStore(repo Repository, vector VectorIndex, cipher *Cipher, metrics *telemetry.Metrics) *Store {
	return &Store{repo: repo, vector: vector, cipher: cipher, metrics: metrics, clock: time.Now}
}

func (s *Store) vectorSearchEnabled() bool {
	return s.vector != nil && !s.cipher.Enabled()
}

func (s *Store) textSearchEnabled() bool {
	return !s.cipher.Enabled()
}

func (s *Store) observe(op, outcome string) {
	if s.metrics != nil {
		s.metrics.MemoryOperations.WithLabelValues(op, outcome).Inc()
	}
}

// Save assigns a fresh id if missing, encrypts text fields when enabled,
// upserts the row, and upserts the vector entry when eligible.
func (s *Store) Save(ctx context.Context, m Memory) (Memory, error) {
	if m.Shared.OwnerAgentID == "" {
		s.observe("save", "error")
		return Memory{}, apperrors.New(apperrors.Validation, "ownerAgentId is required")
	}
	if m.Shared.Kind == "" {
		s.observe("save", "error")
		return Memory{}, apperrors.New(apperrors.Validation, "kind is required")
	}
	if m.Shared.ID == "" {
		m.Shared.ID = uuid.NewString()
	}
	now := s.clock()
	if m.Shared.CreatedAt.IsZero() {
		m.Shared.CreatedAt = now
	}
	if m.Shared.LastAccessedAt.IsZero() {
		m.Shared.LastAccessedAt = now
	}

	stored := m
	if s.cipher.Enabled() {
		var err error
		stored, err = s.encryptFields(m)
		if err != nil {
			s.observe("save", "error")
			return Memory{}, err
		}
	}

	if err := s.repo.Upsert(ctx, stored); err != nil {
		s.observe("save", "error")
		return Memory{}, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}

	if len(m.Shared.Embedding) > 0 && s.vectorSearchEnabled() {
		payload := map[string]any{
			"ownerId": m.Shared.OwnerAgentID, "kind": m.Shared.Kind, "scope": m.Shared.Scope,
			"importance": m.Shared.Importance, "strength": m.Shared.Strength,
			"tags": m.Shared.Tags, "createdAt": m.Shared.CreatedAt,
		}
		if err := s.vector.Upsert(ctx, m.Shared.ID, m.Shared.Embedding, payload); err != nil {
			slog.Warn("memory: vector upsert failed", "id", m.Shared.ID, "error", err)
		}
	} else if len(m.Shared.Embedding) > 0 && s.cipher.Enabled() {
		slog.Warn("memory: embedding present but encryption enabled, vector indexing skipped", "id", m.Shared.ID)
	}

	s.observe("save", "ok")
	return m, nil
}

// Get reads by id, performing the read-through access-count/strength/
// last-accessed mutation spec §4.4 requires, and returns the decrypted copy.
func (s *Store) Get(ctx context.Context, id string) (Memory, error) {
	row, ok, err := s.repo.Get(ctx, id)
	if err != nil {
		s.observe("get", "error")
		return Memory{}, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	if !ok {
		s.observe("get", "not_found")
		return Memory{}, apperrors.New(apperrors.NotFound, "memory not found: "+id)
	}

	decrypted := row
	if s.cipher.Enabled() {
		decrypted, err = s.decryptFields(row)
		if err != nil {
			s.observe("get", "error")
			return Memory{}, err
		}
	}

	now := s.clock()
	decrypted.Shared.Strength = strengthAfterAccess(now, decrypted.Shared.LastAccessedAt, decrypted.Shared.Strength, decrypted.Shared.AccessCount)
	decrypted.Shared.AccessCount++
	decrypted.Shared.LastAccessedAt = now

	persisted := decrypted
	if s.cipher.Enabled() {
		persisted, err = s.encryptFields(decrypted)
		if err != nil {
			s.observe("get", "error")
			return Memory{}, err
		}
	}
	if err := s.repo.Upsert(ctx, persisted); err != nil {
		s.observe("get", "error")
		return Memory{}, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}

	s.observe("get", "ok")
	return decrypted, nil
}

// Update applies patch to the current row (read-modify-write), re-encrypting
// and re-indexing as needed.
func (s *Store) Update(ctx context.Context, id string, patch func(*Memory)) (Memory, error) {
	row, ok, err := s.repo.Get(ctx, id)
	if err != nil {
		s.observe("update", "error")
		return Memory{}, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	if !ok {
		s.observe("update", "not_found")
		return Memory{}, apperrors.New(apperrors.NotFound, "memory not found: "+id)
	}

	current := row
	if s.cipher.Enabled() {
		current, err = s.decryptFields(row)
		if err != nil {
			s.observe("update", "error")
			return Memory{}, err
		}
	}

	prevEmbeddingLen := len(current.Shared.Embedding)
	patch(&current)
	current.Shared.ID = id // id is immutable

	stored := current
	if s.cipher.Enabled() {
		stored, err = s.encryptFields(current)
		if err != nil {
			s.observe("update", "error")
			return Memory{}, err
		}
	}
	if err := s.repo.Upsert(ctx, stored); err != nil {
		s.observe("update", "error")
		return Memory{}, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}

	if s.vectorSearchEnabled() && (len(current.Shared.Embedding) != prevEmbeddingLen || len(current.Shared.Embedding) > 0) {
		payload := map[string]any{
			"ownerId": current.Shared.OwnerAgentID, "kind": current.Shared.Kind, "scope": current.Shared.Scope,
			"importance": current.Shared.Importance, "strength": current.Shared.Strength,
			"tags": current.Shared.Tags, "createdAt": current.Shared.CreatedAt,
		}
		if len(current.Shared.Embedding) > 0 {
			_ = s.vector.Upsert(ctx, id, current.Shared.Embedding, payload)
		} else {
			_ = s.vector.Delete(ctx, id)
		}
	}

	s.observe("update", "ok")
	return current, nil
}

// Delete removes the row and, if present, its vector entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		s.observe("delete", "error")
		return apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	if s.vector != nil {
		_ = s.vector.Delete(ctx, id)
	}
	s.observe("delete", "ok")
	return nil
}

// Query performs the unified vector-with-text-fallback search from spec
// §4.4.
func (s *Store) Query(ctx context.Context, req QueryRequest) ([]Memory, error) {
	start := s.clock()
	defer func() {
		if s.metrics != nil {
			s.metrics.MemoryQueryLatency.Observe(s.clock().Sub(start).Seconds())
		}
	}()

	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	var results []Memory
	usedVector := false

	if len(req.Embedding) > 0 && s.vectorSearchEnabled() {
		filter := VectorFilter{
			OwnerID: req.OwnerID, Kinds: req.Kinds, Tags: req.Tags,
			MinImportance: req.MinImportance, MinStrength: req.MinStrength, MinSimilarity: req.MinSimilarity,
		}
		hits, err := s.vector.Query(ctx, req.Embedding, filter, limit)
		if err == nil && len(hits) > 0 {
			usedVector = true
			for _, h := range hits {
				row, ok, err := s.repo.Get(ctx, h.ID)
				if err != nil || !ok {
					continue
				}
				m := row
				if s.cipher.Enabled() {
					m, err = s.decryptFields(row)
					if err != nil {
						continue
					}
				}
				if req.Range != nil && !inRange(m.Shared.CreatedAt, *req.Range) {
					continue
				}
				results = append(results, m)
			}
			sort.SliceStable(results, func(i, j int) bool {
				return hitScore(hits, results[i].Shared.ID) > hitScore(hits, results[j].Shared.ID)
			})
		}
	}

	if len(results) == 0 && s.textSearchEnabled() {
		rows, err := s.repo.ListByOwner(ctx, req.OwnerID, req.Kinds)
		if err != nil {
			s.observe("query", "error")
			return nil, apperrors.Wrap(apperrors.StoreUnavailable, err)
		}
		for _, row := range rows {
			if row.Shared.Importance < req.MinImportance || row.Shared.Strength < req.MinStrength {
				continue
			}
			if req.Range != nil && !inRange(row.Shared.CreatedAt, *req.Range) {
				continue
			}
			if !hasAllTags(row.Shared.Tags, req.Tags) {
				continue
			}
			if !row.matchesText(req.Text) {
				continue
			}
			results = append(results, row)
		}
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Shared.Importance*results[i].Shared.Strength > results[j].Shared.Importance*results[j].Shared.Strength
		})
	}

	if len(results) > limit {
		results = results[:limit]
	}
	if !req.IncludeEmbeddings || s.cipher.Enabled() {
		for i := range results {
			results[i].Shared.Embedding = nil
		}
	}

	s.observe("query", "ok")
	_ = usedVector
	return results, nil
}

func hitScore(hits []VectorHit, id string) float64 {
	for _, h := range hits {
		if h.ID == id {
			return h.Score
		}
	}
	return 0
}

func inRange(t time.Time, r TimeRange) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

// DecayStrength multiplies every stored strength for ownerID by (1-rate).
func (s *Store) DecayStrength(ctx context.Context, ownerID string, rate float64) (int, error) {
	rows, err := s.repo.ListByOwner(ctx, ownerID, nil)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	count := 0
	for _, row := range rows {
		row.Shared.Strength = clamp01(row.Shared.Strength * (1 - rate))
		if err := s.repo.Upsert(ctx, row); err != nil {
			return count, apperrors.Wrap(apperrors.StoreUnavailable, err)
		}
		count++
	}
	return count, nil
}

// Prune deletes memories below minStrength for ownerID, and their vector
// entries, returning the count removed.
func (s *Store) Prune(ctx context.Context, ownerID string, minStrength float64) (int, error) {
	rows, err := s.repo.ListByOwner(ctx, ownerID, nil)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	count := 0
	for _, row := range rows {
		if row.Shared.Strength >= minStrength {
			continue
		}
		if err := s.Delete(ctx, row.Shared.ID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Clear deletes every memory (and vector entry) for ownerID, one row at a
// time. The deletes are not atomic: a failure part-way returns an error and
// leaves the rows already deleted gone and the rest in place.
func (s *Store) Clear(ctx context.Context, ownerID string) error {
	rows, err := s.repo.ListByOwner(ctx, ownerID, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	for _, row := range rows {
		if err := s.repo.Delete(ctx, row.Shared.ID); err != nil {
			return apperrors.Wrap(apperrors.StoreUnavailable, err)
		}
	}
	if s.vector != nil {
		_ = s.vector.ClearOwner(ctx, ownerID)
	}
	return nil
}
