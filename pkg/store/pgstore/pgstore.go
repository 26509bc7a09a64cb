// Package pgstore is the Postgres-backed persistence adapter for clustered
// deployments, grounded on tarsy's pkg/database/client.go
// connection-pool-plus-migration idiom but using hand-written pgx queries
// behind lifecycle.CheckpointStore / memory.Repository rather than an
// ent-generated client, since ent code generation is out of scope here
// (see DESIGN.md).
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
	"github.com/kestrel-run/agentrt/pkg/lifecycle"
	"github.com/kestrel-run/agentrt/pkg/memory"
	"github.com/kestrel-run/agentrt/pkg/store"
)

// Config mirrors tarsy's database.Config shape.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns int32
}

func (c Config) dsn() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Store is a pgx connection pool implementing both lifecycle.CheckpointStore
// and memory.Repository.
type Store struct {
	pool *pgxpool.Pool
}

// New connects, runs pending migrations, and returns a ready Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := runMigrations(cfg.dsn()); err != nil {
		return nil, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Health reports basic pool connectivity, mirroring tarsy's
// database.Health shape.
func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- lifecycle.CheckpointStore ---

func (s *Store) SaveCheckpoint(ctx context.Context, ckpt lifecycle.Checkpoint) error {
	rec := store.EncodeCheckpoint(ckpt)
	manifestJSON, err := store.MarshalRecord(rec.Manifest)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	snapshotJSON, err := store.MarshalRecord(rec)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO agents (id, manifest, state, parent_id, home_node, snapshot, created_at, last_heartbeat, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			manifest = EXCLUDED.manifest, state = EXCLUDED.state, parent_id = EXCLUDED.parent_id,
			home_node = EXCLUDED.home_node, snapshot = EXCLUDED.snapshot,
			last_heartbeat = EXCLUDED.last_heartbeat, saved_at = EXCLUDED.saved_at
	`, rec.ID, manifestJSON, string(rec.State), rec.ParentID, rec.HomeNode, snapshotJSON, rec.CreatedAt, rec.LastHeartbeat, rec.SavedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.StoreUnavailable, err)
	}

	if err := s.appendHistory(ctx, rec); err != nil {
		return err
	}
	return nil
}

func (s *Store) appendHistory(ctx context.Context, rec store.AgentRecord) error {
	if len(rec.History) == 0 {
		return nil
	}
	last := rec.History[len(rec.History)-1]
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_state_history (agent_id, from_state, to_state, event, reason, at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, string(last.From), string(last.To), string(last.Event), last.Reason, last.Timestamp)
	if err != nil {
		return apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, id string) (lifecycle.Checkpoint, error) {
	var snapshotJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM agents WHERE id = $1`, id).Scan(&snapshotJSON)
	if err != nil {
		return lifecycle.Checkpoint{}, apperrors.New(apperrors.NotFound, "no checkpoint for agent "+id)
	}
	var rec store.AgentRecord
	if err := store.UnmarshalRecord(snapshotJSON, &rec); err != nil {
		return lifecycle.Checkpoint{}, apperrors.Wrap(apperrors.Internal, err)
	}
	return store.DecodeCheckpoint(rec), nil
}

// --- memory.Repository ---

func tableFor(k memory.Kind) (string, error) {
	switch k {
	case memory.KindEpisodic:
		return "episodic_memories", nil
	case memory.KindSemantic:
		return "semantic_memories", nil
	case memory.KindProcedural:
		return "procedural_memories", nil
	default:
		return "", apperrors.New(apperrors.Validation, "unknown memory kind: "+string(k))
	}
}

func (s *Store) Upsert(ctx context.Context, m memory.Memory) error {
	table, err := tableFor(m.Shared.Kind)
	if err != nil {
		return err
	}
	rec := store.EncodeMemory(m)
	data, err := store.MarshalRecord(rec)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	tags, _ := store.MarshalRecord(rec.Tags)
	metadata, _ := store.MarshalRecord(rec.Metadata)
	embedding, _ := store.MarshalRecord(rec.Embedding)

	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, owner_agent_id, scope, created_at, last_accessed_at, access_count, importance, strength, tags, metadata, embedding, data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			scope = EXCLUDED.scope, last_accessed_at = EXCLUDED.last_accessed_at, access_count = EXCLUDED.access_count,
			importance = EXCLUDED.importance, strength = EXCLUDED.strength, tags = EXCLUDED.tags,
			metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding, data = EXCLUDED.data
	`, table), rec.ID, rec.OwnerAgentID, string(rec.Scope), rec.CreatedAt, rec.LastAccessedAt, rec.AccessCount,
		rec.Importance, rec.Strength, tags, metadata, embedding, data)
	if err != nil {
		return apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (memory.Memory, bool, error) {
	for _, kind := range []memory.Kind{memory.KindEpisodic, memory.KindSemantic, memory.KindProcedural} {
		table, _ := tableFor(kind)
		var data []byte
		err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, table), id).Scan(&data)
		if err == nil {
			var rec store.MemoryRecord
			if err := store.UnmarshalRecord(data, &rec); err != nil {
				return memory.Memory{}, false, apperrors.Wrap(apperrors.Internal, err)
			}
			return store.DecodeMemory(rec), true, nil
		}
	}
	return memory.Memory{}, false, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	for _, kind := range []memory.Kind{memory.KindEpisodic, memory.KindSemantic, memory.KindProcedural} {
		table, _ := tableFor(kind)
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id); err != nil {
			return apperrors.Wrap(apperrors.StoreUnavailable, err)
		}
	}
	return nil
}

func (s *Store) ListByOwner(ctx context.Context, ownerID string, kinds []memory.Kind) ([]memory.Memory, error) {
	if len(kinds) == 0 {
		kinds = []memory.Kind{memory.KindEpisodic, memory.KindSemantic, memory.KindProcedural}
	}
	var out []memory.Memory
	for _, kind := range kinds {
		table, err := tableFor(kind)
		if err != nil {
			return nil, err
		}
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE owner_agent_id = $1`, table), ownerID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.StoreUnavailable, err)
		}
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				rows.Close()
				return nil, apperrors.Wrap(apperrors.Internal, err)
			}
			var rec store.MemoryRecord
			if err := store.UnmarshalRecord(data, &rec); err != nil {
				rows.Close()
				return nil, apperrors.Wrap(apperrors.Internal, err)
			}
			out = append(out, store.DecodeMemory(rec))
		}
		rows.Close()
	}
	return out, nil
}

func (s *Store) ListOlderThan(ctx context.Context, kind memory.Kind, cutoff time.Time) ([]memory.Memory, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE created_at < $1`, table), cutoff)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	defer rows.Close()
	var out []memory.Memory
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, err)
		}
		var rec store.MemoryRecord
		if err := store.UnmarshalRecord(data, &rec); err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, err)
		}
		out = append(out, store.DecodeMemory(rec))
	}
	return out, nil
}
