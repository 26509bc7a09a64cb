// Package boltstore is the embedded single-node default persistence
// backend, grounded on cuemby-warren's use of go.etcd.io/bbolt for
// zero-dependency local state. It implements lifecycle.CheckpointStore,
// memory.Repository and the cluster registry/leader/job-lock stores directly
// against five top-level buckets.
package boltstore

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
	"github.com/kestrel-run/agentrt/pkg/lifecycle"
	"github.com/kestrel-run/agentrt/pkg/memory"
	"github.com/kestrel-run/agentrt/pkg/store"
)

var (
	bucketAgents   = []byte("agents")
	bucketMemories = []byte("memories")
	bucketNodes    = []byte("cluster_nodes")
	bucketLeader   = []byte("cluster_leader")
	bucketLocks    = []byte("job_locks")
)

// Store wraps a bbolt database file providing both the checkpoint store and
// the memory repository.
type Store struct {
	db *bolt.DB
}

// Open creates (or opens) the bbolt file at path and ensures all five
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketAgents, bucketMemories, bucketNodes, bucketLeader, bucketLocks} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file lock.
func (s *Store) Close() error { return s.db.Close() }

// Health confirms the underlying file is still readable by opening a
// read-only transaction against one of the fixed buckets. bbolt holds its
// single writer lock for the process lifetime, so the only realistic
// failure here is the file having been closed out from under the store.
func (s *Store) Health(ctx context.Context) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketAgents) == nil {
			return apperrors.New(apperrors.StoreUnavailable, "agents bucket missing")
		}
		return nil
	})
	if err != nil {
		return apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return nil
}

// --- lifecycle.CheckpointStore ---

func (s *Store) SaveCheckpoint(ctx context.Context, ckpt lifecycle.Checkpoint) error {
	rec := store.EncodeCheckpoint(ckpt)
	b, err := store.MarshalRecord(rec)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Put([]byte(rec.ID), b)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, id string) (lifecycle.Checkpoint, error) {
	var rec store.AgentRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAgents).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return store.UnmarshalRecord(v, &rec)
	})
	if err != nil {
		return lifecycle.Checkpoint{}, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	if !found {
		return lifecycle.Checkpoint{}, apperrors.New(apperrors.NotFound, "no checkpoint for agent "+id)
	}
	return store.DecodeCheckpoint(rec), nil
}

// --- memory.Repository ---

func (s *Store) Upsert(ctx context.Context, m memory.Memory) error {
	rec := store.EncodeMemory(m)
	b, err := store.MarshalRecord(rec)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMemories).Put([]byte(rec.ID), b)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (memory.Memory, bool, error) {
	var rec store.MemoryRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMemories).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return store.UnmarshalRecord(v, &rec)
	})
	if err != nil {
		return memory.Memory{}, false, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	if !found {
		return memory.Memory{}, false, nil
	}
	return store.DecodeMemory(rec), true, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMemories).Delete([]byte(id))
	})
	if err != nil {
		return apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return nil
}

func (s *Store) ListByOwner(ctx context.Context, ownerID string, kinds []memory.Kind) ([]memory.Memory, error) {
	var out []memory.Memory
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMemories).ForEach(func(k, v []byte) error {
			var rec store.MemoryRecord
			if err := store.UnmarshalRecord(v, &rec); err != nil {
				return err
			}
			if rec.OwnerAgentID != ownerID {
				return nil
			}
			if len(kinds) > 0 && !containsKind(kinds, rec.Kind) {
				return nil
			}
			out = append(out, store.DecodeMemory(rec))
			return nil
		})
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return out, nil
}

func (s *Store) ListOlderThan(ctx context.Context, kind memory.Kind, cutoff time.Time) ([]memory.Memory, error) {
	var out []memory.Memory
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMemories).ForEach(func(k, v []byte) error {
			var rec store.MemoryRecord
			if err := store.UnmarshalRecord(v, &rec); err != nil {
				return err
			}
			if rec.Kind == kind && rec.CreatedAt.Before(cutoff) {
				out = append(out, store.DecodeMemory(rec))
			}
			return nil
		})
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return out, nil
}

func containsKind(kinds []memory.Kind, k memory.Kind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}
