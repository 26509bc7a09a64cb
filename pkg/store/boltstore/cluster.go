package boltstore

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
	"github.com/kestrel-run/agentrt/pkg/cluster"
	"github.com/kestrel-run/agentrt/pkg/store"
)

// leaderKey is the single key holding the cluster_leader row; bbolt's
// single-writer-per-file model makes this trivially linearizable, which is
// sufficient for the embedded single-node deployment this backend targets —
// real multi-node clusters use pgstore instead.
var leaderKey = []byte("leader")

type leaderRow struct {
	NodeID    string
	ExpiresAt time.Time
}

// --- cluster.Registry ---

func (s *Store) UpsertNode(ctx context.Context, n cluster.Node) error {
	b, err := store.MarshalRecord(n)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Put([]byte(n.ID), b)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return nil
}

func (s *Store) ListNodes(ctx context.Context) ([]cluster.Node, error) {
	var out []cluster.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n cluster.Node
			if err := store.UnmarshalRecord(v, &n); err != nil {
				return err
			}
			out = append(out, n)
			return nil
		})
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return out, nil
}

// --- cluster.LeaderStore ---

func (s *Store) Acquire(ctx context.Context, nodeID string, lease time.Duration) (bool, error) {
	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeader)
		v := b.Get(leaderKey)
		var current leaderRow
		if v != nil {
			if err := store.UnmarshalRecord(v, &current); err != nil {
				return err
			}
			if current.NodeID != nodeID && time.Now().Before(current.ExpiresAt) {
				return nil // held by a live node, not acquirable
			}
		}
		row := leaderRow{NodeID: nodeID, ExpiresAt: time.Now().Add(lease)}
		data, err := store.MarshalRecord(row)
		if err != nil {
			return err
		}
		acquired = true
		return b.Put(leaderKey, data)
	})
	if err != nil {
		return false, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return acquired, nil
}

func (s *Store) Renew(ctx context.Context, nodeID string, lease time.Duration) (bool, error) {
	renewed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeader)
		v := b.Get(leaderKey)
		if v == nil {
			return nil
		}
		var current leaderRow
		if err := store.UnmarshalRecord(v, &current); err != nil {
			return err
		}
		if current.NodeID != nodeID {
			return nil
		}
		row := leaderRow{NodeID: nodeID, ExpiresAt: time.Now().Add(lease)}
		data, err := store.MarshalRecord(row)
		if err != nil {
			return err
		}
		renewed = true
		return b.Put(leaderKey, data)
	})
	if err != nil {
		return false, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return renewed, nil
}

func (s *Store) Release(ctx context.Context, nodeID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeader)
		v := b.Get(leaderKey)
		if v == nil {
			return nil
		}
		var current leaderRow
		if err := store.UnmarshalRecord(v, &current); err != nil {
			return err
		}
		if current.NodeID != nodeID {
			return nil
		}
		return b.Delete(leaderKey)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return nil
}

// --- cluster.JobLocker ---

func (s *Store) TryLock(ctx context.Context, jobID, nodeID string) (bool, error) {
	locked := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		if b.Get([]byte(jobID)) != nil {
			return nil
		}
		locked = true
		return b.Put([]byte(jobID), []byte(nodeID))
	})
	if err != nil {
		return false, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return locked, nil
}

func (s *Store) Unlock(ctx context.Context, jobID, nodeID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		if string(b.Get([]byte(jobID))) != nodeID {
			return nil
		}
		return b.Delete([]byte(jobID))
	})
	if err != nil {
		return apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return nil
}

var (
	_ cluster.Registry    = (*Store)(nil)
	_ cluster.LeaderStore = (*Store)(nil)
	_ cluster.JobLocker   = (*Store)(nil)
)
