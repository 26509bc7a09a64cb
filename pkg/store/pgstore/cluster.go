package pgstore

import (
	"context"
	"time"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
	"github.com/kestrel-run/agentrt/pkg/cluster"
)

// --- cluster.Registry ---

func (s *Store) UpsertNode(ctx context.Context, n cluster.Node) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cluster_nodes (id, ws_url, role, last_heartbeat)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET ws_url = EXCLUDED.ws_url, role = EXCLUDED.role, last_heartbeat = EXCLUDED.last_heartbeat
	`, n.ID, n.WSURL, n.Role, n.LastHeartbeat)
	if err != nil {
		return apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return nil
}

func (s *Store) ListNodes(ctx context.Context) ([]cluster.Node, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, ws_url, role, last_heartbeat FROM cluster_nodes`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	defer rows.Close()

	var out []cluster.Node
	for rows.Next() {
		var n cluster.Node
		if err := rows.Scan(&n.ID, &n.WSURL, &n.Role, &n.LastHeartbeat); err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// --- cluster.LeaderStore ---
//
// Migration 000001 creates the cluster_leader table with no row; Acquire
// uses an upsert-with-condition so the very first caller creates the single
// row and becomes leader uncontested. Renew only updates a row the caller
// already holds.

func (s *Store) Acquire(ctx context.Context, nodeID string, lease time.Duration) (bool, error) {
	expiresAt := time.Now().Add(lease)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO cluster_leader (singleton, node_id, lease_expires_at)
		VALUES (TRUE, $1, $2)
		ON CONFLICT (singleton) DO UPDATE SET node_id = EXCLUDED.node_id, lease_expires_at = EXCLUDED.lease_expires_at
		WHERE cluster_leader.node_id = $1 OR cluster_leader.lease_expires_at < now()
	`, nodeID, expiresAt)
	if err != nil {
		return false, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Renew(ctx context.Context, nodeID string, lease time.Duration) (bool, error) {
	expiresAt := time.Now().Add(lease)
	tag, err := s.pool.Exec(ctx, `
		UPDATE cluster_leader SET lease_expires_at = $2 WHERE node_id = $1
	`, nodeID, expiresAt)
	if err != nil {
		return false, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Release(ctx context.Context, nodeID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cluster_leader WHERE node_id = $1`, nodeID)
	if err != nil {
		return apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return nil
}

// --- cluster.JobLocker ---

func (s *Store) TryLock(ctx context.Context, jobID, nodeID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO job_locks (job_id, owner_node, acquired_at)
		VALUES ($1, $2, now())
		ON CONFLICT (job_id) DO NOTHING
	`, jobID, nodeID)
	if err != nil {
		return false, apperrors.Wrap(apperrors.StoreUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Unlock(ctx context.Context, jobID, nodeID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM job_locks WHERE job_id = $1 AND owner_node = $2`, jobID, nodeID)
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
