package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ClusterWriter persists cluster results inside one transaction.
type ClusterWriter interface {
	FindClusterByIndexID(ctx context.Context, launchID, indexID int64) (Cluster, bool, error)
	SaveCluster(ctx context.Context, cluster Cluster) (Cluster, error)
	AddClusterItems(ctx context.Context, clusterID int64, itemIDs []int64) error
	SetLogsCluster(ctx context.Context, clusterID int64, logIDs []int64) error
}

// WithClusterTx runs fn against a transactional ClusterWriter.
func (s *Store) WithClusterTx(ctx context.Context, fn func(ClusterWriter) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(clusterTx{q: tx})
	})
}

// DeleteLaunchClusters removes every cluster of a launch and detaches its logs.
func (s *Store) DeleteLaunchClusters(ctx context.Context, launchID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE logs SET cluster_id = NULL WHERE launch_id = $1 AND cluster_id IS NOT NULL`, launchID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM cluster_test_item WHERE cluster_id IN (SELECT id FROM clusters WHERE launch_id = $1)
`, launchID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM clusters WHERE launch_id = $1`, launchID)
		return err
	})
}

// LaunchClusters lists the clusters of a launch.
func (s *Store) LaunchClusters(ctx context.Context, launchID int64) ([]Cluster, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, index_id, launch_id, project_id, message
FROM clusters
WHERE launch_id = $1
ORDER BY index_id
`, launchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clusters []Cluster
	for rows.Next() {
		var cluster Cluster
		if err := rows.Scan(&cluster.ID, &cluster.IndexID, &cluster.LaunchID, &cluster.ProjectID, &cluster.Message); err != nil {
			return nil, err
		}
		clusters = append(clusters, cluster)
	}
	return clusters, rows.Err()
}

type clusterTx struct {
	q querier
}

func (c clusterTx) FindClusterByIndexID(ctx context.Context, launchID, indexID int64) (Cluster, bool, error) {
	var cluster Cluster
	err := c.q.QueryRowContext(ctx, `
SELECT id, index_id, launch_id, project_id, message
FROM clusters
WHERE launch_id = $1 AND index_id = $2
FOR UPDATE
`, launchID, indexID).Scan(&cluster.ID, &cluster.IndexID, &cluster.LaunchID, &cluster.ProjectID, &cluster.Message)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Cluster{}, false, nil
		}
		return Cluster{}, false, err
	}
	return cluster, true, nil
}

// SaveCluster updates a cluster with an id or inserts a new one.
func (c clusterTx) SaveCluster(ctx context.Context, cluster Cluster) (Cluster, error) {
	if cluster.ID != 0 {
		result, err := c.q.ExecContext(ctx, `UPDATE clusters SET message = $2 WHERE id = $1`, cluster.ID, cluster.Message)
		if err != nil {
			return Cluster{}, err
		}
		if affected, err := result.RowsAffected(); err == nil && affected == 0 {
			return Cluster{}, fmt.Errorf("%w: cluster %d", ErrNotFound, cluster.ID)
		}
		return cluster, nil
	}

	err := c.q.QueryRowContext(ctx, `
INSERT INTO clusters (index_id, launch_id, project_id, message)
VALUES ($1, $2, $3, $4)
RETURNING id
`, cluster.IndexID, cluster.LaunchID, cluster.ProjectID, cluster.Message).Scan(&cluster.ID)
	if err != nil {
		return Cluster{}, err
	}
	return cluster, nil
}

func (c clusterTx) AddClusterItems(ctx context.Context, clusterID int64, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := c.q.ExecContext(ctx, `
INSERT INTO cluster_test_item (cluster_id, item_id)
SELECT $1, unnest($2::bigint[])
ON CONFLICT DO NOTHING
`, clusterID, int64Array(itemIDs))
	return err
}

func (c clusterTx) SetLogsCluster(ctx context.Context, clusterID int64, logIDs []int64) error {
	if len(logIDs) == 0 {
		return nil
	}
	_, err := c.q.ExecContext(ctx, `UPDATE logs SET cluster_id = $1 WHERE id = ANY($2::bigint[])`, clusterID, int64Array(logIDs))
	return err
}
