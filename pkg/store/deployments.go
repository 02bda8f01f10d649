package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/anchorhq/anchor/pkg/types"
)

const deploymentColumns = `id, service_id, server_id, rollout_id, previous_deployment_id,
	container_id, ip_address, status, health_status, failed_stage, created_at, updated_at`

func scanDeployment(row pgx.Row) (*types.Deployment, error) {
	var d types.Deployment
	var rolloutID, prevID *string
	err := row.Scan(&d.ID, &d.ServiceID, &d.ServerID, &rolloutID, &prevID, &d.ContainerID,
		&d.IPAddress, &d.Status, &d.HealthStatus, &d.FailedStage, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if rolloutID != nil {
		d.RolloutID = *rolloutID
	}
	if prevID != nil {
		d.PreviousDeploymentID = *prevID
	}
	return &d, nil
}

func (s *PostgresStore) CreateDeployment(ctx context.Context, d *types.Deployment) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO deployments (`+deploymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.ID, d.ServiceID, d.ServerID, nullString(d.RolloutID), nullString(d.PreviousDeploymentID),
		d.ContainerID, d.IPAddress, d.Status, d.HealthStatus, d.FailedStage, d.CreatedAt, d.UpdatedAt)
	return translate(err, "deployment")
}

func (s *PostgresStore) GetDeployment(ctx context.Context, id string) (*types.Deployment, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id=$1`, id)
	d, err := scanDeployment(row)
	if err != nil {
		return nil, translate(err, "deployment")
	}
	return d, nil
}

func (s *PostgresStore) ListDeploymentsByService(ctx context.Context, serviceID string) ([]*types.Deployment, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE service_id=$1 ORDER BY created_at`, serviceID)
	if err != nil {
		return nil, translate(err, "deployment")
	}
	defer rows.Close()
	return collectDeployments(rows)
}

func (s *PostgresStore) ListDeploymentsByServiceStatus(ctx context.Context, serviceID string, statuses ...types.DeploymentStatus) ([]*types.Deployment, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+deploymentColumns+` FROM deployments WHERE service_id=$1 AND status = ANY($2) ORDER BY created_at`,
		serviceID, statusSlice(statuses))
	if err != nil {
		return nil, translate(err, "deployment")
	}
	defer rows.Close()
	return collectDeployments(rows)
}

func (s *PostgresStore) ListDeploymentsByServer(ctx context.Context, serverID string) ([]*types.Deployment, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE server_id=$1 ORDER BY created_at`, serverID)
	if err != nil {
		return nil, translate(err, "deployment")
	}
	defer rows.Close()
	return collectDeployments(rows)
}

func (s *PostgresStore) ListDeploymentsByRollout(ctx context.Context, rolloutID string) ([]*types.Deployment, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE rollout_id=$1 ORDER BY created_at`, rolloutID)
	if err != nil {
		return nil, translate(err, "deployment")
	}
	defer rows.Close()
	return collectDeployments(rows)
}

func collectDeployments(rows pgx.Rows) ([]*types.Deployment, error) {
	var out []*types.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, translate(err, "deployment")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func statusSlice(statuses []types.DeploymentStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func (s *PostgresStore) UpdateDeployment(ctx context.Context, d *types.Deployment) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE deployments SET server_id=$2, rollout_id=$3, previous_deployment_id=$4,
			container_id=$5, ip_address=$6, status=$7, health_status=$8, failed_stage=$9, updated_at=now()
		WHERE id=$1`,
		d.ID, d.ServerID, nullString(d.RolloutID), nullString(d.PreviousDeploymentID),
		d.ContainerID, d.IPAddress, d.Status, d.HealthStatus, d.FailedStage)
	if err != nil {
		return translate(err, "deployment")
	}
	if tag.RowsAffected() == 0 {
		return translate(pgx.ErrNoRows, "deployment")
	}
	return nil
}

func (s *PostgresStore) DeleteDeployment(ctx context.Context, id string) error {
	_, err := s.q(ctx).Exec(ctx, `DELETE FROM deployments WHERE id=$1`, id)
	return translate(err, "deployment")
}

func (s *PostgresStore) CreateDeploymentPort(ctx context.Context, p *types.DeploymentPort) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO deployment_ports (id, deployment_id, service_port_id, container_port, host_port)
		VALUES ($1,$2,$3,$4,$5)`,
		p.ID, p.DeploymentID, p.ServicePortID, p.ContainerPort, p.HostPort)
	return translate(err, "deployment_port")
}

func (s *PostgresStore) ListDeploymentPortsByDeployment(ctx context.Context, deploymentID string) ([]*types.DeploymentPort, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, deployment_id, service_port_id, container_port, host_port
		FROM deployment_ports WHERE deployment_id=$1 ORDER BY host_port`, deploymentID)
	if err != nil {
		return nil, translate(err, "deployment_port")
	}
	defer rows.Close()
	var out []*types.DeploymentPort
	for rows.Next() {
		var p types.DeploymentPort
		if err := rows.Scan(&p.ID, &p.DeploymentID, &p.ServicePortID, &p.ContainerPort, &p.HostPort); err != nil {
			return nil, translate(err, "deployment_port")
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ListUsedHostPorts returns every host port currently reserved by a
// DeploymentPort row on serverID, for the Allocator to exclude.
func (s *PostgresStore) ListUsedHostPorts(ctx context.Context, serverID string) (map[int]bool, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT dp.host_port FROM deployment_ports dp
		JOIN deployments d ON d.id = dp.deployment_id
		WHERE d.server_id = $1`, serverID)
	if err != nil {
		return nil, translate(err, "deployment_port")
	}
	defer rows.Close()
	used := make(map[int]bool)
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, translate(err, "deployment_port")
		}
		used[port] = true
	}
	return used, rows.Err()
}

// ListUsedIPs returns every container IP currently reserved by a
// Deployment row on serverID, for the Allocator to exclude.
func (s *PostgresStore) ListUsedIPs(ctx context.Context, serverID string) (map[string]bool, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT ip_address FROM deployments WHERE server_id=$1`, serverID)
	if err != nil {
		return nil, translate(err, "deployment")
	}
	defer rows.Close()
	used := make(map[string]bool)
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, translate(err, "deployment")
		}
		used[ip] = true
	}
	return used, rows.Err()
}
