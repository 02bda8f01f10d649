package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/anchorhq/anchor/pkg/types"
)

func (s *PostgresStore) CreateServer(ctx context.Context, sv *types.Server) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO servers (id, name, public_ip, wireguard_ip, status, last_heartbeat,
			cpu, mem_mb, disk_gb, is_proxy, agent_token_hash, token_expires_at, token_consumed, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		sv.ID, sv.Name, sv.PublicIP, sv.WireguardIP, sv.Status, nullTime(sv.LastHeartbeat),
		sv.Resources.CPU, sv.Resources.MemMB, sv.Resources.DiskGB, sv.IsProxy,
		sv.AgentTokenHash, nullTime(sv.TokenExpiresAt), sv.TokenConsumed, sv.CreatedAt)
	return translate(err, "server")
}

func scanServer(row pgx.Row) (*types.Server, error) {
	var sv types.Server
	var lastHeartbeat, tokenExpiresAt *time.Time
	err := row.Scan(&sv.ID, &sv.Name, &sv.PublicIP, &sv.WireguardIP, &sv.Status, &lastHeartbeat,
		&sv.Resources.CPU, &sv.Resources.MemMB, &sv.Resources.DiskGB, &sv.IsProxy,
		&sv.AgentTokenHash, &tokenExpiresAt, &sv.TokenConsumed, &sv.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastHeartbeat != nil {
		sv.LastHeartbeat = *lastHeartbeat
	}
	if tokenExpiresAt != nil {
		sv.TokenExpiresAt = *tokenExpiresAt
	}
	return &sv, nil
}

const serverColumns = `id, name, public_ip, wireguard_ip, status, last_heartbeat,
	cpu, mem_mb, disk_gb, is_proxy, agent_token_hash, token_expires_at, token_consumed, created_at`

func (s *PostgresStore) GetServer(ctx context.Context, id string) (*types.Server, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
	sv, err := scanServer(row)
	if err != nil {
		return nil, translate(err, "server")
	}
	return sv, nil
}

func (s *PostgresStore) ListServers(ctx context.Context) ([]*types.Server, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, translate(err, "server")
	}
	defer rows.Close()
	var out []*types.Server
	for rows.Next() {
		sv, err := scanServer(rows)
		if err != nil {
			return nil, translate(err, "server")
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListServersByStatus(ctx context.Context, status types.ServerStatus) ([]*types.Server, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT `+serverColumns+` FROM servers WHERE status = $1 ORDER BY name`, status)
	if err != nil {
		return nil, translate(err, "server")
	}
	defer rows.Close()
	var out []*types.Server
	for rows.Next() {
		sv, err := scanServer(rows)
		if err != nil {
			return nil, translate(err, "server")
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateServer(ctx context.Context, sv *types.Server) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE servers SET name=$2, public_ip=$3, wireguard_ip=$4, status=$5, last_heartbeat=$6,
			cpu=$7, mem_mb=$8, disk_gb=$9, is_proxy=$10, agent_token_hash=$11,
			token_expires_at=$12, token_consumed=$13
		WHERE id=$1`,
		sv.ID, sv.Name, sv.PublicIP, sv.WireguardIP, sv.Status, nullTime(sv.LastHeartbeat),
		sv.Resources.CPU, sv.Resources.MemMB, sv.Resources.DiskGB, sv.IsProxy,
		sv.AgentTokenHash, nullTime(sv.TokenExpiresAt), sv.TokenConsumed)
	if err != nil {
		return translate(err, "server")
	}
	if tag.RowsAffected() == 0 {
		return translate(pgx.ErrNoRows, "server")
	}
	return nil
}

func (s *PostgresStore) DeleteServer(ctx context.Context, id string) error {
	_, err := s.q(ctx).Exec(ctx, `DELETE FROM servers WHERE id=$1`, id)
	return translate(err, "server")
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
