package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/anchorhq/anchor/pkg/apierr"
	"github.com/anchorhq/anchor/pkg/types"
)

const serviceColumns = `id, project_id, env_id, name, hostname, image, source_type, replicas,
	stateful, auto_place, locked_server_id, health_cmd, health_interval_s, health_timeout_s,
	health_retries, health_start_period_s, deployed_config, migration_status,
	deployment_schedule, backup_enabled, backup_schedule, retention_days,
	created_at, updated_at, version`

func scanService(row pgx.Row) (*types.Service, error) {
	var svc types.Service
	var lockedServerID *string
	var deployedConfig []byte
	err := row.Scan(&svc.ID, &svc.ProjectID, &svc.EnvID, &svc.Name, &svc.Hostname, &svc.Image,
		&svc.SourceType, &svc.Replicas, &svc.Stateful, &svc.AutoPlace, &lockedServerID,
		&svc.HealthCheck.Cmd, &svc.HealthCheck.IntervalS, &svc.HealthCheck.TimeoutS,
		&svc.HealthCheck.Retries, &svc.HealthCheck.StartPeriodS, &deployedConfig,
		&svc.MigrationStatus, &svc.DeploymentSchedule, &svc.BackupEnabled, &svc.BackupSchedule,
		&svc.RetentionDays, &svc.CreatedAt, &svc.UpdatedAt, &svc.Version)
	if err != nil {
		return nil, err
	}
	if lockedServerID != nil {
		svc.LockedServerID = *lockedServerID
	}
	cfg, err := unmarshalConfig(deployedConfig)
	if err != nil {
		return nil, err
	}
	svc.DeployedConfig = cfg
	return &svc, nil
}

func (s *PostgresStore) CreateService(ctx context.Context, svc *types.Service) error {
	cfg, err := marshalConfig(svc.DeployedConfig)
	if err != nil {
		return apierr.NewInternal("", err)
	}
	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO services (`+serviceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		svc.ID, svc.ProjectID, svc.EnvID, svc.Name, svc.Hostname, svc.Image, svc.SourceType,
		svc.Replicas, svc.Stateful, svc.AutoPlace, nullString(svc.LockedServerID),
		svc.HealthCheck.Cmd, svc.HealthCheck.IntervalS, svc.HealthCheck.TimeoutS,
		svc.HealthCheck.Retries, svc.HealthCheck.StartPeriodS, cfg, svc.MigrationStatus,
		svc.DeploymentSchedule, svc.BackupEnabled, svc.BackupSchedule, svc.RetentionDays,
		svc.CreatedAt, svc.UpdatedAt, svc.Version)
	return translate(err, "service")
}

func (s *PostgresStore) GetService(ctx context.Context, id string) (*types.Service, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id=$1`, id)
	svc, err := scanService(row)
	if err != nil {
		return nil, translate(err, "service")
	}
	return svc, nil
}

func (s *PostgresStore) GetServiceByHostname(ctx context.Context, hostname string) (*types.Service, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE hostname=$1`, hostname)
	svc, err := scanService(row)
	if err != nil {
		return nil, translate(err, "service")
	}
	return svc, nil
}

func (s *PostgresStore) ListServices(ctx context.Context) ([]*types.Service, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY name`)
	if err != nil {
		return nil, translate(err, "service")
	}
	defer rows.Close()
	var out []*types.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, translate(err, "service")
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// UpdateService performs an optimistic-lock update: the WHERE clause pins
// the row's current version, so a concurrent writer's update loses and
// gets apierr.Conflict instead of silently clobbering this one.
func (s *PostgresStore) UpdateService(ctx context.Context, svc *types.Service) error {
	cfg, err := marshalConfig(svc.DeployedConfig)
	if err != nil {
		return apierr.NewInternal("", err)
	}
	newVersion := svc.Version + 1
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE services SET project_id=$2, env_id=$3, name=$4, hostname=$5, image=$6,
			source_type=$7, replicas=$8, stateful=$9, auto_place=$10, locked_server_id=$11,
			health_cmd=$12, health_interval_s=$13, health_timeout_s=$14, health_retries=$15,
			health_start_period_s=$16, deployed_config=$17, migration_status=$18,
			deployment_schedule=$19, backup_enabled=$20, backup_schedule=$21, retention_days=$22,
			updated_at=now(), version=$23
		WHERE id=$1 AND version=$24`,
		svc.ID, svc.ProjectID, svc.EnvID, svc.Name, svc.Hostname, svc.Image, svc.SourceType,
		svc.Replicas, svc.Stateful, svc.AutoPlace, nullString(svc.LockedServerID),
		svc.HealthCheck.Cmd, svc.HealthCheck.IntervalS, svc.HealthCheck.TimeoutS,
		svc.HealthCheck.Retries, svc.HealthCheck.StartPeriodS, cfg, svc.MigrationStatus,
		svc.DeploymentSchedule, svc.BackupEnabled, svc.BackupSchedule, svc.RetentionDays,
		newVersion, svc.Version)
	if err != nil {
		return translate(err, "service")
	}
	if tag.RowsAffected() == 0 {
		return apierr.NewConflict("service was modified concurrently")
	}
	svc.Version = newVersion
	return nil
}

func (s *PostgresStore) DeleteService(ctx context.Context, id string) error {
	_, err := s.q(ctx).Exec(ctx, `DELETE FROM services WHERE id=$1`, id)
	return translate(err, "service")
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// --- Child collections ---

func (s *PostgresStore) ReplacePorts(ctx context.Context, serviceID string, ports []*types.ServicePort) error {
	return s.replaceChildren(ctx, serviceID, "service_ports", func(ctx context.Context, q querier) error {
		for _, p := range ports {
			if p.ID == "" {
				p.ID = uuid.NewString()
			}
			if _, err := q.Exec(ctx, `
				INSERT INTO service_ports (id, service_id, port, is_public, domain, protocol, tls_passthrough)
				VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				p.ID, serviceID, p.Port, p.IsPublic, nullString(p.Domain), p.Protocol, p.TLSPassthrough); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListPorts(ctx context.Context, serviceID string) ([]*types.ServicePort, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, service_id, port, is_public, domain, protocol, tls_passthrough
		FROM service_ports WHERE service_id=$1 ORDER BY port`, serviceID)
	if err != nil {
		return nil, translate(err, "service_port")
	}
	defer rows.Close()
	var out []*types.ServicePort
	for rows.Next() {
		var p types.ServicePort
		var domain *string
		if err := rows.Scan(&p.ID, &p.ServiceID, &p.Port, &p.IsPublic, &domain, &p.Protocol, &p.TLSPassthrough); err != nil {
			return nil, translate(err, "service_port")
		}
		if domain != nil {
			p.Domain = *domain
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReplaceReplicas(ctx context.Context, serviceID string, replicas []*types.ServiceReplica) error {
	return s.replaceChildren(ctx, serviceID, "service_replicas", func(ctx context.Context, q querier) error {
		for _, r := range replicas {
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			if _, err := q.Exec(ctx, `
				INSERT INTO service_replicas (id, service_id, server_id, count)
				VALUES ($1,$2,$3,$4)`, r.ID, serviceID, r.ServerID, r.Count); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListReplicas(ctx context.Context, serviceID string) ([]*types.ServiceReplica, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, service_id, server_id, count FROM service_replicas WHERE service_id=$1 ORDER BY server_id`, serviceID)
	if err != nil {
		return nil, translate(err, "service_replica")
	}
	defer rows.Close()
	var out []*types.ServiceReplica
	for rows.Next() {
		var r types.ServiceReplica
		if err := rows.Scan(&r.ID, &r.ServiceID, &r.ServerID, &r.Count); err != nil {
			return nil, translate(err, "service_replica")
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReplaceVolumes(ctx context.Context, serviceID string, volumes []*types.ServiceVolume) error {
	return s.replaceChildren(ctx, serviceID, "service_volumes", func(ctx context.Context, q querier) error {
		for _, v := range volumes {
			if v.ID == "" {
				v.ID = uuid.NewString()
			}
			if _, err := q.Exec(ctx, `
				INSERT INTO service_volumes (id, service_id, name, container_path)
				VALUES ($1,$2,$3,$4)`, v.ID, serviceID, v.Name, v.ContainerPath); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListVolumes(ctx context.Context, serviceID string) ([]*types.ServiceVolume, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, service_id, name, container_path FROM service_volumes WHERE service_id=$1 ORDER BY name`, serviceID)
	if err != nil {
		return nil, translate(err, "service_volume")
	}
	defer rows.Close()
	var out []*types.ServiceVolume
	for rows.Next() {
		var v types.ServiceVolume
		if err := rows.Scan(&v.ID, &v.ServiceID, &v.Name, &v.ContainerPath); err != nil {
			return nil, translate(err, "service_volume")
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// replaceChildren implements the Store's batched replaceChildren
// primitive: delete every existing child row for parentID in table, then
// insert the caller-supplied set, all inside one transaction so readers
// never observe a partially-replaced child set.
func (s *PostgresStore) replaceChildren(ctx context.Context, parentID, table string, insert func(ctx context.Context, q querier) error) error {
	run := func(ctx context.Context) error {
		q := s.q(ctx)
		if _, err := q.Exec(ctx, `DELETE FROM `+table+` WHERE service_id=$1`, parentID); err != nil {
			return translate(err, table)
		}
		if err := insert(ctx, q); err != nil {
			return translate(err, table)
		}
		return nil
	}
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return run(ctx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apierr.NewInternal("", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := run(withTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apierr.NewInternal("", err)
	}
	return nil
}

func (s *PostgresStore) UpsertSecret(ctx context.Context, secret *types.Secret) error {
	if secret.ID == "" {
		secret.ID = uuid.NewString()
	}
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO secrets (id, service_id, key, encrypted_value)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (service_id, key) DO UPDATE SET encrypted_value = EXCLUDED.encrypted_value`,
		secret.ID, secret.ServiceID, secret.Key, secret.EncryptedValue)
	return translate(err, "secret")
}

func (s *PostgresStore) ListSecrets(ctx context.Context, serviceID string) ([]*types.Secret, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, service_id, key, encrypted_value FROM secrets WHERE service_id=$1 ORDER BY key`, serviceID)
	if err != nil {
		return nil, translate(err, "secret")
	}
	defer rows.Close()
	var out []*types.Secret
	for rows.Next() {
		var sec types.Secret
		if err := rows.Scan(&sec.ID, &sec.ServiceID, &sec.Key, &sec.EncryptedValue); err != nil {
			return nil, translate(err, "secret")
		}
		out = append(out, &sec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteSecret(ctx context.Context, serviceID, key string) error {
	_, err := s.q(ctx).Exec(ctx, `DELETE FROM secrets WHERE service_id=$1 AND key=$2`, serviceID, key)
	return translate(err, "secret")
}
