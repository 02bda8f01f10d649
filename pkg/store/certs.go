package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/anchorhq/anchor/pkg/types"
)

const certColumns = `id, domain, certificate, private_key, issued_at, expires_at`

func scanCert(row pgx.Row) (*types.DomainCertificate, error) {
	var c types.DomainCertificate
	if err := row.Scan(&c.ID, &c.Domain, &c.Certificate, &c.PrivateKey, &c.IssuedAt, &c.ExpiresAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetCertificateByDomain(ctx context.Context, domain string) (*types.DomainCertificate, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT `+certColumns+` FROM domain_certificates WHERE domain=$1`, domain)
	c, err := scanCert(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, translate(err, "domain_certificate")
	}
	return c, nil
}

func (s *PostgresStore) UpsertCertificate(ctx context.Context, c *types.DomainCertificate) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO domain_certificates (`+certColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (domain) DO UPDATE SET
			certificate=EXCLUDED.certificate, private_key=EXCLUDED.private_key,
			issued_at=EXCLUDED.issued_at, expires_at=EXCLUDED.expires_at`,
		c.ID, c.Domain, c.Certificate, c.PrivateKey, c.IssuedAt, c.ExpiresAt)
	return translate(err, "domain_certificate")
}

func (s *PostgresStore) ListCertificatesExpiringBefore(ctx context.Context, cutoff time.Time) ([]*types.DomainCertificate, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT `+certColumns+` FROM domain_certificates WHERE expires_at < $1`, cutoff)
	if err != nil {
		return nil, translate(err, "domain_certificate")
	}
	defer rows.Close()
	var out []*types.DomainCertificate
	for rows.Next() {
		c, err := scanCert(rows)
		if err != nil {
			return nil, translate(err, "domain_certificate")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateChallenge(ctx context.Context, c *types.AcmeChallenge) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO acme_challenges (id, domain, token, key_auth, expires_at)
		VALUES ($1,$2,$3,$4,$5)`, c.ID, c.Domain, c.Token, c.KeyAuth, c.ExpiresAt)
	return translate(err, "acme_challenge")
}

func (s *PostgresStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM acme_challenges WHERE expires_at < $1`, now)
	if err != nil {
		return 0, translate(err, "acme_challenge")
	}
	return int(tag.RowsAffected()), nil
}
