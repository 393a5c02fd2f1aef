package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/snapgate/snapgate/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Principals ---

func (s *PostgresStore) EnsurePrincipal(ctx context.Context, id uuid.UUID) (*models.Principal, error) {
	var p models.Principal
	err := s.pool.QueryRow(ctx,
		`INSERT INTO principals (id, tier, created_at, updated_at)
		 VALUES ($1, $2, NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE SET updated_at = principals.updated_at
		 RETURNING id, tier, webhook_url, webhook_method, webhook_secret, webhook_headers, created_at, updated_at`,
		id, models.TierStandard,
	).Scan(&p.ID, &p.Tier, &p.WebhookURL, &p.WebhookMethod, &p.WebhookSecret, &p.WebhookHeaders,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure principal: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) GetPrincipal(ctx context.Context, id uuid.UUID) (*models.Principal, error) {
	var p models.Principal
	err := s.pool.QueryRow(ctx,
		`SELECT id, tier, webhook_url, webhook_method, webhook_secret, webhook_headers, created_at, updated_at
		 FROM principals WHERE id = $1`, id,
	).Scan(&p.ID, &p.Tier, &p.WebhookURL, &p.WebhookMethod, &p.WebhookSecret, &p.WebhookHeaders,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get principal: %w", err)
	}
	return &p, nil
}

// --- Credentials ---

const credentialColumns = `id, principal_id, name, digest, key_prefix, status, usage_count, usage_quota,
	last_used_at, expires_at, revoked_at, created_at, updated_at`

func scanCredential(row pgx.Row) (*models.Credential, error) {
	var c models.Credential
	err := row.Scan(&c.ID, &c.PrincipalID, &c.Name, &c.Digest, &c.KeyPrefix, &c.Status,
		&c.UsageCount, &c.UsageQuota, &c.LastUsedAt, &c.ExpiresAt, &c.RevokedAt,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateCredential(ctx context.Context, cred *models.Credential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, principal_id, name, digest, key_prefix, status, usage_count, usage_quota, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		cred.ID, cred.PrincipalID, cred.Name, cred.Digest, cred.KeyPrefix, cred.Status,
		cred.UsageCount, cred.UsageQuota, cred.ExpiresAt, cred.CreatedAt, cred.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCredentialByDigest(ctx context.Context, digest string) (*models.Credential, error) {
	cred, err := scanCredential(s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM api_keys WHERE digest = $1`, digest))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential by digest: %w", err)
	}
	return cred, nil
}

func (s *PostgresStore) MarkCredentialExpired(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = $3`,
		models.CredentialExpired, id, models.CredentialActive)
	if err != nil {
		return fmt.Errorf("mark credential expired: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeCredential(ctx context.Context, id uuid.UUID, principalID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET status = $1, revoked_at = NOW(), updated_at = NOW()
		 WHERE id = $2 AND principal_id = $3 AND status = $4`,
		models.CredentialRevoked, id, principalID, models.CredentialActive)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context, principalID uuid.UUID) ([]*models.Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+credentialColumns+` FROM api_keys
		 WHERE principal_id = $1 AND status != $2 ORDER BY created_at DESC`,
		principalID, models.CredentialRevoked)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

func (s *PostgresStore) TouchCredentialUsage(ctx context.Context, id uuid.UUID) error {
	// GREATEST keeps last_used_at monotonic when updates land out of order.
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET usage_count = usage_count + 1,
		   last_used_at = GREATEST(COALESCE(last_used_at, 'epoch'::timestamptz), NOW()),
		   updated_at = NOW()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch credential usage: %w", err)
	}
	return nil
}

// --- Usage records ---

func (s *PostgresStore) InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (id, credential_id, principal_id, endpoint, outcome, duration_ms, payload_bytes, error_detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.CredentialID, rec.PrincipalID, rec.Endpoint, rec.Outcome,
		rec.DurationMS, rec.PayloadBytes, rec.ErrorDetail, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountUsageSince(ctx context.Context, principalID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM usage_records WHERE principal_id = $1 AND created_at >= $2`,
		principalID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count usage since: %w", err)
	}
	return count, nil
}

// isDuplicateKeyError reports whether err is a Postgres unique violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key")
}
