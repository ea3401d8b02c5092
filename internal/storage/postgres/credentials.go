package postgres

import (
	"context"
	"database/sql"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/storage"
	"github.com/lib/pq"
)

// CredentialStore keeps worker credentials in their own table; nothing here
// touches jobs or workers.
type CredentialStore struct {
	c *Client
}

var _ storage.CredentialStore = (*CredentialStore)(nil)

func NewCredentialStore(c *Client) *CredentialStore {
	return &CredentialStore{c: c}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner, workerID string) (*models.Credential, error) {
	var cred models.Credential
	var revokedAt pq.NullTime
	err := row.Scan(&cred.WorkerID, &cred.TokenHash, &cred.CreatedAt, &revokedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("worker %s is not registered", workerID)
	}
	if err != nil {
		return nil, storeErr(err, "failed to load credential")
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		cred.RevokedAt = &t
	}
	return &cred, nil
}

func (s *CredentialStore) PutCredential(ctx context.Context, cred *models.Credential) error {
	query := `
		INSERT INTO worker_credentials (worker_id, token_hash, created_at, revoked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (worker_id) DO UPDATE
		SET token_hash = EXCLUDED.token_hash,
			created_at = EXCLUDED.created_at,
			revoked_at = EXCLUDED.revoked_at`

	_, err := s.c.db.ExecContext(ctx, query, cred.WorkerID, cred.TokenHash, cred.CreatedAt, revokedParam(cred))
	if err != nil {
		return storeErr(err, "failed to store credential")
	}
	return nil
}

func (s *CredentialStore) GetCredential(ctx context.Context, workerID string) (*models.Credential, error) {
	row := s.c.db.QueryRowContext(ctx,
		`SELECT worker_id, token_hash, created_at, revoked_at FROM worker_credentials WHERE worker_id = $1`,
		workerID)
	return scanCredential(row, workerID)
}

func (s *CredentialStore) UpdateCredential(ctx context.Context, workerID string, mutate func(c *models.Credential) error) (*models.Credential, error) {
	var result *models.Credential
	err := s.c.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT worker_id, token_hash, created_at, revoked_at FROM worker_credentials WHERE worker_id = $1 FOR UPDATE`,
			workerID)
		cred, err := scanCredential(row, workerID)
		if err != nil {
			return err
		}
		if err := mutate(cred); err != nil {
			return err
		}

		query := `
			UPDATE worker_credentials
			SET token_hash = $2, created_at = $3, revoked_at = $4
			WHERE worker_id = $1`

		if _, err := tx.ExecContext(ctx, query, workerID, cred.TokenHash, cred.CreatedAt, revokedParam(cred)); err != nil {
			return storeErr(err, "failed to update credential")
		}
		result = cred
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func revokedParam(cred *models.Credential) pq.NullTime {
	if cred.RevokedAt == nil {
		return pq.NullTime{}
	}
	return pq.NullTime{Time: *cred.RevokedAt, Valid: true}
}
