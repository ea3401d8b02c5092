package directory

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"io"
	"time"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/logger"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/storage"
	"go.uber.org/zap"
)

const tokenBytes = 32

// Credentials issues and checks per-worker tokens. Only SHA-256 hashes are
// stored; the plaintext leaves this package exactly once.
type Credentials struct {
	store  storage.CredentialStore
	log    *zap.SugaredLogger
	now    func() time.Time
	random io.Reader
}

func NewCredentials(store storage.CredentialStore) *Credentials {
	return &Credentials{
		store:  store,
		log:    logger.Named("credentials"),
		now:    time.Now,
		random: rand.Reader,
	}
}

// hashToken creates a SHA-256 hash of a token for storage
func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func (c *Credentials) generate() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(c.random, b); err != nil {
		return "", errors.Wrap(err, "failed to generate random bytes")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Register issues a fresh token for workerID, superseding any previous one
func (c *Credentials) Register(ctx context.Context, workerID string) (*models.IssuedToken, error) {
	if err := models.ValidateWorkerID(workerID); err != nil {
		return nil, err
	}
	token, err := c.generate()
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	cred := &models.Credential{
		WorkerID:  workerID,
		TokenHash: hashToken(token),
		CreatedAt: now,
	}
	if err := c.store.PutCredential(ctx, cred); err != nil {
		return nil, err
	}

	c.log.Infow("Worker registered", "worker_id", workerID)
	return &models.IssuedToken{WorkerID: workerID, Token: token, CreatedAt: now}, nil
}

// Rotate replaces the token of an already registered worker. The old token
// stops working as soon as this returns.
func (c *Credentials) Rotate(ctx context.Context, workerID string) (*models.IssuedToken, error) {
	if err := models.ValidateWorkerID(workerID); err != nil {
		return nil, err
	}
	token, err := c.generate()
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	_, err = c.store.UpdateCredential(ctx, workerID, func(cred *models.Credential) error {
		cred.TokenHash = hashToken(token)
		cred.CreatedAt = now
		cred.RevokedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Infow("Worker token rotated", "worker_id", workerID)
	return &models.IssuedToken{WorkerID: workerID, Token: token, CreatedAt: now}, nil
}

// Revoke disables the worker's token. Revoking twice is harmless.
func (c *Credentials) Revoke(ctx context.Context, workerID string) error {
	now := c.now().UTC()
	_, err := c.store.UpdateCredential(ctx, workerID, func(cred *models.Credential) error {
		if cred.RevokedAt == nil {
			cred.RevokedAt = &now
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.log.Infow("Worker token revoked", "worker_id", workerID)
	return nil
}

// Verify reports whether token is the active credential of workerID. Unknown
// and revoked workers verify as false; store failures are returned.
func (c *Credentials) Verify(ctx context.Context, workerID, token string) (bool, error) {
	if workerID == "" || token == "" {
		return false, nil
	}
	cred, err := c.store.GetCredential(ctx, workerID)
	if errors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !cred.Active() {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(hashToken(token)), []byte(cred.TokenHash)) == 1, nil
}
