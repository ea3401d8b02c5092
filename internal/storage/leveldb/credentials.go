package leveldb

import (
	"context"
	"sync"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/fawad-mazhar/evalq/internal/storage"
	"github.com/syndtr/goleveldb/leveldb"
)

const credentialPrefix = "cred/"

// CredentialStore keeps one credential row per worker under cred/<id>
type CredentialStore struct {
	c  *Client
	mu sync.RWMutex
}

var _ storage.CredentialStore = (*CredentialStore)(nil)

func NewCredentialStore(c *Client) *CredentialStore {
	return &CredentialStore{c: c}
}

func (s *CredentialStore) PutCredential(ctx context.Context, cred *models.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	if err := putJSON(batch, credentialPrefix+cred.WorkerID, cred); err != nil {
		return err
	}
	return s.c.write(batch)
}

func (s *CredentialStore) GetCredential(ctx context.Context, workerID string) (*models.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.load(workerID)
}

func (s *CredentialStore) load(workerID string) (*models.Credential, error) {
	var cred models.Credential
	found, err := s.c.getJSON(credentialPrefix+workerID, &cred)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.NotFoundf("worker %s is not registered", workerID)
	}
	return &cred, nil
}

func (s *CredentialStore) UpdateCredential(ctx context.Context, workerID string, mutate func(c *models.Credential) error) (*models.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.load(workerID)
	if err != nil {
		return nil, err
	}
	if err := mutate(cred); err != nil {
		return nil, err
	}

	batch := new(leveldb.Batch)
	if err := putJSON(batch, credentialPrefix+workerID, cred); err != nil {
		return nil, err
	}
	if err := s.c.write(batch); err != nil {
		return nil, err
	}
	return cred, nil
}
