package leveldb

import (
	"encoding/json"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/storage"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Client owns one LevelDB database. Collections built on top of it keep
// their own locks.
type Client struct {
	db *leveldb.DB
}

// NewClient opens (or creates) a database directory on disk
func NewClient(path string) (*Client, error) {
	opts := &opt.Options{
		CompactionTableSize: 2 * 1024 * 1024, // 2MB
		WriteBuffer:         1 * 1024 * 1024, // 1MB
	}

	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, errors.Unavailable(err, "failed to open leveldb")
	}
	return &Client{db: db}, nil
}

// NewMemClient opens a database that lives only in memory
func NewMemClient() (*Client, error) {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Unavailable(err, "failed to open in-memory leveldb")
	}
	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

// getJSON loads key into v. found is false when the key does not exist.
func (c *Client) getJSON(key string, v interface{}) (found bool, err error) {
	data, err := c.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.Unavailable(err, "leveldb get")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.Wrapf(err, "failed to decode %s", key)
	}
	return true, nil
}

func putJSON(batch *leveldb.Batch, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", key)
	}
	batch.Put([]byte(key), data)
	return nil
}

func (c *Client) write(batch *leveldb.Batch) error {
	if err := c.db.Write(batch, nil); err != nil {
		return errors.Unavailable(err, "leveldb write")
	}
	return nil
}

// scan calls fn for every key under prefix in key order until fn returns
// false or an error.
func (c *Client) scan(prefix string, fn func(key, value []byte) (bool, error)) error {
	iter := c.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	for iter.Next() {
		more, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return errors.Unavailable(err, "leveldb iterate")
	}
	return nil
}

// Open builds the job, worker and credential collections. Credentials live
// in their own database directory.
func Open(path, credentialsPath string) (*storage.Backend, error) {
	primary, err := NewClient(path)
	if err != nil {
		return nil, err
	}
	creds, err := NewClient(credentialsPath)
	if err != nil {
		primary.Close()
		return nil, err
	}
	return storage.NewBackend(
		NewJobStore(primary),
		NewWorkerStore(primary),
		NewCredentialStore(creds),
		primary.Close,
		creds.Close,
	), nil
}

// OpenMem is Open backed by memory, for tests and throwaway runs
func OpenMem() (*storage.Backend, error) {
	primary, err := NewMemClient()
	if err != nil {
		return nil, err
	}
	creds, err := NewMemClient()
	if err != nil {
		primary.Close()
		return nil, err
	}
	return storage.NewBackend(
		NewJobStore(primary),
		NewWorkerStore(primary),
		NewCredentialStore(creds),
		primary.Close,
		creds.Close,
	), nil
}
