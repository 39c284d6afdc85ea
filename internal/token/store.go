package token

import (
	"encoding/json"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/ironfish/clusterd/internal/ierrors"
	"github.com/ironfish/clusterd/internal/model"
)

var (
	bucketTokens      = []byte("tokens")
	bucketTokenHashes = []byte("token_hashes")
)

// Store is the embedded ordered KV store backing the token subsystem: two
// buckets ("trees"), `tokens` (id bytes → JSON record) and `token_hashes`
// (hash string → id bytes), rooted at <data_dir>/tokens (spec §4.2/§6).
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (creating if absent) the bbolt file at <dataDir>/tokens.
func OpenStore(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "tokens")
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, ierrors.WithKind(ierrors.Wrapf(err, "failed to open token store at %s", path), ierrors.KindStorage)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTokens); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketTokenHashes)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, ierrors.WithKind(ierrors.Wrap(err, "failed to initialize token store buckets"), ierrors.KindStorage)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying bbolt file.
func (s *Store) Close() error { return s.db.Close() }

// Put writes both the primary row and the hash-index row. Per spec §4.2
// "insert the primary first on create" — the two trees aren't
// transactional with each other in spirit even though bbolt gives us a
// single transaction here; we still order the writes as specified.
func (s *Store) Put(tok *model.ApiToken) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return ierrors.WithKind(ierrors.Wrap(err, "failed to marshal token record"), ierrors.KindStorage)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketTokens).Put([]byte(tok.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketTokenHashes).Put([]byte(tok.TokenHash), []byte(tok.ID))
	})
	if err != nil {
		return ierrors.WithKind(ierrors.Wrap(err, "failed to write token record"), ierrors.KindStorage)
	}
	return nil
}

// Get reads a token record by id.
func (s *Store) Get(id model.TokenID) (*model.ApiToken, bool, error) {
	var tok *model.ApiToken
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTokens).Get([]byte(id))
		if data == nil {
			return nil
		}
		var t model.ApiToken
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		tok = &t
		return nil
	})
	if err != nil {
		return nil, false, ierrors.WithKind(ierrors.Wrap(err, "failed to read token record"), ierrors.KindStorage)
	}
	return tok, tok != nil, nil
}

// GetByHash consults the hash index, then reads the primary record.
func (s *Store) GetByHash(hash string) (*model.ApiToken, bool, error) {
	var id []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketTokenHashes).Get([]byte(hash))
		if v != nil {
			id = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, ierrors.WithKind(ierrors.Wrap(err, "failed to read hash index"), ierrors.KindStorage)
	}
	if id == nil {
		return nil, false, nil
	}
	return s.Get(model.TokenID(id))
}

// List iterates the tokens bucket in key order.
func (s *Store) List() ([]*model.ApiToken, error) {
	var out []*model.ApiToken
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(_, v []byte) error {
			var t model.ApiToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	if err != nil {
		return nil, ierrors.WithKind(ierrors.Wrap(err, "failed to list token records"), ierrors.KindStorage)
	}
	return out, nil
}

// Delete removes both the primary row and the hash-index row, index first
// then primary, best-effort (spec §4.2).
func (s *Store) Delete(id model.TokenID) error {
	tok, found, err := s.Get(id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketTokenHashes).Delete([]byte(tok.TokenHash)); err != nil {
			return err
		}
		return tx.Bucket(bucketTokens).Delete([]byte(id))
	})
	if err != nil {
		return ierrors.WithKind(ierrors.Wrap(err, "failed to delete token record"), ierrors.KindStorage)
	}
	return nil
}
