// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package objmanager

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/fossil/pkg/fossil"
)

// UploadScheme prefixes tokens returned by Upload.
const UploadScheme = "uploaded://"

// uploadStore holds content that has been uploaded ahead of an ingest or a
// modify-by-reference. Entries live on disk until consumed or the store is
// closed.
type uploadStore struct {
	log *zap.Logger
	dir string

	mu     sync.Mutex
	tokens map[string]string
}

func newUploadStore(log *zap.Logger, dir string) (*uploadStore, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "fossil-uploads")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errs.Wrap(err)
	}
	return &uploadStore{
		log:    log,
		dir:    dir,
		tokens: map[string]string{},
	}, nil
}

// Put drains data to a staging file and returns its uploaded:// token.
func (store *uploadStore) Put(data io.Reader) (string, error) {
	id := uuid.NewString()
	path := filepath.Join(store.dir, id)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fossil.ErrStorage.Wrap(err)
	}
	size, err := io.Copy(file, data)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return "", fossil.ErrStorage.Wrap(err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return "", fossil.ErrStorage.Wrap(err)
	}

	token := UploadScheme + id
	store.mu.Lock()
	store.tokens[token] = path
	store.mu.Unlock()

	store.log.Debug("staged upload",
		zap.String("token", token),
		zap.Int64("size", size))
	return token, nil
}

// Open returns a reader over the staged content of the token.
func (store *uploadStore) Open(token string) (io.ReadCloser, error) {
	store.mu.Lock()
	path, ok := store.tokens[token]
	store.mu.Unlock()
	if !ok {
		return nil, fossil.ErrNotFound.New("upload %s", token)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fossil.ErrStorage.Wrap(err)
	}
	return file, nil
}

// Consume removes the staged content once it has been copied into the
// content store.
func (store *uploadStore) Consume(token string) {
	store.mu.Lock()
	path, ok := store.tokens[token]
	delete(store.tokens, token)
	store.mu.Unlock()
	if !ok {
		return
	}
	if err := os.Remove(path); err != nil {
		store.log.Warn("unable to remove consumed upload",
			zap.String("token", token), zap.Error(err))
	}
}

// Close deletes all staged content.
func (store *uploadStore) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	var group errs.Group
	for token, path := range store.tokens {
		group.Add(os.Remove(path))
		delete(store.tokens, token)
	}
	return group.Err()
}
