// Package storage provides the content-addressed staging area for
// captured photo bytes. A photo's bytes land here at enqueue time and
// stay until its queue entry is done with them; the queue's local uri
// is the content hash. Identical captures share one blob.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
)

// BlobStore stores photo blobs under their SHA-256 content hash, laid
// out two directory levels deep to keep directories small.
type BlobStore struct {
	baseDir string
}

// NewBlobStore creates a BlobStore rooted at baseDir.
func NewBlobStore(baseDir string) *BlobStore {
	return &BlobStore{baseDir: baseDir}
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores photo bytes and returns their content hash. Storing the
// same bytes twice is a no-op returning the same hash.
func (s *BlobStore) Put(data []byte) (string, error) {
	hash := Hash(data)

	dir := filepath.Join(s.baseDir, hash[0:2], hash[2:4])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorage, "create blob directory", err)
	}

	path := filepath.Join(dir, hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorage, "write blob", err)
	}
	return hash, nil
}

// Open returns a reader over a stored blob and its size. The signature
// matches what the photo worker expects from its blob opener.
func (s *BlobStore) Open(hash string) (io.ReadCloser, int64, error) {
	path, err := s.path(hash)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, apperrors.New(apperrors.ErrNotFound, "blob not found: "+hash)
		}
		return nil, 0, apperrors.Wrap(apperrors.ErrStorage, "open blob", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, apperrors.Wrap(apperrors.ErrStorage, "stat blob", err)
	}
	return f, info.Size(), nil
}

// Get reads a stored blob fully and verifies it against its hash.
func (s *BlobStore) Get(hash string) ([]byte, error) {
	path, err := s.path(hash)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.New(apperrors.ErrNotFound, "blob not found: "+hash)
		}
		return nil, apperrors.Wrap(apperrors.ErrStorage, "read blob", err)
	}
	if Hash(data) != hash {
		return nil, apperrors.New(apperrors.ErrStorage, "blob corrupted: "+hash)
	}
	return data, nil
}

// Exists reports whether a blob is staged.
func (s *BlobStore) Exists(hash string) bool {
	path, err := s.path(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Delete removes a blob once its queue entry no longer needs it.
// Deleting an absent blob is not an error.
func (s *BlobStore) Delete(hash string) error {
	path, err := s.path(hash)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrStorage, "delete blob", err)
	}

	// Opportunistically drop now-empty shard directories
	dir := filepath.Dir(path)
	os.Remove(dir)
	os.Remove(filepath.Dir(dir))
	return nil
}

// path maps a hash to its on-disk location, rejecting anything that is
// not a hex SHA-256 so a crafted uri cannot escape the staging root.
func (s *BlobStore) path(hash string) (string, error) {
	if len(hash) != 64 {
		return "", apperrors.New(apperrors.ErrInvalid, "malformed blob hash: "+hash)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return "", apperrors.New(apperrors.ErrInvalid, "malformed blob hash: "+hash)
	}
	return filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash), nil
}
