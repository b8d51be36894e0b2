// Package auth holds the bearer credentials the sync client attaches
// to remote calls. The platform shell owns the login flow; the core
// only stores the resulting token, encrypted at rest, and tells the
// workers when it has been renewed.
package auth

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/jcortes/exposurelog/backend/internal/crypto"
	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
	"github.com/jcortes/exposurelog/backend/internal/logging"
)

const tokenFile = "token.cred"

// Session is the process-wide credential holder. Safe for concurrent
// use by the workers and the shell-facing surfaces.
type Session struct {
	mu        sync.RWMutex
	dataDir   string
	token     string
	refreshed chan struct{}
}

// NewSession creates a Session, restoring any token persisted by a
// previous run. A missing or undecryptable token file leaves the
// session invalid until the shell supplies fresh credentials.
func NewSession(dataDir string) *Session {
	s := &Session{
		dataDir:   dataDir,
		refreshed: make(chan struct{}, 1),
	}

	data, err := os.ReadFile(s.tokenPath())
	if err != nil {
		return s
	}
	token, err := crypto.Decrypt(string(data), crypto.DeviceKey())
	if err != nil {
		logging.Warn("persisted token unreadable, login required", nil)
		return s
	}
	s.token = string(token)
	return s
}

// Valid reports whether credentials are present.
func (s *Session) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != ""
}

// Token returns the current bearer token, empty when logged out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Refreshed returns the channel that receives after SetToken renews
// the credentials. A worker parked on it wakes and retries.
func (s *Session) Refreshed() <-chan struct{} {
	return s.refreshed
}

// SetToken installs renewed credentials, persists them encrypted, and
// wakes any parked worker.
func (s *Session) SetToken(token string) error {
	if token == "" {
		return apperrors.New(apperrors.ErrValidation, "token must not be empty")
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	if err := s.persist(token); err != nil {
		// The in-memory token still works for this run
		logging.Error("failed to persist token", err, nil)
	}

	select {
	case s.refreshed <- struct{}{}:
	default:
	}

	logging.Info("credentials refreshed", nil)
	return nil
}

// Clear logs the session out and removes the persisted token.
func (s *Session) Clear() error {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()

	if err := os.Remove(s.tokenPath()); err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(apperrors.ErrStorage, "remove persisted token", err)
	}
	return nil
}

func (s *Session) persist(token string) error {
	encrypted, err := crypto.Encrypt([]byte(token), crypto.DeviceKey())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.tokenPath()), 0700); err != nil {
		return err
	}
	return os.WriteFile(s.tokenPath(), []byte(encrypted), 0600)
}

func (s *Session) tokenPath() string {
	return filepath.Join(s.dataDir, "auth", tokenFile)
}
