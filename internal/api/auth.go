package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/zirunbi/zirunbi/internal/clock"
	"github.com/zirunbi/zirunbi/internal/db"
)

// ErrBadCredentials is returned when the password does not match.
var ErrBadCredentials = errors.New("invalid user id or password")

type session struct {
	userID  string
	expires time.Time
}

// SessionStore issues and validates cookie session tokens. The first login
// under a user id claims the account and sets its password; later logins
// must match.
type SessionStore struct {
	storage db.Storage
	clk     clock.Clock
	ttl     time.Duration

	mu       sync.Mutex
	sessions map[string]session
}

func NewSessionStore(storage db.Storage, clk clock.Clock, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &SessionStore{
		storage:  storage,
		clk:      clk,
		ttl:      ttl,
		sessions: make(map[string]session),
	}
}

// Login verifies (or claims) the credentials and returns a fresh token.
// The caller must have created the user's account already, so the password
// update lands on an existing row.
func (s *SessionStore) Login(ctx context.Context, userID, password string) (string, error) {
	if userID == "" || password == "" {
		return "", ErrBadCredentials
	}

	u, err := s.storage.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("lookup user: %w", err)
	}

	if u == nil || u.PasswordHash == "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("hash password: %w", err)
		}
		if err := s.storage.SetPassword(ctx, userID, string(hash)); err != nil {
			return "", fmt.Errorf("set password: %w", err)
		}
	} else if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", ErrBadCredentials
	}

	return s.issue(userID)
}

func (s *SessionStore) issue(userID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	s.sessions[token] = session{userID: userID, expires: s.clk.Now().Add(s.ttl)}
	s.mu.Unlock()
	return token, nil
}

// UserID resolves a token to its user, expiring stale sessions on the way.
func (s *SessionStore) UserID(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return "", false
	}
	if s.clk.Now().After(sess.expires) {
		delete(s.sessions, token)
		return "", false
	}
	return sess.userID, true
}

// Logout invalidates the token. Unknown tokens are a no-op.
func (s *SessionStore) Logout(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}
