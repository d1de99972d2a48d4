// Package auth owns user accounts, password verification, sessions and the
// role permission matrix.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agroclima/quillota/internal/metrics"
	"github.com/agroclima/quillota/internal/models"
	"github.com/agroclima/quillota/internal/store"
)

// Failure classifies an authentication or authorisation refusal.
type Failure string

const (
	FailureBadCredentials Failure = "bad-credentials"
	FailureInactive       Failure = "inactive"
	FailureSessionInvalid Failure = "session-invalid"
	FailureForbidden      Failure = "forbidden"
)

// AuthError carries the failure kind without leaking which part of the
// credentials was wrong.
type AuthError struct {
	Kind Failure
}

func (e *AuthError) Error() string { return "auth: " + string(e.Kind) }

// IsFailure reports whether err is an AuthError of the given kind.
func IsFailure(err error, kind Failure) bool {
	ae, ok := err.(*AuthError)
	return ok && ae.Kind == kind
}

const sessionIDBytes = 32

// DefaultSessionTTL applies when the configuration does not set one.
const DefaultSessionTTL = time.Hour

// Service implements account management, login, sessions and authorisation.
// The permission matrix is loaded once at startup and read lock-free.
type Service struct {
	store  *store.Store
	hasher Hasher
	ttl    time.Duration
	seed   []byte

	// dummyHash absorbs verification time for unknown logins so a failed
	// authenticate is indistinguishable from a wrong password.
	dummyHash string

	permMu sync.RWMutex
	perms  map[string]struct{}
}

// NewService builds the auth service. seed, when non-empty, is mixed into
// every session id; it is an operator-supplied value so ids cannot be
// reproduced from RNG output alone.
func NewService(st *store.Store, hasher Hasher, ttl time.Duration, seed string) (*Service, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	dummy, err := hasher.Hash("quillota-dummy-credential")
	if err != nil {
		return nil, fmt.Errorf("auth: prepare dummy hash: %w", err)
	}
	return &Service{
		store:     st,
		hasher:    hasher,
		ttl:       ttl,
		seed:      []byte(seed),
		dummyHash: dummy,
		perms:     map[string]struct{}{},
	}, nil
}

// LoadPermissions replaces the in-memory permission matrix and persists it.
func (s *Service) LoadPermissions(ctx context.Context, perms []models.Permission) error {
	if err := s.store.ReplacePermissions(ctx, perms); err != nil {
		return err
	}
	m := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		m[permKey(p.Role, p.Module, p.Action)] = struct{}{}
	}
	s.permMu.Lock()
	s.perms = m
	s.permMu.Unlock()
	return nil
}

func permKey(role models.Role, module, action string) string {
	return string(role) + "|" + module + "|" + action
}

func validRole(r models.Role) bool {
	switch r {
	case models.RoleAdmin, models.RoleAgronomist, models.RoleOperator, models.RoleViewer:
		return true
	}
	return false
}

// CreateUser registers a new account. The plaintext password is hashed here
// and never reaches the store.
func (s *Service) CreateUser(ctx context.Context, login, email, password string, role models.Role) (*models.User, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return nil, fmt.Errorf("auth: login and password are required")
	}
	if !validRole(role) {
		return nil, fmt.Errorf("auth: unknown role %q", role)
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	u := models.User{
		Login:        login,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
	}
	id, err := s.store.CreateUser(ctx, u)
	if err != nil {
		return nil, err
	}
	u.ID = id
	return &u, nil
}

// Authenticate checks login and password. Unknown logins still pay the hash
// verification cost against a dummy hash, and the caller only ever learns
// bad-credentials or inactive.
func (s *Service) Authenticate(ctx context.Context, login, password string) (*models.User, error) {
	user, err := s.store.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}
	if user == nil {
		s.hasher.Verify(password, s.dummyHash)
		return nil, &AuthError{Kind: FailureBadCredentials}
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		return nil, &AuthError{Kind: FailureBadCredentials}
	}
	if !user.Active {
		return nil, &AuthError{Kind: FailureInactive}
	}
	if err := s.store.SetLastLogin(ctx, user.ID, time.Now()); err != nil {
		return nil, err
	}
	return user, nil
}

// OpenSession issues a new session id for the user. Ids carry 256 bits from
// the cryptographic RNG; with a configured seed they are hashed together
// with it, keeping the 64-character hex shape either way.
func (s *Service) OpenSession(ctx context.Context, user *models.User, ip, userAgent string) (string, error) {
	raw := make([]byte, sessionIDBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: session id: %w", err)
	}
	if len(s.seed) > 0 {
		sum := sha256.Sum256(append(append([]byte{}, s.seed...), raw...))
		raw = sum[:]
	}
	id := hex.EncodeToString(raw)
	now := time.Now()
	sess := models.Session{
		ID:        id,
		UserID:    user.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
		Active:    true,
		IP:        ip,
		UserAgent: userAgent,
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return "", err
	}
	return id, nil
}

// ValidateSession resolves a session id to its user. Expired, revoked and
// unknown sessions all collapse into session-invalid.
func (s *Service) ValidateSession(ctx context.Context, id string) (*models.User, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.Active || time.Now().After(sess.ExpiresAt) {
		metrics.SessionValidations.WithLabelValues("invalid").Inc()
		return nil, &AuthError{Kind: FailureSessionInvalid}
	}
	user, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.Active {
		metrics.SessionValidations.WithLabelValues("invalid").Inc()
		return nil, &AuthError{Kind: FailureSessionInvalid}
	}
	metrics.SessionValidations.WithLabelValues("ok").Inc()
	return user, nil
}

// CloseSession revokes a session. Closing an unknown session is not an error.
func (s *Service) CloseSession(ctx context.Context, id string) error {
	return s.store.CloseSession(ctx, id)
}

// Authorise reports whether the user's role may perform action on module.
// Anything absent from the permission matrix is denied.
func (s *Service) Authorise(user *models.User, module, action string) bool {
	if user == nil {
		return false
	}
	s.permMu.RLock()
	_, ok := s.perms[permKey(user.Role, module, action)]
	s.permMu.RUnlock()
	return ok
}
