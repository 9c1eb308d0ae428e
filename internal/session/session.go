// Package session holds the signed-in identity and the per-rider active
// booking slots. A Session is created once per process and passed to the
// components that need it.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/bus-tracking/internal/apperr"
	"github.com/example/bus-tracking/internal/models"
)

type Authenticator interface {
	Login(ctx context.Context, role models.Role, email, password string) (models.Account, error)
}

// Snapshot is a read-only copy of the session identity.
type Snapshot struct {
	Role    models.Role
	Account models.Account
	Active  bool
}

// UserID returns the account id, or "" when signed out.
func (s Snapshot) UserID() string {
	if !s.Active {
		return ""
	}
	return s.Account.ID
}

type Session struct {
	auth   Authenticator
	logger *slog.Logger

	mu       sync.Mutex
	role     models.Role
	account  models.Account
	loggedIn bool
	slots    map[string]string // rider id -> booking id
	teardown []func()
}

func New(auth Authenticator, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{auth: auth, logger: logger, slots: make(map[string]string)}
}

// Login authenticates and replaces the current identity. A previous
// identity is logged out first so its teardown hooks run.
func (s *Session) Login(ctx context.Context, role models.Role, email, password string) (Snapshot, error) {
	if !role.Valid() {
		return Snapshot{}, apperr.Validationf("session.login", "unknown role %q", role)
	}
	if email == "" || password == "" {
		return Snapshot{}, apperr.Validationf("session.login", "email and password are required")
	}
	acct, err := s.auth.Login(ctx, role, email, password)
	if err != nil {
		return Snapshot{}, err
	}
	s.Logout()

	s.mu.Lock()
	s.role = role
	s.account = acct
	s.loggedIn = true
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("session_login", "role", role, "user_id", acct.ID)
	return snap, nil
}

// Logout clears identity and slots, then runs teardown hooks in reverse
// registration order. Safe to call when signed out.
func (s *Session) Logout() {
	s.mu.Lock()
	if !s.loggedIn && len(s.teardown) == 0 {
		s.mu.Unlock()
		return
	}
	userID := s.account.ID
	hooks := s.teardown
	s.teardown = nil
	s.role = ""
	s.account = models.Account{}
	s.loggedIn = false
	s.slots = make(map[string]string)
	s.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
	if userID != "" {
		s.logger.Info("session_logout", "user_id", userID)
	}
}

// OnLogout registers fn to run at the next Logout.
func (s *Session) OnLogout(fn func()) {
	s.mu.Lock()
	s.teardown = append(s.teardown, fn)
	s.mu.Unlock()
}

func (s *Session) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{Role: s.role, Account: s.account, Active: s.loggedIn}
}

// Require returns the current identity if signed in with role.
func (s *Session) Require(role models.Role) (Snapshot, error) {
	snap := s.Current()
	if !snap.Active {
		return Snapshot{}, apperr.New(apperr.Auth, "session", "not signed in")
	}
	if snap.Role != role {
		return Snapshot{}, apperr.New(apperr.Auth, "session", "requires role "+string(role))
	}
	return snap, nil
}

// Acquire claims the rider's active booking slot for bookingID. It returns
// false, and the holder, if the slot is already taken.
func (s *Session) Acquire(riderID, bookingID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.slots[riderID]; ok {
		return held, false
	}
	s.slots[riderID] = bookingID
	return bookingID, true
}

// Rebind moves the slot from one booking id to another, e.g. when the
// server assigns an id. It is a no-op unless the slot holds from.
func (s *Session) Rebind(riderID, from, to string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots[riderID] != from {
		return false
	}
	s.slots[riderID] = to
	return true
}

// Release frees the slot if it is held by bookingID.
func (s *Session) Release(riderID, bookingID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.slots[riderID]; ok && held == bookingID {
		delete(s.slots, riderID)
		return true
	}
	return false
}

// Active returns the booking id holding the rider's slot.
func (s *Session) Active(riderID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.slots[riderID]
	return id, ok
}
