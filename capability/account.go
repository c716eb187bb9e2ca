package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/slick-nse/clock"
	"github.com/meow-io/slick-nse/config"
	"github.com/meow-io/slick-nse/internal/db"
	"go.uber.org/zap"
)

var ErrSignedOut = errors.New("capability: no user signed in")

type User struct {
	ID          string `db:"user_id"`
	DisplayName string `db:"display_name"`
	SignedInMs  uint64 `db:"signed_in_ms"`
}

type Credentials struct {
	Username string
	Secret   string
}

// Authenticator talks to the account backend.
type Authenticator interface {
	SignIn(ctx context.Context, creds Credentials) (*User, error)
	SignOut(ctx context.Context, u *User) error
}

type AccountService interface {
	// CurrentUser returns the stored user, ErrSignedOut if there is none.
	CurrentUser(ctx context.Context) (*User, error)
	SignIn(ctx context.Context, creds Credentials) (*User, error)
	SignOut(ctx context.Context) error
}

// NewAccountService selects the variant for the configured execution context. auth is only
// used by the primary variant and may be nil otherwise.
func NewAccountService(c *config.Config, internalDB *db.Database, cl clock.Clock, auth Authenticator) (AccountService, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	switch c.ExecutionContext {
	case config.Primary:
		if auth == nil {
			return nil, fmt.Errorf("capability: primary account service needs an authenticator")
		}
		return &authenticatedAccount{db: d, log: c.Logger("account"), clock: cl, auth: auth}, nil
	case config.Extension:
		return &storedAccount{db: d}, nil
	default:
		return nil, fmt.Errorf("capability: unknown execution context %s", c.ExecutionContext)
	}
}

func currentUser(ctx context.Context, d *database) (*User, error) {
	var u *User
	err := d.RunContext(ctx, "current user", func() error {
		var err error
		u, err = d.user()
		return err
	})
	return u, err
}

type storedAccount struct {
	db *database
}

func (s *storedAccount) CurrentUser(ctx context.Context) (*User, error) {
	return currentUser(ctx, s.db)
}

func (s *storedAccount) SignIn(context.Context, Credentials) (*User, error) {
	return nil, fmt.Errorf("%w: sign in", ErrUnavailableInContext)
}

func (s *storedAccount) SignOut(context.Context) error {
	return fmt.Errorf("%w: sign out", ErrUnavailableInContext)
}

type authenticatedAccount struct {
	db    *database
	log   *zap.SugaredLogger
	clock clock.Clock
	auth  Authenticator
}

func (s *authenticatedAccount) CurrentUser(ctx context.Context) (*User, error) {
	return currentUser(ctx, s.db)
}

func (s *authenticatedAccount) SignIn(ctx context.Context, creds Credentials) (*User, error) {
	u, err := s.auth.SignIn(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("capability: sign in failed: %w", err)
	}
	stored := *u
	stored.SignedInMs = s.clock.CurrentTimeMs()
	if err := s.db.RunContext(ctx, "sign in", func() error {
		return s.db.saveUser(&stored)
	}); err != nil {
		return nil, err
	}
	s.log.Infof("signed in %s", stored.ID)
	return &stored, nil
}

// SignOut signs the stored user out with the backend before forgetting it locally.
func (s *authenticatedAccount) SignOut(ctx context.Context) error {
	u, err := currentUser(ctx, s.db)
	if err != nil {
		return err
	}
	if err := s.auth.SignOut(ctx, u); err != nil {
		return fmt.Errorf("capability: sign out failed: %w", err)
	}
	if err := s.db.RunContext(ctx, "sign out", s.db.deleteUser); err != nil {
		return err
	}
	s.log.Infof("signed out %s", u.ID)
	return nil
}
