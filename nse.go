// This package wires the secure session core together for one execution context. The
// primary application and the notification extension open the same encrypted database, the
// configured execution context decides which capability variants they get.
package nse

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/meow-io/slick-nse/capability"
	"github.com/meow-io/slick-nse/clock"
	"github.com/meow-io/slick-nse/config"
	"github.com/meow-io/slick-nse/envelope"
	"github.com/meow-io/slick-nse/internal/db"
	"github.com/meow-io/slick-nse/keycache"
	"github.com/meow-io/slick-nse/notify"
	"github.com/meow-io/slick-nse/ratchet"
	"github.com/meow-io/slick-nse/session"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	StateNew = iota
	StateInitialized
	StateRunning
)

const saltName = "salt"

// Dependencies are the external collaborators. LocationSource and Authenticator are only
// needed in the primary execution context.
type Dependencies struct {
	LocationSource capability.LocationSource
	Authenticator  capability.Authenticator
	Registerer     prometheus.Registerer
	Clock          clock.Clock
}

type NSE struct {
	DB *db.Database

	Sessions  *session.Manager
	Envelopes *envelope.Manager
	Location  capability.LocationService
	Account   capability.AccountService
	Notify    *notify.Service

	config   *config.Config
	log      *zap.SugaredLogger
	clock    clock.Clock
	deps     Dependencies
	registry *envelope.Registry
	state    int
}

func New(c *config.Config, deps Dependencies) (*NSE, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making nse in %s context, using root path of %s", c.ExecutionContext, c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewSystemClock()
	}

	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}
	return &NSE{
		DB:       d,
		config:   c,
		log:      log,
		clock:    deps.Clock,
		deps:     deps,
		registry: envelope.NewRegistry(),
		state:    state,
	}, nil
}

// NewKey derives a database key from password and the salt stored under the root dir.
func (n *NSE) NewKey(password string) ([]byte, error) {
	return newKey(password, n.config.RootDir, saltName)
}

func (n *NSE) New() bool {
	return n.state == StateNew
}

func (n *NSE) Initialized() bool {
	return n.state == StateInitialized
}

func (n *NSE) Running() bool {
	return n.state == StateRunning
}

// Register installs the handler for a payload type. Handlers may be registered before Open.
func (n *NSE) Register(t envelope.PayloadType, h envelope.Handler) error {
	return n.registry.Register(t, h)
}

func (n *NSE) Initialize(key []byte) error {
	if err := n.DB.Initialize(key); err != nil {
		return err
	}
	n.state = StateInitialized
	return n.Open(key)
}

func (n *NSE) Open(key []byte) error {
	if n.state != StateInitialized {
		return fmt.Errorf("nse: wrong state, expected %d got %d", StateInitialized, n.state)
	}
	if err := n.DB.Open(key); err != nil {
		return err
	}
	if err := n.open(); err != nil {
		if serr := n.DB.Shutdown(); serr != nil {
			n.log.Warnf("error closing database after failed open: %v", serr)
		}
		return err
	}
	n.state = StateRunning
	return nil
}

func (n *NSE) open() error {
	keys, err := keycache.NewStore(n.config, n.DB, n.clock)
	if err != nil {
		return err
	}
	if n.Sessions, err = session.NewManager(n.config, n.DB, n.clock, ratchet.NewEngine(), keys); err != nil {
		return err
	}
	if n.Envelopes, err = envelope.NewManager(n.config, n.DB, n.clock, n.Sessions, n.registry, n.deps.Registerer); err != nil {
		return err
	}
	if n.Location, err = capability.NewLocationService(n.config, n.DB, n.deps.LocationSource); err != nil {
		return err
	}
	if n.Account, err = capability.NewAccountService(n.config, n.DB, n.clock, n.deps.Authenticator); err != nil {
		return err
	}
	n.Notify = notify.NewService(n.config, n.Envelopes)
	return nil
}

// Prune runs the periodic cleanup of envelope records.
func (n *NSE) Prune(ctx context.Context) (int64, error) {
	if n.state != StateRunning {
		return 0, db.ErrNotRunning
	}
	return n.Envelopes.Prune(ctx)
}

func (n *NSE) Shutdown() error {
	if n.state != StateRunning {
		return nil
	}
	errs := make([]string, 0)
	if n.config.ExecutionContext == config.Primary {
		if err := n.Location.StopMonitoring(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := n.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	n.Sessions = nil
	n.Envelopes = nil
	n.Location = nil
	n.Account = nil
	n.Notify = nil
	n.state = StateInitialized
	return nil
}
