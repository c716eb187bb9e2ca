package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/meow-io/slick-nse/config"
	"github.com/meow-io/slick-nse/internal/db"
	"go.uber.org/zap"
)

var ErrNoLocation = errors.New("capability: no location recorded")

type Location struct {
	Latitude    float64 `db:"latitude"`
	Longitude   float64 `db:"longitude"`
	Accuracy    float64 `db:"accuracy"`
	TimestampMs uint64  `db:"timestamp_ms"`
}

// LocationSource produces location updates. The channel is closed once ctx is done or the
// source stops on its own.
type LocationSource interface {
	Subscribe(ctx context.Context) (<-chan Location, error)
}

type LocationService interface {
	// LastKnown returns the most recent stored location, ErrNoLocation if there is none.
	LastKnown(ctx context.Context) (*Location, error)
	StartMonitoring(ctx context.Context) error
	StopMonitoring() error
}

// NewLocationService selects the variant for the configured execution context. source is
// only used by the primary variant and may be nil otherwise.
func NewLocationService(c *config.Config, internalDB *db.Database, source LocationSource) (LocationService, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	log := c.Logger("location")
	switch c.ExecutionContext {
	case config.Primary:
		if source == nil {
			return nil, fmt.Errorf("capability: primary location service needs a source")
		}
		return &monitoredLocation{db: d, log: log, source: source}, nil
	case config.Extension:
		return &storedLocation{db: d}, nil
	default:
		return nil, fmt.Errorf("capability: unknown execution context %s", c.ExecutionContext)
	}
}

func lastKnown(ctx context.Context, d *database) (*Location, error) {
	var l *Location
	err := d.RunContext(ctx, "last known location", func() error {
		var err error
		l, err = d.location()
		return err
	})
	return l, err
}

type storedLocation struct {
	db *database
}

func (s *storedLocation) LastKnown(ctx context.Context) (*Location, error) {
	return lastKnown(ctx, s.db)
}

func (s *storedLocation) StartMonitoring(context.Context) error {
	return fmt.Errorf("%w: start location monitoring", ErrUnavailableInContext)
}

func (s *storedLocation) StopMonitoring() error {
	return fmt.Errorf("%w: stop location monitoring", ErrUnavailableInContext)
}

type monitoredLocation struct {
	db     *database
	log    *zap.SugaredLogger
	source LocationSource

	lock   sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *monitoredLocation) LastKnown(ctx context.Context) (*Location, error) {
	return lastKnown(ctx, s.db)
}

// StartMonitoring persists updates until StopMonitoring is called or ctx is done. Starting
// while monitoring is a no-op.
func (s *monitoredLocation) StartMonitoring(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	updates, err := s.source.Subscribe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("capability: error subscribing to locations: %w", err)
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, updates, s.done)
	return nil
}

// run stores updates until the source closes or ctx is done. Monitoring which ended on
// its own is cleared so the next StartMonitoring subscribes again.
func (s *monitoredLocation) run(ctx context.Context, updates <-chan Location, done chan struct{}) {
	defer func() {
		s.lock.Lock()
		if s.done == done {
			s.cancel()
			s.cancel, s.done = nil, nil
		}
		s.lock.Unlock()
		close(done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case l, ok := <-updates:
			if !ok {
				return
			}
			if err := s.db.Run("save location", func() error {
				return s.db.saveLocation(&l)
			}); err != nil {
				s.log.Warnf("error saving location: %v", err)
			}
		}
	}
}

// StopMonitoring waits until the last received update is stored.
func (s *monitoredLocation) StopMonitoring() error {
	s.lock.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.lock.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
