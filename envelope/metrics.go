package envelope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/slick-nse/ratchet"
	"github.com/meow-io/slick-nse/session"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	processed  *prometheus.CounterVec
	duplicates prometheus.Counter
	failed     *prometheus.CounterVec
}

// newMetrics registers on reg, a nil reg leaves the collectors unregistered. Registering
// again on the same reg, as a reopened database does, reuses the existing collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		processed: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nse_envelopes_processed_total",
			Help: "Envelopes decrypted and delivered",
		}, []string{"type"})),
		duplicates: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nse_envelopes_duplicate_total",
			Help: "Redelivered envelopes which were already processed",
		})),
		failed: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nse_envelopes_failed_total",
			Help: "Envelopes which could not be processed",
		}, []string{"reason"})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(fmt.Sprintf("envelope: error registering metrics: %v", err))
	}
	return c
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrNoHandler):
		return "no_handler"
	case errors.Is(err, session.ErrNotFound):
		return "no_session"
	case errors.Is(err, session.ErrConflict):
		return "conflict"
	case errors.Is(err, ratchet.ErrTooManyMessagesSkipped):
		return "too_many_skipped"
	case errors.Is(err, ratchet.ErrDecryptionFailed):
		return "decrypt"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, sql.ErrTxDone):
		return "canceled"
	case ratchet.IsStorageError(err):
		return "storage"
	case errors.As(err, new(*handlerError)):
		return "handler"
	default:
		return "other"
	}
}
