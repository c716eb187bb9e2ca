package envelope

import (
	"context"
	"fmt"
	"time"

	"github.com/meow-io/slick-nse/clock"
	"github.com/meow-io/slick-nse/config"
	"github.com/meow-io/slick-nse/ids"
	"github.com/meow-io/slick-nse/internal/db"
	"github.com/meow-io/slick-nse/session"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Result struct {
	EnvelopeID     string
	ConversationID ids.ID
	Type           PayloadType
	// Duplicate is set when the envelope had already been processed and nothing was delivered.
	Duplicate bool
}

type handlerError struct {
	Type PayloadType
	Err  error
}

func (e *handlerError) Error() string {
	return fmt.Sprintf("envelope: %s handler failed: %v", e.Type, e.Err)
}

func (e *handlerError) Unwrap() error {
	return e.Err
}

type Manager struct {
	db        *database
	log       *zap.SugaredLogger
	clock     clock.Clock
	sessions  *session.Manager
	registry  *Registry
	metrics   *metrics
	threshold int
	retention time.Duration
}

func NewManager(c *config.Config, internalDB *db.Database, cl clock.Clock, sessions *session.Manager, registry *Registry, reg prometheus.Registerer) (*Manager, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	return &Manager{
		db:        d,
		log:       c.Logger("envelope"),
		clock:     cl,
		sessions:  sessions,
		registry:  registry,
		metrics:   newMetrics(reg),
		threshold: c.CompressThreshold,
		retention: c.EnvelopeRetention(),
	}, nil
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

// ProcessRaw decodes raw and processes it.
func (m *Manager) ProcessRaw(ctx context.Context, raw []byte) (*Result, error) {
	env, err := Decode(raw)
	if err != nil {
		m.metrics.failed.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}
	return m.Process(ctx, env)
}

// Process decrypts env and hands its payload to the registered handler. The ratchet step,
// the consumed and skipped keys, the handler call and the processed mark commit together;
// if any of them fails nothing is kept and the envelope is marked failed so a redelivery
// tries again. A handler which returned nil is not called again for the same id, even when
// ctx expired while it ran. An envelope which was processed before is reported as a duplicate.
func (m *Manager) Process(ctx context.Context, env *Envelope) (*Result, error) {
	if err := env.validate(); err != nil {
		m.metrics.failed.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}
	res := &Result{EnvelopeID: env.ID, ConversationID: env.ConversationID, Type: env.Payload.Type}

	duplicate, err := m.admit(ctx, env)
	if err != nil {
		m.metrics.failed.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}
	if duplicate {
		return m.duplicate(res), nil
	}

	err = m.process(ctx, env, res)
	if err != nil {
		m.fail(env, err)
		return nil, err
	}
	if res.Duplicate {
		return m.duplicate(res), nil
	}
	m.metrics.processed.WithLabelValues(env.Payload.Type.String()).Inc()
	m.log.Debugf("processed envelope %s for %s", env.ID, env.ConversationID)
	return res, nil
}

func (m *Manager) admit(ctx context.Context, env *Envelope) (bool, error) {
	duplicate := false
	err := m.db.RunContext(ctx, "admit envelope", func() error {
		r, err := m.db.record(env.ID)
		if err != nil {
			return err
		}
		if r != nil && r.State == StateProcessed {
			duplicate = true
			return nil
		}
		return m.db.admit(env, m.clock.CurrentTimeMs())
	})
	return duplicate, err
}

func (m *Manager) process(ctx context.Context, env *Envelope, res *Result) error {
	msg, err := decodeMessage(env.Payload.Data)
	if err != nil {
		return err
	}
	handler, ok := m.registry.Lookup(env.Payload.Type)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, env.Payload.Type)
	}

	// The transaction is not bound to ctx. Once the handler accepted the delivery it
	// commits even if the budget ran out meanwhile, a rollback would deliver it again.
	return m.sessions.WithConversation(ctx, env.ConversationID, func() error {
		return m.db.RunContext(context.WithoutCancel(ctx), "process envelope", func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// a concurrent delivery of the same id may have won the lock first
			r, err := m.db.record(env.ID)
			if err != nil {
				return err
			}
			if r != nil && r.State == StateProcessed {
				res.Duplicate = true
				return nil
			}

			framed, err := m.sessions.DecryptTx(env.ConversationID, msg, env.Payload.Type.associatedData())
			if err != nil {
				return err
			}
			body, err := unframe(framed)
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler.Handle(ctx, &Delivery{
				EnvelopeID:     env.ID,
				ConversationID: env.ConversationID,
				Type:           env.Payload.Type,
				Data:           body,
			}); err != nil {
				return &handlerError{Type: env.Payload.Type, Err: err}
			}
			return m.db.markProcessed(env.ID, m.clock.CurrentTimeMs())
		})
	})
}

func (m *Manager) duplicate(res *Result) *Result {
	res.Duplicate = true
	m.metrics.duplicates.Inc()
	m.log.Debugf("envelope %s already processed", res.EnvelopeID)
	return res
}

// fail records cause outside the rolled back transaction. It does not use the caller's
// context since that is commonly the one which expired.
func (m *Manager) fail(env *Envelope, cause error) {
	reason := failureReason(cause)
	m.metrics.failed.WithLabelValues(reason).Inc()
	m.log.Infof("envelope %s for %s failed (%s): %v", env.ID, env.ConversationID, reason, cause)
	if err := m.db.Run("mark envelope failed", func() error {
		return m.db.markFailed(env, cause, m.clock.CurrentTimeMs())
	}); err != nil {
		m.log.Warnf("error recording failure of envelope %s: %v", env.ID, err)
	}
}

// Seal encrypts plaintext for conversationID into an envelope. An empty id gets a random one.
func (m *Manager) Seal(ctx context.Context, conversationID ids.ID, id string, t PayloadType, plaintext []byte) (*Envelope, error) {
	if id == "" {
		id = ids.NewID().String()
	}
	msg, err := m.sessions.Encrypt(ctx, conversationID, frame(plaintext, m.threshold), t.associatedData())
	if err != nil {
		return nil, err
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("envelope: error encoding message: %w", err)
	}
	return &Envelope{
		ID:             id,
		ConversationID: conversationID,
		Payload:        Payload{Type: t, Data: data},
	}, nil
}

// State returns the processing record of an envelope id, ErrUnknown if it was never seen.
func (m *Manager) State(ctx context.Context, id string) (*Record, error) {
	var r *Record
	err := m.db.RunContext(ctx, "envelope state", func() error {
		var err error
		if r, err = m.db.record(id); err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("%w: %s", ErrUnknown, id)
		}
		return nil
	})
	return r, err
}

// Records lists envelopes in the given state, oldest first.
func (m *Manager) Records(ctx context.Context, state ProcessingState) ([]*Record, error) {
	var out []*Record
	err := m.db.RunContext(ctx, "list envelopes", func() error {
		var err error
		out, err = m.db.records(state)
		return err
	})
	return out, err
}

// Prune drops processed records older than the retention period. Redelivery of a pruned
// envelope is rejected by the ratchet as a replay instead.
func (m *Manager) Prune(ctx context.Context) (int64, error) {
	cutoff := m.clock.Now().Add(-m.retention).UnixMilli()
	var n int64
	err := m.db.RunContext(ctx, "prune envelopes", func() error {
		var err error
		n, err = m.db.prune(cutoff)
		return err
	})
	if err == nil && n > 0 {
		m.log.Infof("pruned %d envelopes", n)
	}
	return n, err
}

// DeleteConversation removes a conversation's session, its keys and its envelope records.
func (m *Manager) DeleteConversation(ctx context.Context, conversationID ids.ID) error {
	if err := m.sessions.Delete(ctx, conversationID); err != nil {
		return err
	}
	return m.db.RunContext(ctx, "delete conversation envelopes", func() error {
		return m.db.deleteConversation(conversationID)
	})
}
