// Package session persists ratchet states and runs every encrypt and decrypt of a
// conversation inside one serialized transaction, so a failure at any point leaves both the
// state and its skipped keys as they were.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/slick-nse/clock"
	"github.com/meow-io/slick-nse/config"
	"github.com/meow-io/slick-nse/crypto"
	"github.com/meow-io/slick-nse/ids"
	"github.com/meow-io/slick-nse/internal/db"
	"github.com/meow-io/slick-nse/keycache"
	"github.com/meow-io/slick-nse/ratchet"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/status-im/doubleratchet"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrExists   = errors.New("session: already exists")
	// ErrConflict means the stored state changed since it was loaded.
	ErrConflict = errors.New("session: state was modified concurrently")
)

type Manager struct {
	db     *database
	log    *zap.SugaredLogger
	config *config.Config
	clock  clock.Clock
	engine *ratchet.Engine
	keys   *keycache.Store
	locks  *xsync.MapOf[ids.ID, chan struct{}]
}

// Summary describes a stored session without exposing key material.
type Summary struct {
	ConversationID             ids.ID
	PublicKey                  doubleratchet.Key
	RemotePublicKey            doubleratchet.Key
	SendMessageNumber          uint32
	ReceivedMessageNumber      uint32
	PreviousSendingChainLength uint32
	CanSend                    bool
	CachedKeys                 int
	Version                    uint64
}

func NewManager(c *config.Config, internalDB *db.Database, cl clock.Clock, engine *ratchet.Engine, keys *keycache.Store) (*Manager, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	return &Manager{
		db:     d,
		log:    c.Logger("session"),
		config: c,
		clock:  cl,
		engine: engine,
		keys:   keys,
		locks:  xsync.NewMapOf[ids.ID, chan struct{}](),
	}, nil
}

// Info returns the associated data tag bound into every message of a conversation.
func (m *Manager) Info(conversationID ids.ID) []byte {
	return crypto.ContextTag(m.config.AppContext, conversationID[:])
}

// CreateInitiator stores a new session for the party that knows the peer's ratchet key.
func (m *Manager) CreateInitiator(ctx context.Context, conversationID ids.ID, secret, remotePublicKey doubleratchet.Key) error {
	st, err := m.engine.NewInitiator(secret, remotePublicKey, m.Info(conversationID), m.config.MaxSkip)
	if err != nil {
		return err
	}
	return m.Create(ctx, conversationID, st)
}

// CreateResponder stores a new session for the party owning pair.
func (m *Manager) CreateResponder(ctx context.Context, conversationID ids.ID, secret doubleratchet.Key, pair doubleratchet.DHPair) error {
	st, err := m.engine.NewResponder(secret, pair, m.Info(conversationID), m.config.MaxSkip)
	if err != nil {
		return err
	}
	return m.Create(ctx, conversationID, st)
}

func (m *Manager) Create(ctx context.Context, conversationID ids.ID, st *ratchet.State) error {
	if st.RootChainKeyPair == nil {
		return fmt.Errorf("session: state has no key pair")
	}
	if len(st.Info) == 0 {
		st.Info = m.Info(conversationID)
	}
	return m.WithConversation(ctx, conversationID, func() error {
		return m.db.RunContext(ctx, "create session", func() error {
			exists, err := m.db.hasRatchetState(conversationID)
			if err != nil {
				return err
			}
			if exists {
				return ErrExists
			}
			rs := newRatchetState(conversationID, st, m.clock.CurrentTimeMs())
			if err := m.db.insertRatchetState(rs); err != nil {
				return err
			}
			m.db.AfterCommit(func() {
				m.log.Debugf("created session %s", conversationID)
			})
			st.Version = rs.Version
			return nil
		})
	})
}

func (m *Manager) Load(ctx context.Context, conversationID ids.ID) (*ratchet.State, error) {
	var st *ratchet.State
	err := m.db.RunContext(ctx, "load session", func() error {
		var err error
		st, err = m.LoadTx(conversationID)
		return err
	})
	return st, err
}

// LoadTx expects to run inside a transaction.
func (m *Manager) LoadTx(conversationID ids.ID) (*ratchet.State, error) {
	rs, err := m.db.ratchetState(conversationID)
	if err != nil {
		return nil, err
	}
	return rs.state()
}

// Delete removes the session and all of its skipped keys.
func (m *Manager) Delete(ctx context.Context, conversationID ids.ID) error {
	// The lock entry outlives the session, a waiter may still hold the channel.
	return m.WithConversation(ctx, conversationID, func() error {
		return m.db.RunContext(ctx, "delete session", func() error {
			found, err := m.db.deleteRatchetState(conversationID)
			if err != nil {
				return err
			}
			if !found {
				return ErrNotFound
			}
			return m.keys.Clear(conversationID)
		})
	})
}

func (m *Manager) List(ctx context.Context) ([]ids.ID, error) {
	var out []ids.ID
	err := m.db.RunContext(ctx, "list sessions", func() error {
		var err error
		out, err = m.db.ratchetStateIDs()
		return err
	})
	return out, err
}

func (m *Manager) Summary(ctx context.Context, conversationID ids.ID) (*Summary, error) {
	var s *Summary
	err := m.db.RunContext(ctx, "summarize session", func() error {
		st, err := m.LoadTx(conversationID)
		if err != nil {
			return err
		}
		n, err := m.keys.ForSession(conversationID).Count()
		if err != nil {
			return err
		}
		s = &Summary{
			ConversationID:             conversationID,
			PublicKey:                  st.RootChainKeyPair.PublicKey(),
			RemotePublicKey:            st.RootChainRemotePublicKey,
			SendMessageNumber:          st.SendMessageNumber,
			ReceivedMessageNumber:      st.ReceivedMessageNumber,
			PreviousSendingChainLength: st.PreviousSendingChainLength,
			CanSend:                    len(st.SendingChainKey) != 0,
			CachedKeys:                 n,
			Version:                    st.Version,
		}
		return nil
	})
	return s, err
}

// WithConversation runs fn while holding the lock of conversationID. Different
// conversations never wait on each other here, though they still share the database
// writer. Waiting for the lock gives up when ctx is done.
func (m *Manager) WithConversation(ctx context.Context, conversationID ids.ID, fn func() error) error {
	lock, _ := m.locks.LoadOrCompute(conversationID, func() chan struct{} {
		return make(chan struct{}, 1)
	})
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("session: waiting for conversation %s: %w", conversationID, ctx.Err())
	}
	defer func() { <-lock }()
	return fn()
}

func (m *Manager) Encrypt(ctx context.Context, conversationID ids.ID, plaintext, ad []byte) (*ratchet.Message, error) {
	var msg *ratchet.Message
	err := m.WithConversation(ctx, conversationID, func() error {
		return m.db.RunContext(ctx, "encrypt", func() error {
			var err error
			msg, err = m.EncryptTx(conversationID, plaintext, ad)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (m *Manager) Decrypt(ctx context.Context, conversationID ids.ID, msg *ratchet.Message, ad []byte) ([]byte, error) {
	var plaintext []byte
	err := m.WithConversation(ctx, conversationID, func() error {
		return m.db.RunContext(ctx, "decrypt", func() error {
			var err error
			plaintext, err = m.DecryptTx(conversationID, msg, ad)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// EncryptTx expects to run inside a transaction while holding the conversation lock.
func (m *Manager) EncryptTx(conversationID ids.ID, plaintext, ad []byte) (*ratchet.Message, error) {
	st, err := m.LoadTx(conversationID)
	if err != nil {
		return nil, err
	}
	msg, err := m.engine.Encrypt(st, plaintext, ad)
	if err != nil {
		return nil, err
	}
	if err := m.save(conversationID, st); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecryptTx expects to run inside a transaction while holding the conversation lock. The
// skipped keys written and consumed by the engine share that transaction.
func (m *Manager) DecryptTx(conversationID ids.ID, msg *ratchet.Message, ad []byte) ([]byte, error) {
	st, err := m.LoadTx(conversationID)
	if err != nil {
		return nil, err
	}
	plaintext, err := m.engine.Decrypt(st, m.keys.ForSession(conversationID), msg, ad)
	if err != nil {
		if ratchet.IsFatalForMessage(err) {
			m.log.Debugf("dropping message %d for %s: %v", msg.Header.N, conversationID, err)
		}
		return nil, err
	}
	if err := m.save(conversationID, st); err != nil {
		return nil, err
	}
	if _, err := m.keys.Expire(conversationID); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (m *Manager) save(conversationID ids.ID, st *ratchet.State) error {
	rs := newRatchetState(conversationID, st, m.clock.CurrentTimeMs())
	if err := m.db.updateRatchetState(rs); err != nil {
		return err
	}
	st.Version = rs.Version
	return nil
}
