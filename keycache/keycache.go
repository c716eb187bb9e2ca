// Package keycache persists skipped message keys so out-of-order messages can still be
// decrypted. Keys are bounded per session by count and by age and are single use.
//
// Every operation runs on the caller's open transaction, the commit of that transaction is
// the point where a consumed or added key becomes durable.
package keycache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/slick-nse/clock"
	"github.com/meow-io/slick-nse/config"
	"github.com/meow-io/slick-nse/ids"
	"github.com/meow-io/slick-nse/internal/db"
	"github.com/meow-io/slick-nse/migration"
	"github.com/meow-io/slick-nse/ratchet"
	"github.com/status-im/doubleratchet"
	"go.uber.org/zap"
)

type Store struct {
	db      *db.Database
	log     *zap.SugaredLogger
	clock   clock.Clock
	maxKeep int
	maxAge  time.Duration
}

func NewStore(c *config.Config, d *db.Database, cl clock.Clock) (*Store, error) {
	if err := d.Migrate("_keycache", []*migration.Migration{
		{
			Name: "Create message keys",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _message_keys (
						session_id BLOB NOT NULL,
						pub_key BLOB NOT NULL,
						msg_num INTEGER NOT NULL,
						message_key BLOB NOT NULL,
						seq_num INTEGER NOT NULL,
						ctime_ms INTEGER NOT NULL,
						PRIMARY KEY (session_id, pub_key, msg_num)
					);
					CREATE INDEX message_keys_session_seq_num on _message_keys (session_id, seq_num);
					CREATE INDEX message_keys_session_ctime on _message_keys (session_id, ctime_ms);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("keycache: error migrating: %w", err)
	}

	return &Store{
		db:      d,
		log:     c.Logger("keycache"),
		clock:   cl,
		maxKeep: c.MaxKeptKeys,
		maxAge:  c.MaxKeyAge(),
	}, nil
}

// ForSession returns the cache of one session.
func (s *Store) ForSession(sessionID ids.ID) *Cache {
	return &Cache{store: s, sessionID: sessionID}
}

// Clear drops every key of a session.
func (s *Store) Clear(sessionID ids.ID) error {
	if _, err := s.db.Tx.Exec("DELETE FROM _message_keys WHERE session_id = ?", sessionID[:]); err != nil {
		return ratchet.NewStorageError("clearing message keys", err)
	}
	return nil
}

// Expire drops the keys of a session older than the configured maximum age.
func (s *Store) Expire(sessionID ids.ID) (int64, error) {
	if s.maxAge <= 0 {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-s.maxAge).UnixMilli()
	res, err := s.db.Tx.Exec("DELETE FROM _message_keys WHERE session_id = ? AND ctime_ms < ?", sessionID[:], cutoff)
	if err != nil {
		return 0, ratchet.NewStorageError("expiring message keys", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ratchet.NewStorageError("expiring message keys", err)
	}
	if n > 0 {
		s.log.Debugf("expired %d message keys for %s", n, sessionID)
	}
	return n, nil
}

type Cache struct {
	store     *Store
	sessionID ids.ID
}

var _ ratchet.KeyCache = (*Cache)(nil)

// Add stores mk for (publicKey, msgNum), overwriting any previous key, then trims the
// session down to the newest maxKeep keys.
func (c *Cache) Add(mk doubleratchet.Key, msgNum uint32, publicKey doubleratchet.Key) error {
	tx := c.store.db.Tx
	if _, err := tx.Exec(`
		INSERT INTO _message_keys (session_id, pub_key, msg_num, message_key, seq_num, ctime_ms)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq_num), 0) + 1 FROM _message_keys WHERE session_id = ?), ?)
		ON CONFLICT(session_id, pub_key, msg_num) DO UPDATE SET message_key = excluded.message_key`,
		c.sessionID[:], publicKey, msgNum, mk, c.sessionID[:], c.store.clock.CurrentTimeMs()); err != nil {
		return ratchet.NewStorageError("adding message key", err)
	}
	if c.store.maxKeep <= 0 {
		return nil
	}
	if _, err := tx.Exec(`
		DELETE FROM _message_keys WHERE session_id = ? AND seq_num NOT IN
		(SELECT seq_num FROM _message_keys WHERE session_id = ? ORDER BY seq_num DESC LIMIT ?)`,
		c.sessionID[:], c.sessionID[:], c.store.maxKeep); err != nil {
		return ratchet.NewStorageError("truncating message keys", err)
	}
	return nil
}

// MessageKey returns the key for (publicKey, msgNum). A missing key is not an error.
func (c *Cache) MessageKey(msgNum uint32, publicKey doubleratchet.Key) (doubleratchet.Key, bool, error) {
	var mk []byte
	err := c.store.db.Tx.Get(&mk, "SELECT message_key FROM _message_keys WHERE session_id = ? AND pub_key = ? AND msg_num = ?", c.sessionID[:], publicKey, msgNum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, ratchet.NewStorageError("loading message key", err)
	}
	return mk, true, nil
}

func (c *Cache) Remove(publicKey doubleratchet.Key, msgNum uint32) error {
	if _, err := c.store.db.Tx.Exec("DELETE FROM _message_keys WHERE session_id = ? AND pub_key = ? AND msg_num = ?", c.sessionID[:], publicKey, msgNum); err != nil {
		return ratchet.NewStorageError("removing message key", err)
	}
	return nil
}

func (c *Cache) Count() (int, error) {
	var n int
	if err := c.store.db.Tx.Get(&n, "SELECT count(*) FROM _message_keys WHERE session_id = ?", c.sessionID[:]); err != nil {
		return 0, ratchet.NewStorageError("counting message keys", err)
	}
	return n, nil
}
