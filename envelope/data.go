package envelope

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/slick-nse/ids"
	"github.com/meow-io/slick-nse/internal/db"
	"github.com/meow-io/slick-nse/migration"
)

type ProcessingState string

const (
	StatePending   ProcessingState = "pending"
	StateProcessed ProcessingState = "processed"
	StateFailed    ProcessingState = "failed"
)

// Record is the processing bookkeeping of one envelope id.
type Record struct {
	ID             string          `db:"id"`
	ConversationID []byte          `db:"conversation_id"`
	PayloadType    PayloadType     `db:"payload_type"`
	State          ProcessingState `db:"state"`
	Attempts       int             `db:"attempts"`
	LastError      string          `db:"last_error"`
	CtimeMs        uint64          `db:"ctime_ms"`
	MtimeMs        uint64          `db:"mtime_ms"`
}

func (r *Record) Conversation() ids.ID {
	return ids.IDFromBytes(r.ConversationID)
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}
	if err := internalDB.Migrate("_envelope", []*migration.Migration{
		{
			Name: "Create envelopes",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _envelopes (
						id TEXT NOT NULL PRIMARY KEY,
						conversation_id BLOB NOT NULL,
						payload_type INTEGER NOT NULL,
						state TEXT NOT NULL,
						attempts INTEGER NOT NULL DEFAULT 0,
						last_error TEXT NOT NULL DEFAULT '',
						ctime_ms INTEGER NOT NULL,
						mtime_ms INTEGER NOT NULL
					);
					CREATE INDEX envelopes_state_mtime on _envelopes (state, mtime_ms);
					CREATE INDEX envelopes_conversation on _envelopes (conversation_id);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("envelope: error migrating: %w", err)
	}
	return d, nil
}

func (d *database) record(id string) (*Record, error) {
	r := &Record{}
	if err := d.Tx.Get(r, "SELECT * FROM _envelopes WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("envelope: error loading %s: %w", id, err)
	}
	return r, nil
}

// admit records a new attempt for env unless it was already processed.
func (d *database) admit(env *Envelope, nowMs uint64) error {
	if _, err := d.Tx.Exec(`
		INSERT INTO _envelopes (id, conversation_id, payload_type, state, attempts, ctime_ms, mtime_ms)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, attempts = attempts + 1, mtime_ms = excluded.mtime_ms
		WHERE state != ?`,
		env.ID, env.ConversationID[:], env.Payload.Type, StatePending, nowMs, nowMs, StateProcessed); err != nil {
		return fmt.Errorf("envelope: error admitting %s: %w", env.ID, err)
	}
	return nil
}

func (d *database) markProcessed(id string, nowMs uint64) error {
	if _, err := d.Tx.Exec("UPDATE _envelopes SET state = ?, last_error = '', mtime_ms = ? WHERE id = ?", StateProcessed, nowMs, id); err != nil {
		return fmt.Errorf("envelope: error marking %s processed: %w", id, err)
	}
	return nil
}

func (d *database) markFailed(env *Envelope, cause error, nowMs uint64) error {
	if _, err := d.Tx.Exec(`
		INSERT INTO _envelopes (id, conversation_id, payload_type, state, attempts, last_error, ctime_ms, mtime_ms)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, last_error = excluded.last_error, mtime_ms = excluded.mtime_ms
		WHERE state != ?`,
		env.ID, env.ConversationID[:], env.Payload.Type, StateFailed, cause.Error(), nowMs, nowMs, StateProcessed); err != nil {
		return fmt.Errorf("envelope: error marking %s failed: %w", env.ID, err)
	}
	return nil
}

func (d *database) records(state ProcessingState) ([]*Record, error) {
	var out []*Record
	if err := d.Tx.Select(&out, "SELECT * FROM _envelopes WHERE state = ? ORDER BY mtime_ms, id", state); err != nil {
		return nil, fmt.Errorf("envelope: error listing %s: %w", state, err)
	}
	return out, nil
}

func (d *database) prune(cutoffMs int64) (int64, error) {
	res, err := d.Tx.Exec("DELETE FROM _envelopes WHERE state = ? AND mtime_ms < ?", StateProcessed, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("envelope: error pruning: %w", err)
	}
	return res.RowsAffected()
}

func (d *database) deleteConversation(conversationID ids.ID) error {
	if _, err := d.Tx.Exec("DELETE FROM _envelopes WHERE conversation_id = ?", conversationID[:]); err != nil {
		return fmt.Errorf("envelope: error deleting conversation %s: %w", conversationID, err)
	}
	return nil
}
