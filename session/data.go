package session

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/slick-nse/ids"
	"github.com/meow-io/slick-nse/internal/db"
	"github.com/meow-io/slick-nse/migration"
	"github.com/meow-io/slick-nse/ratchet"
)

type ratchetState struct {
	ID          []byte `db:"id"`
	RootKey     []byte `db:"root_key"`
	DhsPub      []byte `db:"dhs_pub"`
	DhsPriv     []byte `db:"dhs_priv"`
	Dhr         []byte `db:"dhr"`
	SendChKey   []byte `db:"send_ch_key"`
	RecvChKey   []byte `db:"recv_ch_key"`
	SendChCount uint32 `db:"send_ch_count"`
	RecvChCount uint32 `db:"recv_ch_count"`
	PN          uint32 `db:"pn"`
	Info        []byte `db:"info"`
	MaxSkip     uint32 `db:"max_skip"`
	Version     uint64 `db:"version"`
	CtimeMs     uint64 `db:"ctime_ms"`
	MtimeMs     uint64 `db:"mtime_ms"`
}

func (rs *ratchetState) state() (*ratchet.State, error) {
	pair, err := ratchet.NewKeyPair(rs.DhsPriv, rs.DhsPub)
	if err != nil {
		return nil, err
	}
	return &ratchet.State{
		RootKey:                    rs.RootKey,
		RootChainKeyPair:           pair,
		RootChainRemotePublicKey:   rs.Dhr,
		SendingChainKey:            rs.SendChKey,
		ReceivingChainKey:          rs.RecvChKey,
		SendMessageNumber:          rs.SendChCount,
		ReceivedMessageNumber:      rs.RecvChCount,
		PreviousSendingChainLength: rs.PN,
		Info:                       rs.Info,
		MaxSkip:                    rs.MaxSkip,
		Version:                    rs.Version,
	}, nil
}

func newRatchetState(id ids.ID, st *ratchet.State, nowMs uint64) *ratchetState {
	return &ratchetState{
		ID:          id[:],
		RootKey:     st.RootKey,
		DhsPub:      st.RootChainKeyPair.PublicKey(),
		DhsPriv:     st.RootChainKeyPair.PrivateKey(),
		Dhr:         st.RootChainRemotePublicKey,
		SendChKey:   st.SendingChainKey,
		RecvChKey:   st.ReceivingChainKey,
		SendChCount: st.SendMessageNumber,
		RecvChCount: st.ReceivedMessageNumber,
		PN:          st.PreviousSendingChainLength,
		Info:        st.Info,
		MaxSkip:     st.MaxSkip,
		Version:     st.Version,
		CtimeMs:     nowMs,
		MtimeMs:     nowMs,
	}
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}
	if err := internalDB.Migrate("_session", []*migration.Migration{
		{
			Name: "Create ratchet states",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _ratchet_states (
						id BLOB NOT NULL PRIMARY KEY,
						root_key BLOB NOT NULL,
						dhs_pub BLOB NOT NULL,
						dhs_priv BLOB NOT NULL,
						dhr BLOB,
						send_ch_key BLOB,
						recv_ch_key BLOB,
						send_ch_count INTEGER NOT NULL,
						recv_ch_count INTEGER NOT NULL,
						pn INTEGER NOT NULL,
						info BLOB NOT NULL,
						max_skip INTEGER NOT NULL,
						version INTEGER NOT NULL,
						ctime_ms INTEGER NOT NULL,
						mtime_ms INTEGER NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("session: error migrating: %w", err)
	}
	return d, nil
}

func (d *database) ratchetState(id ids.ID) (*ratchetState, error) {
	rs := &ratchetState{}
	if err := d.Tx.Get(rs, "SELECT * FROM _ratchet_states WHERE id = ?", id[:]); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, ratchet.NewStorageError("loading ratchet state", fmt.Errorf("session: %w", err))
	}
	return rs, nil
}

func (d *database) hasRatchetState(id ids.ID) (bool, error) {
	var n int
	if err := d.Tx.Get(&n, "SELECT count(*) FROM _ratchet_states WHERE id = ?", id[:]); err != nil {
		return false, ratchet.NewStorageError("checking ratchet state", fmt.Errorf("session: %w", err))
	}
	return n != 0, nil
}

func (d *database) insertRatchetState(rs *ratchetState) error {
	rs.Version = 1
	if _, err := d.Tx.NamedExec("INSERT INTO _ratchet_states (id, root_key, dhs_pub, dhs_priv, dhr, send_ch_key, recv_ch_key, send_ch_count, recv_ch_count, pn, info, max_skip, version, ctime_ms, mtime_ms) VALUES (:id, :root_key, :dhs_pub, :dhs_priv, :dhr, :send_ch_key, :recv_ch_key, :send_ch_count, :recv_ch_count, :pn, :info, :max_skip, :version, :ctime_ms, :mtime_ms)", rs); err != nil {
		return ratchet.NewStorageError("inserting ratchet state", fmt.Errorf("session: %w", err))
	}
	return nil
}

// updateRatchetState writes rs only if the stored version still equals rs.Version.
func (d *database) updateRatchetState(rs *ratchetState) error {
	res, err := d.Tx.NamedExec("UPDATE _ratchet_states SET root_key = :root_key, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, dhr = :dhr, send_ch_key = :send_ch_key, recv_ch_key = :recv_ch_key, send_ch_count = :send_ch_count, recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, version = version + 1, mtime_ms = :mtime_ms WHERE id = :id AND version = :version", rs)
	if err != nil {
		return ratchet.NewStorageError("updating ratchet state", fmt.Errorf("session: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ratchet.NewStorageError("updating ratchet state", fmt.Errorf("session: %w", err))
	}
	if n != 1 {
		return ratchet.NewStorageError("updating ratchet state", ErrConflict)
	}
	rs.Version++
	return nil
}

func (d *database) deleteRatchetState(id ids.ID) (bool, error) {
	res, err := d.Tx.Exec("DELETE FROM _ratchet_states WHERE id = ?", id[:])
	if err != nil {
		return false, ratchet.NewStorageError("deleting ratchet state", fmt.Errorf("session: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ratchet.NewStorageError("deleting ratchet state", fmt.Errorf("session: %w", err))
	}
	return n != 0, nil
}

func (d *database) ratchetStateIDs() ([]ids.ID, error) {
	var raw [][]byte
	if err := d.Tx.Select(&raw, "SELECT id FROM _ratchet_states ORDER BY ctime_ms, id"); err != nil {
		return nil, ratchet.NewStorageError("listing ratchet states", fmt.Errorf("session: %w", err))
	}
	out := make([]ids.ID, 0, len(raw))
	for _, r := range raw {
		if len(r) != len(ids.ID{}) {
			return nil, fmt.Errorf("session: malformed id %x", r)
		}
		out = append(out, ids.IDFromBytes(r))
	}
	return out, nil
}
