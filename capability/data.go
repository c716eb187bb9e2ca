// Package capability provides the privileged services whose behaviour depends on the
// execution context. The primary application gets the full variant, the extension gets a
// variant which serves stored data and refuses every mutation with ErrUnavailableInContext.
package capability

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/slick-nse/internal/db"
	"github.com/meow-io/slick-nse/migration"
)

// ErrUnavailableInContext is returned by any privileged operation outside the primary
// execution context.
var ErrUnavailableInContext = errors.New("capability: unavailable in this execution context")

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}
	if err := internalDB.Migrate("_capability", []*migration.Migration{
		{
			Name: "Create locations and accounts",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _capability_locations (
						id INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
						latitude REAL NOT NULL,
						longitude REAL NOT NULL,
						accuracy REAL NOT NULL,
						timestamp_ms INTEGER NOT NULL
					);
					CREATE TABLE _capability_accounts (
						id INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
						user_id TEXT NOT NULL,
						display_name TEXT NOT NULL,
						signed_in_ms INTEGER NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("capability: error migrating: %w", err)
	}
	return d, nil
}

func (d *database) location() (*Location, error) {
	l := &Location{}
	if err := d.Tx.Get(l, "SELECT latitude, longitude, accuracy, timestamp_ms FROM _capability_locations WHERE id = 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoLocation
		}
		return nil, fmt.Errorf("capability: error loading location: %w", err)
	}
	return l, nil
}

func (d *database) saveLocation(l *Location) error {
	if _, err := d.Tx.NamedExec(`
		INSERT INTO _capability_locations (id, latitude, longitude, accuracy, timestamp_ms)
		VALUES (1, :latitude, :longitude, :accuracy, :timestamp_ms)
		ON CONFLICT(id) DO UPDATE SET latitude = excluded.latitude, longitude = excluded.longitude,
		accuracy = excluded.accuracy, timestamp_ms = excluded.timestamp_ms
		WHERE excluded.timestamp_ms >= timestamp_ms`, l); err != nil {
		return fmt.Errorf("capability: error saving location: %w", err)
	}
	return nil
}

func (d *database) user() (*User, error) {
	u := &User{}
	if err := d.Tx.Get(u, "SELECT user_id, display_name, signed_in_ms FROM _capability_accounts WHERE id = 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSignedOut
		}
		return nil, fmt.Errorf("capability: error loading user: %w", err)
	}
	return u, nil
}

func (d *database) saveUser(u *User) error {
	if _, err := d.Tx.NamedExec(`
		INSERT INTO _capability_accounts (id, user_id, display_name, signed_in_ms)
		VALUES (1, :user_id, :display_name, :signed_in_ms)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, display_name = excluded.display_name,
		signed_in_ms = excluded.signed_in_ms`, u); err != nil {
		return fmt.Errorf("capability: error saving user: %w", err)
	}
	return nil
}

func (d *database) deleteUser() error {
	if _, err := d.Tx.Exec("DELETE FROM _capability_accounts WHERE id = 1"); err != nil {
		return fmt.Errorf("capability: error deleting user: %w", err)
	}
	return nil
}
