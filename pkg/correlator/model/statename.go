package model

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// IsNominal reports whether a state name denotes the nominal state
// (UP for hosts, OK for services). Everything else is a problem.
func IsNominal(state string) bool {
	return state == "OK" || state == "UP"
}

// StateToValue resolves a state name to its stored value.
func StateToValue(tx *sqlx.Tx, name string) (int64, error) {
	var v int64
	err := tx.Get(&v, tx.Rebind("SELECT idstatename FROM statename WHERE statename = ?"), name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("model: unknown state name %q", name)
	}
	return v, err
}

// ValueToState resolves a stored state value to its name.
func ValueToState(tx *sqlx.Tx, value int64) (string, error) {
	var name string
	err := tx.Get(&name, tx.Rebind("SELECT statename FROM statename WHERE idstatename = ?"), value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("model: unknown state value %d", value)
	}
	return name, err
}
