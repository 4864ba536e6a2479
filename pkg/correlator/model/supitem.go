package model

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// ErrUnknownSupItem is returned when a (host, service) pair is not
// provisioned in the supervision model.
var ErrUnknownSupItem = errors.New("model: unknown supervised item")

// SupItem is a supervised item: a host, a host/service pair, or a
// high-level service (empty hostname).
type SupItem struct {
	ID          int64  `db:"idsupitem"`
	Hostname    string `db:"hostname"`
	Servicename string `db:"servicename"`
}

// GetSupItem resolves a (host, service) pair to its id.
// A host-only item has an empty service; an HLS has an empty host.
func GetSupItem(tx *sqlx.Tx, host, service string) (int64, error) {
	var id int64
	err := tx.Get(&id, tx.Rebind(
		"SELECT idsupitem FROM supitem WHERE hostname = ? AND servicename = ?"),
		host, service)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownSupItem
	}
	return id, err
}

// AddSupItem provisions a supervised item and returns its id.
// Used by the topology loader and by tests; the correlator itself only
// ever resolves existing items.
func AddSupItem(tx *sqlx.Tx, host, service string) (int64, error) {
	var id int64
	err := tx.Get(&id, tx.Rebind(
		"INSERT INTO supitem (hostname, servicename) VALUES (?, ?) RETURNING idsupitem"),
		host, service)
	return id, err
}
