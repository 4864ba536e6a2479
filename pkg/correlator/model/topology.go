package model

import (
	"github.com/jmoiron/sqlx"
)

// The dependency tables store the transitive closure of the topology:
// one row per (dependent, ancestor) pair with its distance, maintained
// by the topology pipeline. Queries here are plain joins, never walks.

// Ancestor is a supervised item the dependent transitively depends on.
type Ancestor struct {
	IDSupItem int64 `db:"idsupitem"`
	Distance  int64 `db:"distance"`
}

// AddDependencyGroup provisions a topology group for a dependent item.
func AddDependencyGroup(tx *sqlx.Tx, iddependent int64) (int64, error) {
	var id int64
	err := tx.Get(&id, tx.Rebind(
		"INSERT INTO dependency_group (iddependent, role, operator) VALUES (?, 'topology', '|') RETURNING idgroup"),
		iddependent)
	return id, err
}

// AddDependency provisions one closure edge inside a group.
func AddDependency(tx *sqlx.Tx, idgroup, idsupitem, distance int64) error {
	_, err := tx.Exec(tx.Rebind(
		"INSERT INTO dependency (idgroup, idsupitem, distance) VALUES (?, ?, ?)"),
		idgroup, idsupitem, distance)
	return err
}

// Ancestors returns every item the given one transitively depends on,
// nearest first.
func Ancestors(tx *sqlx.Tx, idsupitem int64) ([]Ancestor, error) {
	var out []Ancestor
	err := tx.Select(&out, tx.Rebind(`
		SELECT d.idsupitem, MIN(d.distance) AS distance
		FROM dependency d
		JOIN dependency_group g ON g.idgroup = d.idgroup
		WHERE g.iddependent = ? AND g.role = 'topology'
		GROUP BY d.idsupitem
		ORDER BY distance, d.idsupitem`),
		idsupitem)
	return out, err
}

// ProblematicAncestors returns the ancestors whose raw event is
// currently in a problem state, nearest first.
func ProblematicAncestors(tx *sqlx.Tx, idsupitem int64) ([]Ancestor, error) {
	var out []Ancestor
	err := tx.Select(&out, tx.Rebind(`
		SELECT d.idsupitem, MIN(d.distance) AS distance
		FROM dependency d
		JOIN dependency_group g ON g.idgroup = d.idgroup
		JOIN event e ON e.idsupitem = d.idsupitem
		JOIN statename s ON s.idstatename = e.current_state
		WHERE g.iddependent = ? AND g.role = 'topology' AND s.nominal = 0
		GROUP BY d.idsupitem
		ORDER BY distance, d.idsupitem`),
		idsupitem)
	return out, err
}

// DependsOn reports whether `dependent` transitively depends on
// `ancestor` per the current topology.
func DependsOn(tx *sqlx.Tx, dependent, ancestor int64) (bool, error) {
	var n int
	err := tx.Get(&n, tx.Rebind(`
		SELECT COUNT(*) FROM dependency d
		JOIN dependency_group g ON g.idgroup = d.idgroup
		WHERE g.iddependent = ? AND g.role = 'topology' AND d.idsupitem = ?`),
		dependent, ancestor)
	return n > 0, err
}
