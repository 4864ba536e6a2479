package model

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// Acknowledgement states of an aggregate.
const (
	AckNone int64 = iota
	AckAcknowledged
	AckClosed
)

// Correvent is an aggregate of raw events sharing a causal root. The
// cause's supervised item defines the aggregate's subject.
type Correvent struct {
	ID              int64          `db:"idcorrevent"`
	IDCause         int64          `db:"idcause"`
	Priority        int64          `db:"priority"`
	TroubleTicket   sql.NullString `db:"trouble_ticket"`
	Ack             int64          `db:"ack"`
	Occurrence      int64          `db:"occurrence"`
	TimestampActive int64          `db:"timestamp_active"`
}

// CreateCorrevent creates an aggregate rooted at the given raw event.
// The cause is always a member of its own aggregate.
func CreateCorrevent(tx *sqlx.Tx, idcause int64, priority int64, timestamp int64) (int64, error) {
	var id int64
	err := tx.Get(&id, tx.Rebind(
		"INSERT INTO correvent (idcause, priority, ack, occurrence, timestamp_active) VALUES (?, ?, ?, 1, ?) RETURNING idcorrevent"),
		idcause, priority, AckNone, timestamp)
	if err != nil {
		return 0, err
	}
	if err := AddMember(tx, id, idcause); err != nil {
		return 0, err
	}
	return id, nil
}

// GetCorrevent loads an aggregate by id.
func GetCorrevent(tx *sqlx.Tx, id int64) (Correvent, error) {
	var cv Correvent
	err := tx.Get(&cv, tx.Rebind(
		"SELECT idcorrevent, idcause, priority, trouble_ticket, ack, occurrence, timestamp_active FROM correvent WHERE idcorrevent = ?"),
		id)
	return cv, err
}

// CorreventForCause returns the id of the aggregate whose cause is the
// given item's raw event, or 0 when none exists.
func CorreventForCause(tx *sqlx.Tx, idsupitem int64) (int64, error) {
	var id int64
	err := tx.Get(&id, tx.Rebind(`
		SELECT c.idcorrevent FROM correvent c
		JOIN event e ON e.idevent = c.idcause
		WHERE e.idsupitem = ?`),
		idsupitem)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

// AddMember attaches a raw event to an aggregate. Set semantics:
// adding an existing member is a no-op.
func AddMember(tx *sqlx.Tx, idcorrevent, idevent int64) error {
	var n int
	err := tx.Get(&n, tx.Rebind(
		"SELECT COUNT(*) FROM correvent_event WHERE idcorrevent = ? AND idevent = ?"),
		idcorrevent, idevent)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = tx.Exec(tx.Rebind(
		"INSERT INTO correvent_event (idcorrevent, idevent) VALUES (?, ?)"),
		idcorrevent, idevent)
	return err
}

// RemoveMember detaches a raw event from an aggregate.
func RemoveMember(tx *sqlx.Tx, idcorrevent, idevent int64) error {
	_, err := tx.Exec(tx.Rebind(
		"DELETE FROM correvent_event WHERE idcorrevent = ? AND idevent = ?"),
		idcorrevent, idevent)
	return err
}

// Members returns the raw event ids attached to an aggregate, sorted.
func Members(tx *sqlx.Tx, idcorrevent int64) ([]int64, error) {
	var ids []int64
	err := tx.Select(&ids, tx.Rebind(
		"SELECT idevent FROM correvent_event WHERE idcorrevent = ? ORDER BY idevent"),
		idcorrevent)
	return ids, err
}

// DeleteCorrevent removes an aggregate and its membership rows.
// Only merges delete aggregates; desaggregation keeps them as history.
func DeleteCorrevent(tx *sqlx.Tx, id int64) error {
	if _, err := tx.Exec(tx.Rebind(
		"DELETE FROM correvent_event WHERE idcorrevent = ?"), id); err != nil {
		return err
	}
	_, err := tx.Exec(tx.Rebind(
		"DELETE FROM correvent WHERE idcorrevent = ?"), id)
	return err
}

// BumpOccurrence increments the occurrence counter and refreshes the
// activation timestamp.
func BumpOccurrence(tx *sqlx.Tx, id int64, timestamp int64) error {
	_, err := tx.Exec(tx.Rebind(
		"UPDATE correvent SET occurrence = occurrence + 1, timestamp_active = ? WHERE idcorrevent = ?"),
		timestamp, id)
	return err
}

// SetPriority stores a recomputed priority.
func SetPriority(tx *sqlx.Tx, id int64, priority int64) error {
	_, err := tx.Exec(tx.Rebind(
		"UPDATE correvent SET priority = ? WHERE idcorrevent = ?"), priority, id)
	return err
}

// SetTroubleTicket attaches a ticket reference to an aggregate.
func SetTroubleTicket(tx *sqlx.Tx, id int64, ticket string) error {
	_, err := tx.Exec(tx.Rebind(
		"UPDATE correvent SET trouble_ticket = ? WHERE idcorrevent = ?"), ticket, id)
	return err
}

// SetAck updates the acknowledgement state.
func SetAck(tx *sqlx.Tx, id int64, ack int64) error {
	_, err := tx.Exec(tx.Rebind(
		"UPDATE correvent SET ack = ? WHERE idcorrevent = ?"), ack, id)
	return err
}

// CorreventsContaining returns the ids of live aggregates that contain
// the raw event as a member, excluding the given aggregate. Live means
// the aggregate's cause is still in a problem state.
func CorreventsContaining(tx *sqlx.Tx, idevent int64, excluding int64) ([]int64, error) {
	var ids []int64
	err := tx.Select(&ids, tx.Rebind(`
		SELECT ce.idcorrevent FROM correvent_event ce
		JOIN correvent c ON c.idcorrevent = ce.idcorrevent
		JOIN event cause ON cause.idevent = c.idcause
		JOIN statename s ON s.idstatename = cause.current_state
		WHERE ce.idevent = ? AND ce.idcorrevent <> ? AND s.nominal = 0
		ORDER BY ce.idcorrevent`),
		idevent, excluding)
	return ids, err
}

// LiveCorreventsForCause returns the ids of aggregates whose cause is
// the item's raw event and whose cause state is still a problem.
func LiveCorreventsForCause(tx *sqlx.Tx, idsupitem int64) ([]int64, error) {
	var ids []int64
	err := tx.Select(&ids, tx.Rebind(`
		SELECT c.idcorrevent FROM correvent c
		JOIN event e ON e.idevent = c.idcause
		JOIN statename s ON s.idstatename = e.current_state
		WHERE e.idsupitem = ? AND s.nominal = 0`),
		idsupitem)
	return ids, err
}
