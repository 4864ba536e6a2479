package model

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// RawEvent is the current state record of a supervised item. One row
// per SupItem, mutated in place on each state change; never deleted.
type RawEvent struct {
	ID           int64  `db:"idevent"`
	IDSupItem    int64  `db:"idsupitem"`
	CurrentState int64  `db:"current_state"`
	Message      string `db:"message"`
	Timestamp    int64  `db:"timestamp"`
}

// EventInfo carries the fields extracted from one event payload.
// Host is empty when the event targets a high-level service.
type EventInfo struct {
	Host      string
	Service   string
	State     string
	Timestamp int64
	Message   string
	TicketID  string
	AckStatus string

	// IDSupItem is resolved by the ingestor before insertion.
	IDSupItem int64
}

// OldStateError reports an incoming state older than the stored one.
// The pipeline ends silently on this marker; it is not a failure.
type OldStateError struct {
	Current  int64 // timestamp of the stored state
	Received int64 // timestamp of the incoming message
}

// Error implements the error interface.
func (e *OldStateError) Error() string {
	return fmt.Sprintf("model: old state received (current %d, received %d)", e.Current, e.Received)
}

// PreviousState describes the raw event before an InsertState upsert.
type PreviousState struct {
	// RawEventID is the raw event row, created if absent.
	RawEventID int64

	// State is the state value before the upsert. Zero when the row
	// was just created.
	State int64

	// Existed is false when this upsert created the row.
	Existed bool
}

// InsertState upserts the raw event row for the item in info.
//
// This call is authoritative about "is this a new state": if the stored
// timestamp is newer than the incoming one, *OldStateError is returned
// and nothing is written.
func InsertState(tx *sqlx.Tx, info EventInfo) (PreviousState, error) {
	value, err := StateToValue(tx, info.State)
	if err != nil {
		return PreviousState{}, err
	}

	var current RawEvent
	err = tx.Get(&current, tx.Rebind(
		"SELECT idevent, idsupitem, current_state, message, timestamp FROM event WHERE idsupitem = ?"),
		info.IDSupItem)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var id int64
		err := tx.Get(&id, tx.Rebind(
			"INSERT INTO event (idsupitem, current_state, message, timestamp) VALUES (?, ?, ?, ?) RETURNING idevent"),
			info.IDSupItem, value, info.Message, info.Timestamp)
		if err != nil {
			return PreviousState{}, err
		}
		return PreviousState{RawEventID: id}, nil

	case err != nil:
		return PreviousState{}, err
	}

	// Strictly older states are rejected; an equal timestamp must go
	// through so that a re-enqueued message can finish its pipeline.
	if current.Timestamp > info.Timestamp {
		return PreviousState{}, &OldStateError{Current: current.Timestamp, Received: info.Timestamp}
	}

	_, err = tx.Exec(tx.Rebind(
		"UPDATE event SET current_state = ?, message = ?, timestamp = ? WHERE idevent = ?"),
		value, info.Message, info.Timestamp, current.ID)
	if err != nil {
		return PreviousState{}, err
	}
	return PreviousState{RawEventID: current.ID, State: current.CurrentState, Existed: true}, nil
}

// GetRawEvent loads the raw event row by id.
func GetRawEvent(tx *sqlx.Tx, idevent int64) (RawEvent, error) {
	var ev RawEvent
	err := tx.Get(&ev, tx.Rebind(
		"SELECT idevent, idsupitem, current_state, message, timestamp FROM event WHERE idevent = ?"),
		idevent)
	return ev, err
}

// RawEventForSupItem loads the raw event row for a supervised item.
// Returns sql.ErrNoRows when the item has never raised an event.
func RawEventForSupItem(tx *sqlx.Tx, idsupitem int64) (RawEvent, error) {
	var ev RawEvent
	err := tx.Get(&ev, tx.Rebind(
		"SELECT idevent, idsupitem, current_state, message, timestamp FROM event WHERE idsupitem = ?"),
		idsupitem)
	return ev, err
}
