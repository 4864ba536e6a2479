package model

import (
	"errors"

	"github.com/jmoiron/sqlx"
)

// ErrNoProblem short-circuits the pipeline: the incoming state is
// nominal and no aggregate exists for the item, so there is nothing to
// correlate. It is a success, not a failure.
var ErrNoProblem = errors.New("model: nominal state with no open aggregate")

// InsertEvent records a history entry for a host or service event and
// returns the raw event id.
//
// Returns ErrNoProblem when the incoming state is nominal and no
// aggregate references the item as its cause.
func InsertEvent(tx *sqlx.Tx, info EventInfo, prev PreviousState) (int64, error) {
	if IsNominal(info.State) {
		var n int
		err := tx.Get(&n, tx.Rebind(`
			SELECT COUNT(*) FROM correvent c
			JOIN event e ON e.idevent = c.idcause
			WHERE e.idsupitem = ?`),
			info.IDSupItem)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, ErrNoProblem
		}
	}

	value, err := StateToValue(tx, info.State)
	if err != nil {
		return 0, err
	}
	_, err = tx.Exec(tx.Rebind(
		"INSERT INTO event_history (idevent, state, message, timestamp) VALUES (?, ?, ?, ?)"),
		prev.RawEventID, value, info.Message, info.Timestamp)
	if err != nil {
		return 0, err
	}
	return prev.RawEventID, nil
}

// InsertHLSHistory records a history entry for a high-level service.
// HLS events never produce aggregates, so there is no raw event id.
func InsertHLSHistory(tx *sqlx.Tx, info EventInfo) error {
	value, err := StateToValue(tx, info.State)
	if err != nil {
		return err
	}
	_, err = tx.Exec(tx.Rebind(
		"INSERT INTO hls_history (idsupitem, state, message, timestamp) VALUES (?, ?, ?, ?)"),
		info.IDSupItem, value, info.Message, info.Timestamp)
	return err
}
