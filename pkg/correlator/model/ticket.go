package model

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// TicketInfo carries the fields of an incident-ticket mutation.
type TicketInfo struct {
	Host      string
	Service   string
	TicketID  string
	AckStatus string
}

// ackFromStatus maps the wire acknowledgement status to the stored
// state. Unknown values leave the state untouched.
func ackFromStatus(status string) (int64, bool) {
	switch status {
	case "NONE":
		return AckNone, true
	case "ACK":
		return AckAcknowledged, true
	case "CLOSED":
		return AckClosed, true
	}
	return 0, false
}

// HandleTicket applies a ticket mutation to the matching aggregates.
//
// Aggregates are matched by trouble-ticket reference first; when the
// ticket is not yet attached anywhere, it is attached to the open
// aggregate of the (host, service) item named in the message.
func HandleTicket(tx *sqlx.Tx, info TicketInfo) error {
	if info.TicketID == "" {
		return errors.New("model: ticket message without ticket id")
	}

	var ids []int64
	err := tx.Select(&ids, tx.Rebind(
		"SELECT idcorrevent FROM correvent WHERE trouble_ticket = ?"),
		info.TicketID)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		idsupitem, err := GetSupItem(tx, info.Host, info.Service)
		if err != nil {
			return fmt.Errorf("model: ticket %s targets no aggregate: %w", info.TicketID, err)
		}
		id, err := CorreventForCause(tx, idsupitem)
		if err != nil {
			return err
		}
		if id == 0 {
			return fmt.Errorf("model: ticket %s targets no aggregate", info.TicketID)
		}
		if err := SetTroubleTicket(tx, id, info.TicketID); err != nil {
			return err
		}
		ids = []int64{id}
	}

	ack, ok := ackFromStatus(info.AckStatus)
	if !ok {
		return nil
	}
	for _, id := range ids {
		if err := SetAck(tx, id, ack); err != nil {
			return err
		}
	}
	return nil
}
