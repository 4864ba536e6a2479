// Package wire defines the bus message formats.
//
// Inbound items wrap exactly one payload element under a namespace that
// identifies its kind. Parsing produces a tagged variant (Event, Ticket,
// ComputationOrder or Other) so downstream code is statically dispatched
// instead of probing a DOM.
package wire

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Namespaces for the payload kinds.
const (
	NSEvent            = "http://correlator.dev/xmlns/event1"
	NSTicket           = "http://correlator.dev/xmlns/ticket1"
	NSComputationOrder = "http://correlator.dev/xmlns/computation-order1"
	NSState            = "http://correlator.dev/xmlns/state1"
	NSCorrevent        = "http://correlator.dev/xmlns/correvent1"
)

// Kind identifies the payload variant carried by an item.
type Kind int

const (
	// KindOther marks payloads the correlator does not handle.
	KindOther Kind = iota
	// KindEvent is a host/service state change.
	KindEvent
	// KindTicket is an incident-ticket mutation.
	KindTicket
	// KindComputationOrder requests recomputation of HLS states.
	KindComputationOrder
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindTicket:
		return "ticket"
	case KindComputationOrder:
		return "computation_order"
	default:
		return "other"
	}
}

// Event is a host/service state-change notification.
//
// Host is empty for events targeting a high-level service; Service is
// empty for host-only events. Timestamp is a unix timestamp.
type Event struct {
	XMLName     xml.Name `xml:"event"`
	Timestamp   int64    `xml:"timestamp"`
	Host        string   `xml:"host"`
	Service     string   `xml:"service"`
	State       string   `xml:"state"`
	Message     string   `xml:"message"`
	ImpactedHLS []string `xml:"impacted_HLS"`
	TicketID    string   `xml:"ticket_id"`
	AckStatus   string   `xml:"acknowledgement_status"`
}

// Ticket is an incident-ticket mutation.
type Ticket struct {
	XMLName   xml.Name `xml:"ticket"`
	Timestamp int64    `xml:"timestamp"`
	Host      string   `xml:"host"`
	Service   string   `xml:"service"`
	TicketID  string   `xml:"ticket_id"`
	AckStatus string   `xml:"acknowledgement_status"`
	Message   string   `xml:"message"`
}

// ComputationOrder lists high-level services whose state must be recomputed.
type ComputationOrder struct {
	XMLName xml.Name `xml:"computation_order"`
	HLS     []string `xml:"hls"`
}

// Item is one bus item: a message id plus exactly one payload.
type Item struct {
	// ID is the unique message id. Required.
	ID string

	// Kind tags which of the payload fields is set.
	Kind Kind

	// Payload is the serialized payload element, preserved verbatim for
	// the context store and the rule runners.
	Payload []byte

	Event            *Event
	Ticket           *Ticket
	ComputationOrder *ComputationOrder
}

// envelope is the raw decoded form of an inbound item.
type envelope struct {
	XMLName xml.Name `xml:"item"`
	ID      string   `xml:"id,attr"`
	Inner   []byte   `xml:",innerxml"`
}

// ErrMissingID is returned when an inbound item has no id attribute.
var ErrMissingID = fmt.Errorf("wire: item has no message id")

// Decode parses one serialized bus item into its tagged variant.
//
// Unrecognized payload namespaces decode to KindOther with the raw
// payload preserved; the caller decides whether to drop or log.
func Decode(raw []byte) (*Item, error) {
	var env envelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("wire: decode item: %w", err)
	}
	if env.ID == "" {
		return nil, ErrMissingID
	}

	payload := bytes.TrimSpace(env.Inner)
	item := &Item{
		ID:      env.ID,
		Kind:    KindOther,
		Payload: payload,
	}
	if len(payload) == 0 {
		return item, nil
	}

	name, err := rootName(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: decode payload: %w", err)
	}

	switch {
	case name.Space == NSEvent && name.Local == "event":
		var evt Event
		if err := xml.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("wire: decode event: %w", err)
		}
		item.Kind = KindEvent
		item.Event = &evt

	case name.Space == NSTicket && name.Local == "ticket":
		var tck Ticket
		if err := xml.Unmarshal(payload, &tck); err != nil {
			return nil, fmt.Errorf("wire: decode ticket: %w", err)
		}
		item.Kind = KindTicket
		item.Ticket = &tck

	case name.Space == NSComputationOrder && name.Local == "computation_order":
		var ord ComputationOrder
		if err := xml.Unmarshal(payload, &ord); err != nil {
			return nil, fmt.Errorf("wire: decode computation order: %w", err)
		}
		item.Kind = KindComputationOrder
		item.ComputationOrder = &ord
	}

	return item, nil
}

// rootName returns the qualified name of the first start element.
func rootName(payload []byte) (xml.Name, error) {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.Name{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name, nil
		}
	}
}
