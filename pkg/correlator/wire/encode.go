package wire

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// State is the outbound post-correlation state of a supervised item.
type State struct {
	XMLName   xml.Name `xml:"state"`
	Timestamp int64    `xml:"timestamp"`
	Host      string   `xml:"host"`
	Service   string   `xml:"service"`
	State     string   `xml:"state"`
	Message   string   `xml:"message"`
}

// Correvent is the outbound aggregate notification.
type Correvent struct {
	XMLName     xml.Name `xml:"correvent"`
	ID          int64    `xml:"id"`
	Cause       int64    `xml:"cause"`
	Priority    int      `xml:"priority"`
	Occurrence  int      `xml:"occurrence"`
	State       string   `xml:"state"`
	Host        string   `xml:"host"`
	Service     string   `xml:"service"`
	RawEventIDs []int64  `xml:"raw_events>raw_event"`
}

// EncodeState serializes a state payload wrapped in a bus item.
func EncodeState(msgID string, st State) ([]byte, error) {
	return encodeItem(msgID, NSState, st)
}

// EncodeCorrevent serializes a correvent notification wrapped in a bus item.
func EncodeCorrevent(msgID string, cv Correvent) ([]byte, error) {
	return encodeItem(msgID, NSCorrevent, cv)
}

// encodeItem wraps a payload in the bus item framing with its namespace.
func encodeItem(msgID, ns string, payload any) ([]byte, error) {
	body, err := xml.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}

	// Inject the xmlns attribute on the root element. encoding/xml does
	// not emit a default namespace from struct tags alone.
	idx := bytes.IndexAny(body, " >")
	if idx < 0 {
		return nil, fmt.Errorf("wire: malformed payload encoding")
	}
	var buf bytes.Buffer
	buf.WriteString(`<item id="`)
	xml.EscapeText(&buf, []byte(msgID))
	buf.WriteString(`">`)
	buf.Write(body[:idx])
	fmt.Fprintf(&buf, ` xmlns=%q`, ns)
	buf.Write(body[idx:])
	buf.WriteString(`</item>`)
	return buf.Bytes(), nil
}
