package relay

import (
	"encoding/json"
	"fmt"

	"relayspaces/internal/core/domain"
)

// NIP-01 message labels.
const (
	LabelEvent  = "EVENT"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelOK     = "OK"
	LabelEOSE   = "EOSE"
	LabelClosed = "CLOSED"
	LabelNotice = "NOTICE"
)

// Message is one relay protocol frame in either direction.
type Message struct {
	Label   string
	SubID   string
	Event   *domain.Event
	Filters []domain.Filter
	EventID string
	OK      bool
	Text    string
}

func (m Message) MarshalJSON() ([]byte, error) {
	var frame []interface{}
	switch m.Label {
	case LabelEvent:
		if m.SubID != "" {
			frame = []interface{}{m.Label, m.SubID, m.Event}
		} else {
			frame = []interface{}{m.Label, m.Event}
		}
	case LabelReq:
		frame = []interface{}{m.Label, m.SubID}
		for _, f := range m.Filters {
			frame = append(frame, f)
		}
	case LabelClose, LabelEOSE:
		frame = []interface{}{m.Label, m.SubID}
	case LabelClosed:
		frame = []interface{}{m.Label, m.SubID, m.Text}
	case LabelOK:
		frame = []interface{}{m.Label, m.EventID, m.OK, m.Text}
	case LabelNotice:
		frame = []interface{}{m.Label, m.Text}
	default:
		return nil, fmt.Errorf("unknown message label %q", m.Label)
	}
	return json.Marshal(frame)
}

// ParseMessage decodes a frame. An EVENT with two elements is a client
// publish, with three a relay delivery.
func ParseMessage(data []byte) (Message, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, fmt.Errorf("frame is not a json array: %w", err)
	}
	if len(raw) < 2 {
		return Message{}, fmt.Errorf("frame too short")
	}
	var m Message
	if err := json.Unmarshal(raw[0], &m.Label); err != nil {
		return Message{}, fmt.Errorf("frame label: %w", err)
	}

	str := func(i int, dst *string) error {
		if i >= len(raw) {
			return fmt.Errorf("%s: missing element %d", m.Label, i)
		}
		return json.Unmarshal(raw[i], dst)
	}
	event := func(i int) error {
		m.Event = &domain.Event{}
		return json.Unmarshal(raw[i], m.Event)
	}

	var err error
	switch m.Label {
	case LabelEvent:
		if len(raw) == 2 {
			err = event(1)
		} else if err = str(1, &m.SubID); err == nil {
			err = event(2)
		}
	case LabelReq:
		if err = str(1, &m.SubID); err != nil {
			break
		}
		for _, r := range raw[2:] {
			var f domain.Filter
			if err = json.Unmarshal(r, &f); err != nil {
				break
			}
			m.Filters = append(m.Filters, f)
		}
	case LabelClose, LabelEOSE:
		err = str(1, &m.SubID)
	case LabelClosed:
		if err = str(1, &m.SubID); err == nil && len(raw) > 2 {
			err = str(2, &m.Text)
		}
	case LabelOK:
		if len(raw) < 3 {
			return Message{}, fmt.Errorf("OK: frame too short")
		}
		if err = str(1, &m.EventID); err == nil {
			err = json.Unmarshal(raw[2], &m.OK)
		}
		if err == nil && len(raw) > 3 {
			err = str(3, &m.Text)
		}
	case LabelNotice:
		err = str(1, &m.Text)
	default:
		return Message{}, fmt.Errorf("unknown message label %q", m.Label)
	}
	if err != nil {
		return Message{}, fmt.Errorf("%s frame: %w", m.Label, err)
	}
	return m, nil
}
