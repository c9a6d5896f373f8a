package servicebus

import (
	"encoding/json"
	"fmt"
	"time"
)

// PeekedMessage is a message that has been pulled and locked but not yet
// deleted. It is redelivered once the lock expires.
type PeekedMessage struct {
	MessageID     string
	LockToken     string
	DeliveryCount int
	ContentType   string
	Content       json.RawMessage
}

// Decode unmarshals the JSON content into v.
func (m *PeekedMessage) Decode(v any) error {
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("decoding message %s: %w", m.MessageID, err)
	}
	return nil
}

// receivedProperties is the BrokerProperties header of a pulled message.
type receivedProperties struct {
	MessageID     string `json:"MessageId"`
	LockToken     string `json:"LockToken"`
	DeliveryCount int    `json:"DeliveryCount"`
}

// BrokerProperties is the broker metadata attached to a posted message.
type BrokerProperties struct {
	CorrelationID      string `json:"CorrelationId,omitempty"`
	Label              string `json:"Label,omitempty"`
	PartitionKey       string `json:"PartitionKey,omitempty"`
	SessionID          string `json:"SessionId,omitempty"`
	TimeToLiveTimeSpan string `json:"TimeToLiveTimeSpan,omitempty"`
	ContentType        string `json:"ContentType,omitempty"`
}

// TimeSpan formats d as "d.hh:mm:ss", the format of TimeToLiveTimeSpan.
func TimeSpan(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	return fmt.Sprintf("%d.%02d:%02d:%02d", days, hours, minutes, d/time.Second)
}

// OutgoingMessage is a message to post. Content is sent verbatim when it is a
// string (as text) or json.RawMessage, and JSON-encoded otherwise.
type OutgoingMessage struct {
	Content          any
	BrokerProperties BrokerProperties
	UserProperties   map[string]string
}

type envelope struct {
	Body             string            `json:"Body"`
	BrokerProperties BrokerProperties  `json:"BrokerProperties"`
	UserProperties   map[string]string `json:"UserProperties,omitempty"`
}

func (m OutgoingMessage) envelope() (envelope, error) {
	env := envelope{
		BrokerProperties: m.BrokerProperties,
		UserProperties:   m.UserProperties,
	}

	switch c := m.Content.(type) {
	case string:
		env.Body = c
		env.BrokerProperties.ContentType = textContentType
	case json.RawMessage:
		if !json.Valid(c) {
			return envelope{}, fmt.Errorf("content is not valid JSON")
		}
		env.Body = string(c)
		env.BrokerProperties.ContentType = jsonContentType
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return envelope{}, err
		}
		env.Body = string(b)
		env.BrokerProperties.ContentType = jsonContentType
	}

	return env, nil
}
