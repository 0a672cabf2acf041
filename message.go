// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package retainer

import (
	"math"

	"github.com/jinzhu/copier"
)

// NoExpiry is the message expiry interval of a retained message which never expires.
const NoExpiry int64 = math.MaxInt64

// messageOverhead is the estimated fixed in-memory footprint of a stored message.
const messageOverhead int64 = 128

// propertyOverhead is the estimated fixed in-memory footprint of a single user property.
const propertyOverhead int64 = 32

// QoS is the quality of service level a message was published with.
type QoS byte

const (
	AtMostOnce  QoS = iota // qos 0
	AtLeastOnce            // qos 1
	ExactlyOnce            // qos 2
)

// PayloadFormat indicates the format of the payload bytes.
type PayloadFormat byte

const (
	FormatUnspecified PayloadFormat = iota // unspecified bytes
	FormatUTF8                             // utf-8 encoded character data
)

// UserProperty is an arbitrary key-value pair attached to a message.
type UserProperty struct {
	Key string `json:"k"`
	Val string `json:"v"`
}

// Message is a retained message. The payload bytes live in the payload store
// and are referenced by PayloadID; Payload is only populated on messages read
// back from a store.
type Message struct {
	PayloadID             uint64         `json:"payload_id"`                 // reference into the payload store
	Payload               []byte         `json:"payload,omitempty"`          // resolved payload bytes, set on read only
	QoS                   QoS            `json:"qos"`                        // the publish qos
	Timestamp             int64          `json:"timestamp"`                  // capture time in epoch milliseconds
	MessageExpiryInterval int64          `json:"message_expiry_interval"`    // seconds to expiry, or NoExpiry
	UserProperties        []UserProperty `json:"user_properties,omitempty"`  // ordered user properties
	ResponseTopic         string         `json:"response_topic,omitempty"`   // response topic, if any
	ContentType           string         `json:"content_type,omitempty"`     // content type, if any
	CorrelationData       []byte         `json:"correlation_data,omitempty"` // correlation data, if any
	PayloadFormat         PayloadFormat  `json:"payload_format"`             // payload format indicator
}

// Copy returns a deep copy of the message which shares no memory with the original.
func (m Message) Copy() Message {
	var out Message
	_ = copier.CopyWithOption(&out, &m, copier.Option{DeepCopy: true}) // only fails on mismatched or nil operands

	// copier allocates empty slices for nil ones; absent fields stay absent.
	if m.Payload == nil {
		out.Payload = nil
	}

	if m.UserProperties == nil {
		out.UserProperties = nil
	}

	if m.CorrelationData == nil {
		out.CorrelationData = nil
	}

	return out
}

// withoutPayload returns a deep copy of the message with the payload bytes dropped.
func (m Message) withoutPayload() Message {
	m.Payload = nil
	return m.Copy()
}

// EstimatedSize returns the approximate number of bytes the message occupies
// in memory, excluding the payload bytes held by the payload store.
func (m Message) EstimatedSize() int64 {
	size := messageOverhead
	size += int64(len(m.ResponseTopic))
	size += int64(len(m.ContentType))
	size += int64(len(m.CorrelationData))
	for _, p := range m.UserProperties {
		size += propertyOverhead + int64(len(p.Key)) + int64(len(p.Val))
	}

	return size
}

// Expired returns true if the message has expired at now, in epoch milliseconds.
func (m Message) Expired(now int64) bool {
	if m.MessageExpiryInterval == NoExpiry {
		return false
	}

	if m.MessageExpiryInterval > (math.MaxInt64-m.Timestamp)/1000 {
		return false // expires beyond the representable future
	}

	return now >= m.Timestamp+m.MessageExpiryInterval*1000
}
