package hub

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"

	"github.com/nerrad567/gray-logic-identity/internal/message"
)

// Header names carried on every hub message.
const (
	HeaderMessageID       = "Message-Id"
	HeaderCorrelationID   = "Correlation-Id"
	HeaderContentType     = "Content-Type"
	HeaderContentEncoding = "Content-Encoding"

	// HeaderConnectionModule names the module that sent the message.
	HeaderConnectionModule = "Connection-Module-Id"

	// HeaderConnectionDevice names the device identity that sent the message.
	HeaderConnectionDevice = "Connection-Device-Id"

	// HeaderBatchCount is set on batch sends.
	HeaderBatchCount = "Batch-Count"

	// HeaderMethodStatus carries the method response status. The plain
	// "Status" header is reserved by the NATS client library.
	HeaderMethodStatus = "Method-Status"

	// HeaderMethodTimeout carries the caller's response timeout in milliseconds.
	HeaderMethodTimeout = "Method-Timeout-Ms"

	// PropertyHeaderPrefix prefixes application properties.
	PropertyHeaderPrefix = "Prop-"

	contentTypeCBOR = "application/cbor"
)

// encodeMsg converts a gateway message into a NATS message for subject.
func encodeMsg(subject string, msg *message.Message) *nats.Msg {
	nm := nats.NewMsg(subject)
	nm.Data = msg.Payload

	if msg.ID != "" {
		nm.Header.Set(HeaderMessageID, msg.ID)
	}
	if msg.CorrelationID != "" {
		nm.Header.Set(HeaderCorrelationID, msg.CorrelationID)
	}
	if msg.ContentType != "" {
		nm.Header.Set(HeaderContentType, msg.ContentType)
	}
	if msg.ContentEncoding != "" {
		nm.Header.Set(HeaderContentEncoding, msg.ContentEncoding)
	}
	for k, v := range msg.Properties {
		nm.Header.Set(PropertyHeaderPrefix+k, v)
	}
	return nm
}

// decodeMsg converts a received NATS message into a gateway message.
func decodeMsg(nm *nats.Msg) *message.Message {
	msg := message.New(nm.Data)
	if nm.Header == nil {
		return msg
	}

	msg.ID = nm.Header.Get(HeaderMessageID)
	msg.CorrelationID = nm.Header.Get(HeaderCorrelationID)
	msg.ContentType = nm.Header.Get(HeaderContentType)
	msg.ContentEncoding = nm.Header.Get(HeaderContentEncoding)
	for k, values := range nm.Header {
		if key, ok := strings.CutPrefix(k, PropertyHeaderPrefix); ok && key != "" && len(values) > 0 {
			msg.Properties[key] = values[0]
		}
	}
	return msg
}

func setTimeoutHeader(nm *nats.Msg, timeout time.Duration) {
	if timeout > 0 {
		nm.Header.Set(HeaderMethodTimeout, strconv.FormatInt(timeout.Milliseconds(), 10))
	}
}

func timeoutFromHeader(h nats.Header) time.Duration {
	ms, err := strconv.ParseInt(h.Get(HeaderMethodTimeout), 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// envelope is the CBOR form of one message inside a batch.
type envelope struct {
	ID              string            `cbor:"1,keyasint,omitempty"`
	CorrelationID   string            `cbor:"2,keyasint,omitempty"`
	ContentType     string            `cbor:"3,keyasint,omitempty"`
	ContentEncoding string            `cbor:"4,keyasint,omitempty"`
	Properties      map[string]string `cbor:"5,keyasint,omitempty"`
	Payload         []byte            `cbor:"6,keyasint"`
}

type batchEnvelope struct {
	Messages []envelope `cbor:"1,keyasint"`
}

// EncodeBatch serialises messages, in order, into one CBOR document.
func EncodeBatch(msgs []*message.Message) ([]byte, error) {
	batch := batchEnvelope{Messages: make([]envelope, 0, len(msgs))}
	for _, m := range msgs {
		batch.Messages = append(batch.Messages, envelope{
			ID:              m.ID,
			CorrelationID:   m.CorrelationID,
			ContentType:     m.ContentType,
			ContentEncoding: m.ContentEncoding,
			Properties:      m.Properties,
			Payload:         m.Payload,
		})
	}

	data, err := cbor.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encoding batch of %d: %w", len(msgs), err)
	}
	return data, nil
}

// DecodeBatch is the inverse of EncodeBatch.
func DecodeBatch(data []byte) ([]*message.Message, error) {
	var batch batchEnvelope
	if err := cbor.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("decoding batch: %w", err)
	}

	msgs := make([]*message.Message, 0, len(batch.Messages))
	for _, e := range batch.Messages {
		m := message.New(e.Payload)
		m.ID = e.ID
		m.CorrelationID = e.CorrelationID
		m.ContentType = e.ContentType
		m.ContentEncoding = e.ContentEncoding
		for k, v := range e.Properties {
			m.Properties[k] = v
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
