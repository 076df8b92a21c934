package bus

import (
	"encoding/json"
	"fmt"
	"path"
	"reflect"
	"time"
)

// Header keys carried next to every message body on the wire.
const (
	HeaderMessageID   = "message-id"
	HeaderMessageKind = "message-kind"
	HeaderSentAt      = "sent-at"
	// HeaderCorrelationID links a message to the one being consumed when it
	// was published.
	HeaderCorrelationID = "correlation-id"
	// HeaderMessageKey carries PublishOptions.Key on transports that route
	// on the kind alone.
	HeaderMessageKey = "message-key"
)

// MessageKind names a message type on the wire. It doubles as the exchange,
// subject or topic name the transports route on.
type MessageKind string

// Named lets a message type choose its own kind instead of the derived one.
type Named interface {
	MessageKind() MessageKind
}

// KindOf returns the message kind of v.
func KindOf(v any) MessageKind {
	if n, ok := v.(Named); ok {
		return n.MessageKind()
	}

	return KindFor(reflect.TypeOf(v))
}

// KindFor derives the message kind of t as "<package>.<Type>". Pointer
// indirections are stripped so T and *T share a kind.
func KindFor(t reflect.Type) MessageKind {
	if t == nil {
		return ""
	}

	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.Implements(namedType) {
		if n, ok := reflect.Zero(t).Interface().(Named); ok {
			return n.MessageKind()
		}
	}

	name := t.Name()
	if name == "" {
		return MessageKind(t.String())
	}

	if pkg := t.PkgPath(); pkg != "" {
		return MessageKind(path.Base(pkg) + "." + name)
	}

	return MessageKind(name)
}

var namedType = reflect.TypeFor[Named]()

// Envelope is the transport-neutral unit handed to consumers.
type Envelope struct {
	ID      string            `json:"id"`
	Kind    MessageKind       `json:"kind"`
	SentAt  time.Time         `json:"sentAt"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body"`
}

// Decode unmarshals the envelope body into a T.
func Decode[T any](e Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(e.Body, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", e.Kind, err)
	}

	return v, nil
}
