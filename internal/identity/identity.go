package identity

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Kind names the entity table a key points into.
type Kind string

const (
	KindChat    Kind = "Chat"
	KindMessage Kind = "Message"
)

// TempPrefix marks locally generated message ids. Server ids never carry it.
const TempPrefix = "tmp_"

// Key is the normalized cache key of an entity. Two records with the same Key
// are the same entity regardless of which channel delivered them.
type Key struct {
	Kind Kind
	ID   string
}

// String renders the key as "Kind:id".
func (k Key) String() string {
	return string(k.Kind) + ":" + k.ID
}

// IsZero reports whether the key carries no id.
func (k Key) IsZero() bool {
	return k.ID == ""
}

// ChatKey returns the key of the chat with the given id.
func ChatKey(id string) Key {
	return Key{Kind: KindChat, ID: id}
}

// MessageKey returns the key of the message with the given id.
func MessageKey(id string) Key {
	return Key{Kind: KindMessage, ID: id}
}

// Parse is the inverse of Key.String.
func Parse(s string) (Key, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Key{}, fmt.Errorf("invalid identity key %q", s)
	}
	switch Kind(kind) {
	case KindChat, KindMessage:
		return Key{Kind: Kind(kind), ID: id}, nil
	default:
		return Key{}, fmt.Errorf("unknown identity kind %q", kind)
	}
}

// IsTemp reports whether a message id was minted locally for an optimistic send.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// TempGenerator mints provisional message ids.
type TempGenerator interface {
	Next() string
}

// UUIDTemp mints random provisional ids ("tmp_<uuid>").
type UUIDTemp struct{}

// Next implements TempGenerator.
func (UUIDTemp) Next() string {
	return TempPrefix + uuid.NewString()
}

// SequenceTemp mints monotonic provisional ids ("tmp_1", "tmp_2", ...).
// Safe for concurrent use.
type SequenceTemp struct {
	n atomic.Uint64
}

// Next implements TempGenerator.
func (s *SequenceTemp) Next() string {
	return fmt.Sprintf("%s%d", TempPrefix, s.n.Add(1))
}
