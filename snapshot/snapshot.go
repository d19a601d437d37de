// Package snapshot builds and decodes the versioned JSON envelopes written to the remote store.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ruteri/coaching-backup/interfaces"
)

// CurrentVersion is the payload version written by this service.
const CurrentVersion = 1

// LegacyKind is assigned to un-enveloped payloads migrated from version 0.
const LegacyKind = "legacy"

// TokenField is the optional body field a caller can use to supply its own idempotency token.
const TokenField = "idempotencyToken"

var (
	// ErrInvalidSnapshot is returned for empty, non-JSON or structurally invalid snapshots.
	ErrInvalidSnapshot = errors.New("invalid snapshot")

	// ErrUnsupportedVersion is returned when decoding an envelope written by a newer service.
	ErrUnsupportedVersion = errors.New("unsupported snapshot payload version")
)

// Envelope is the on-the-wire form of a snapshot.
type Envelope struct {
	PayloadVersion int             `json:"payloadVersion"`
	Source         string          `json:"source"`
	Kind           string          `json:"kind"`
	EntityID       string          `json:"entityId,omitempty"`
	Token          string          `json:"token"`
	CreatedAt      time.Time       `json:"createdAt"`
	Data           json.RawMessage `json:"data"`
}

// New serializes data into a current-version snapshot. The token is derived from the
// content so that repeated submissions of the same logical write share it.
func New(source, kind, entityID string, data any, now time.Time) (interfaces.Snapshot, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return interfaces.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return build(source, kind, entityID, "", raw, now)
}

// FromRaw wraps an arbitrary JSON object body, including an empty one. A string
// idempotencyToken field in the body takes precedence over the derived token.
func FromRaw(source string, raw []byte, now time.Time) (interfaces.Snapshot, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return interfaces.Snapshot{}, fmt.Errorf("%w: empty body", ErrInvalidSnapshot)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return interfaces.Snapshot{}, fmt.Errorf("%w: body must be a JSON object: %v", ErrInvalidSnapshot, err)
	}
	if fields == nil {
		return interfaces.Snapshot{}, fmt.Errorf("%w: body must be a JSON object", ErrInvalidSnapshot)
	}

	var token string
	if t, ok := fields[TokenField]; ok {
		if err := json.Unmarshal(t, &token); err != nil {
			return interfaces.Snapshot{}, fmt.Errorf("%w: %s must be a string", ErrInvalidSnapshot, TokenField)
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return interfaces.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	return build(source, "api", "", token, compact.Bytes(), now)
}

func build(source, kind, entityID, token string, data []byte, now time.Time) (interfaces.Snapshot, error) {
	if source == "" {
		return interfaces.Snapshot{}, fmt.Errorf("%w: source is required", ErrInvalidSnapshot)
	}
	if kind == "" {
		return interfaces.Snapshot{}, fmt.Errorf("%w: kind is required", ErrInvalidSnapshot)
	}
	if token == "" {
		token = Token(source, kind, entityID, data)
	}
	now = now.UTC()

	payload, err := json.Marshal(Envelope{
		PayloadVersion: CurrentVersion,
		Source:         source,
		Kind:           kind,
		EntityID:       entityID,
		Token:          token,
		CreatedAt:      now,
		Data:           data,
	})
	if err != nil {
		return interfaces.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	return interfaces.Snapshot{
		Source:    source,
		Kind:      kind,
		EntityID:  entityID,
		Token:     token,
		Version:   CurrentVersion,
		CreatedAt: now,
		Payload:   payload,
	}, nil
}

// Token derives the idempotency token of a logical write.
func Token(source, kind, entityID string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(entityID))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Decode parses a stored payload. Version 0 payloads (plain JSON objects without an
// envelope) are migrated into a current-version envelope.
func Decode(payload []byte) (*Envelope, error) {
	var probe struct {
		PayloadVersion *int `json:"payloadVersion"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	if probe.PayloadVersion == nil || *probe.PayloadVersion == 0 {
		return &Envelope{
			PayloadVersion: CurrentVersion,
			Source:         LegacyKind,
			Kind:           LegacyKind,
			Token:          Token(LegacyKind, LegacyKind, "", payload),
			Data:           json.RawMessage(payload),
		}, nil
	}

	if *probe.PayloadVersion != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, *probe.PayloadVersion)
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if env.Source == "" || env.Token == "" {
		return nil, fmt.Errorf("%w: envelope missing source or token", ErrInvalidSnapshot)
	}
	return &env, nil
}

// Validate checks that a snapshot can be written.
func Validate(snap interfaces.Snapshot) error {
	switch {
	case snap.Source == "":
		return fmt.Errorf("%w: source is required", ErrInvalidSnapshot)
	case snap.Token == "":
		return fmt.Errorf("%w: token is required", ErrInvalidSnapshot)
	case len(snap.Payload) == 0:
		return fmt.Errorf("%w: empty payload", ErrInvalidSnapshot)
	case !json.Valid(snap.Payload):
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidSnapshot)
	}
	return nil
}

// ObjectName returns the collision-resistant blob name of a snapshot.
func ObjectName(snap interfaces.Snapshot) string {
	token := snap.Token
	if len(token) > 16 {
		token = token[:16]
	}
	kind := snap.Kind
	if kind == "" {
		kind = "snapshot"
	}
	return fmt.Sprintf("%s_%s_%s_%s.json",
		sanitize(snap.Source), sanitize(kind), sanitize(token),
		snap.CreatedAt.UTC().Format("20060102T150405.000000000Z"))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}
