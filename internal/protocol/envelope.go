package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the hop budget stamped on freshly created envelopes.
const DefaultTTL = 10

// Envelope is the relay-level wrapper around one payload. Every envelope
// floods the whole mesh; VisitedPeers and TTL bound the flood.
type Envelope struct {
	MessageID    string    `json:"message_id"`
	Payload      Payload   `json:"payload"`
	OriginPeerID string    `json:"origin_peer_id"`
	VisitedPeers []string  `json:"visited_peers"`
	TTL          int       `json:"ttl"`
	Timestamp    time.Time `json:"timestamp"`

	// TargetSquadID scopes the envelope to one squad. When the payload is
	// sealed for that squad, EncryptedPayload carries the ciphertext and
	// Payload stays empty; devices outside the squad forward the envelope
	// without reading it.
	TargetSquadID    string `json:"target_squad_id,omitempty"`
	EncryptedPayload []byte `json:"encrypted_payload,omitempty"`
}

// NewEnvelope stamps a fresh envelope originating at this device.
func NewEnvelope(originPeerID string, ttl int, p Payload) Envelope {
	return Envelope{
		MessageID:    uuid.New().String(),
		Payload:      p,
		OriginPeerID: originPeerID,
		VisitedPeers: []string{originPeerID},
		TTL:          ttl,
		Timestamp:    time.Now().UTC(),
	}
}

// Visited reports whether the peer already appears on the envelope's path.
func (e Envelope) Visited(peerID string) bool {
	for _, p := range e.VisitedPeers {
		if p == peerID {
			return true
		}
	}
	return false
}

// Forwarded returns the copy to re-broadcast: one hop spent, self appended to
// the path, everything else untouched. The visited list is copied so the
// original envelope is never aliased.
func (e Envelope) Forwarded(selfID string) Envelope {
	visited := make([]string, 0, len(e.VisitedPeers)+1)
	visited = append(visited, e.VisitedPeers...)
	visited = append(visited, selfID)

	out := e
	out.VisitedPeers = visited
	out.TTL = e.TTL - 1
	return out
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}

// Decode parses and validates a wire envelope. Unknown payload tags are
// tolerated; structurally broken envelopes are not.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode: %w", err)
	}
	if e.MessageID == "" {
		return Envelope{}, errors.New("protocol: envelope missing message id")
	}
	if e.OriginPeerID == "" {
		return Envelope{}, errors.New("protocol: envelope missing origin peer")
	}
	if err := e.Payload.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
