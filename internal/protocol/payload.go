package protocol

import "fmt"

// Payload kinds.
const (
	KindLocationUpdate  = "location_update"
	KindChatMessage     = "chat_message"
	KindGatewayAnnounce = "gateway_announce"
	KindHeartbeat       = "heartbeat"
	KindStatusUpdate    = "status_update"
	KindMeetupPin       = "meetup_pin"
	KindSyncRequest     = "sync_request"
	KindSyncResponse    = "sync_response"
)

// LocationUpdate reports the origin peer's position.
type LocationUpdate struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp int64   `json:"timestamp"`
	Source    string  `json:"source"` // e.g. "gps", "manual"
}

// ChatMessage is one squad chat line.
type ChatMessage struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
	SquadID    string `json:"squad_id"`
	Timestamp  int64  `json:"timestamp"`
}

// GatewayAnnounce is a candidacy broadcast for gateway election.
type GatewayAnnounce struct {
	PeerID         string `json:"peer_id"`
	SignalStrength int    `json:"signal_strength"`
}

// Heartbeat carries liveness metadata consumed by the presence tracker.
type Heartbeat struct {
	UserID       string `json:"user_id"`
	BatteryLevel int    `json:"battery_level"`
	HasService   bool   `json:"has_service"`
}

// StatusUpdate announces a user's profile status ("at main stage", "heading home").
type StatusUpdate struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
	SquadID     string `json:"squad_id,omitempty"`
}

// MeetupPin marks a physical rally point on the festival map.
type MeetupPin struct {
	ID          string  `json:"id"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Name        string  `json:"name"`
	CreatorID   string  `json:"creator_id"`
	CreatorName string  `json:"creator_name"`
	CreatedAt   int64   `json:"created_at"`
	ExpiresAt   int64   `json:"expires_at"`
}

// SyncRequest asks the current gateway to push cloud state into the mesh.
type SyncRequest struct{}

// SyncResponse carries a reconciled cloud delta, re-published by the gateway
// so offline peers receive remote state. The blob is opaque to the relay.
type SyncResponse struct {
	Blob []byte `json:"blob"`
}

// Payload is a closed tagged union: at most one case is populated. Decoding
// tolerates unknown tags (they are simply absent here) but rejects envelopes
// that populate more than one case.
type Payload struct {
	LocationUpdate  *LocationUpdate  `json:"location_update,omitempty"`
	ChatMessage     *ChatMessage     `json:"chat_message,omitempty"`
	GatewayAnnounce *GatewayAnnounce `json:"gateway_announce,omitempty"`
	Heartbeat       *Heartbeat       `json:"heartbeat,omitempty"`
	StatusUpdate    *StatusUpdate    `json:"status_update,omitempty"`
	MeetupPin       *MeetupPin       `json:"meetup_pin,omitempty"`
	SyncRequest     *SyncRequest     `json:"sync_request,omitempty"`
	SyncResponse    *SyncResponse    `json:"sync_response,omitempty"`
}

// Kind returns the tag of the populated case, or "" when no known case is set.
func (p Payload) Kind() string {
	switch {
	case p.LocationUpdate != nil:
		return KindLocationUpdate
	case p.ChatMessage != nil:
		return KindChatMessage
	case p.GatewayAnnounce != nil:
		return KindGatewayAnnounce
	case p.Heartbeat != nil:
		return KindHeartbeat
	case p.StatusUpdate != nil:
		return KindStatusUpdate
	case p.MeetupPin != nil:
		return KindMeetupPin
	case p.SyncRequest != nil:
		return KindSyncRequest
	case p.SyncResponse != nil:
		return KindSyncResponse
	}
	return ""
}

// Validate rejects payloads with more than one case populated.
func (p Payload) Validate() error {
	count := 0
	for _, set := range []bool{
		p.LocationUpdate != nil,
		p.ChatMessage != nil,
		p.GatewayAnnounce != nil,
		p.Heartbeat != nil,
		p.StatusUpdate != nil,
		p.MeetupPin != nil,
		p.SyncRequest != nil,
		p.SyncResponse != nil,
	} {
		if set {
			count++
		}
	}
	if count > 1 {
		return fmt.Errorf("protocol: payload has %d cases populated, want at most one", count)
	}
	return nil
}

// Empty reports whether no known case is populated. Empty payloads still ride
// the relay (a newer node may understand them) but dispatch nothing locally.
func (p Payload) Empty() bool {
	return p.Kind() == ""
}
