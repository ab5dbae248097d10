package syncer

import (
	"encoding/json"
	"fmt"

	"github.com/surfhero25/festivair-sub001/internal/cloud"
	"github.com/surfhero25/festivair-sub001/internal/store"
	"gorm.io/gorm"
)

// Record kinds in the cloud delta feed.
const (
	KindUser            = "users"
	KindSquad           = "squads"
	KindSquadMember     = "squad_members"
	KindChatMessage     = "chat_messages"
	KindLocation        = "locations"
	KindMeetupPin       = "meetup_pins"
	KindParty           = "parties"
	KindPartyAttendee   = "party_attendees"
	KindSetTime         = "set_times"
	KindFavoriteSetTime = "favorite_set_times"
)

// cloudLocation is the wire shape of one position fix in the delta feed.
type cloudLocation struct {
	UserID    string  `json:"user_id"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Accuracy  float64 `json:"accuracy"`
	Source    string  `json:"source"`
	Timestamp int64   `json:"timestamp"`
}

// Reconcile folds a batch of remote records into the local store. Scalar
// state (profiles, locations, parties) merges last-write-wins by timestamp;
// membership rows (squad members, RSVPs, favorites) merge by most recent
// status per key, so edits made offline on this device are never blindly
// overwritten. Applying the same batch twice lands in the same state, which
// lets every peer run the gateway's republished blob through this exact path.
func Reconcile(db *gorm.DB, records []cloud.Record) error {
	for _, rec := range records {
		if err := applyRecord(db, rec); err != nil {
			return fmt.Errorf("syncer: reconcile %s %s: %w", rec.Kind, rec.ID, err)
		}
	}
	return nil
}

func applyRecord(db *gorm.DB, rec cloud.Record) error {
	switch rec.Kind {
	case KindUser:
		var user store.User
		if err := json.Unmarshal(rec.Data, &user); err != nil {
			return err
		}
		if user.ID == "" {
			user.ID = rec.ID
		}
		if user.UpdatedAt == 0 {
			user.UpdatedAt = rec.UpdatedAt
		}
		return store.UpsertUser(db, user)

	case KindSquad:
		var squad store.Squad
		if err := json.Unmarshal(rec.Data, &squad); err != nil {
			return err
		}
		if squad.ID == "" {
			squad.ID = rec.ID
		}
		return store.UpsertSquad(db, squad)

	case KindSquadMember:
		var member store.SquadMember
		if err := json.Unmarshal(rec.Data, &member); err != nil {
			return err
		}
		if member.UpdatedAt == 0 {
			member.UpdatedAt = rec.UpdatedAt
		}
		return store.UpsertSquadMember(db, member)

	case KindChatMessage:
		var msg store.ChatMessage
		if err := json.Unmarshal(rec.Data, &msg); err != nil {
			return err
		}
		if msg.ID == "" {
			msg.ID = rec.ID
		}
		return store.SaveChatMessage(db, &msg)

	case KindLocation:
		var loc cloudLocation
		if err := json.Unmarshal(rec.Data, &loc); err != nil {
			return err
		}
		return store.UpdateUserLocation(db, loc.UserID, loc.Lat, loc.Lon, loc.Accuracy, loc.Source, loc.Timestamp)

	case KindMeetupPin:
		var pin store.MeetupPin
		if err := json.Unmarshal(rec.Data, &pin); err != nil {
			return err
		}
		if pin.ID == "" {
			pin.ID = rec.ID
		}
		return store.UpsertMeetupPin(db, pin)

	case KindParty:
		var party store.Party
		if err := json.Unmarshal(rec.Data, &party); err != nil {
			return err
		}
		if party.ID == "" {
			party.ID = rec.ID
		}
		if party.UpdatedAt == 0 {
			party.UpdatedAt = rec.UpdatedAt
		}
		return store.UpsertParty(db, party)

	case KindPartyAttendee:
		var att store.PartyAttendee
		if err := json.Unmarshal(rec.Data, &att); err != nil {
			return err
		}
		if att.UpdatedAt == 0 {
			att.UpdatedAt = rec.UpdatedAt
		}
		return store.UpsertPartyAttendee(db, att)

	case KindSetTime:
		var st store.SetTime
		if err := json.Unmarshal(rec.Data, &st); err != nil {
			return err
		}
		if st.ID == "" {
			st.ID = rec.ID
		}
		if st.UpdatedAt == 0 {
			st.UpdatedAt = rec.UpdatedAt
		}
		return store.UpsertSetTime(db, st)

	case KindFavoriteSetTime:
		var fav store.FavoriteSetTime
		if err := json.Unmarshal(rec.Data, &fav); err != nil {
			return err
		}
		if fav.UpdatedAt == 0 {
			fav.UpdatedAt = rec.UpdatedAt
		}
		return store.UpsertFavoriteSetTime(db, fav)
	}

	// Unknown record kinds are skipped, not fatal: an older node keeps
	// syncing what it understands.
	return nil
}

// EncodeBlob packs reconciled remote records for the syncResponse payload the
// gateway floods into the mesh.
func EncodeBlob(records []cloud.Record) ([]byte, error) {
	return json.Marshal(records)
}

// DecodeBlob unpacks a syncResponse payload received from the gateway.
func DecodeBlob(blob []byte) ([]cloud.Record, error) {
	var records []cloud.Record
	if err := json.Unmarshal(blob, &records); err != nil {
		return nil, fmt.Errorf("syncer: decode sync blob: %w", err)
	}
	return records, nil
}
