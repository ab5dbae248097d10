package store

import (
	"errors"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Init opens (or creates) the node's local database. One writer connection
// with WAL keeps the relay, syncer and UI from tripping over each other.
func Init(path string) (*gorm.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&User{}, &Squad{}, &SquadMember{},
		&ChatMessage{}, &LocationPing{}, &MeetupPin{},
		&Party{}, &PartyAttendee{}, &SetTime{}, &FavoriteSetTime{},
		&SyncQueueItem{}, &Setting{},
	); err != nil {
		return nil, err
	}
	return db, nil
}

// SaveChatMessage stores a chat line. Replays of the same id (mesh echo or a
// cloud delta that circled back) are ignored.
func SaveChatMessage(db *gorm.DB, msg *ChatMessage) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(msg).Error
}

// GetChatMessages returns the newest squad messages, most recent first.
func GetChatMessages(db *gorm.DB, squadID string, limit int) ([]ChatMessage, error) {
	var messages []ChatMessage
	result := db.Where("squad_id = ?", squadID).Order("timestamp desc").Limit(limit).Find(&messages)
	return messages, result.Error
}

// UpsertUser applies a profile update with last-write-wins semantics: an
// incoming row older than what we hold is dropped. Profile and location
// columns merge independently; each carries its own timestamp, so a status
// write without a position fix never clears the last-known location.
func UpsertUser(db *gorm.DB, user User) error {
	var existing User
	err := db.First(&existing, "id = ?", user.ID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return db.Create(&user).Error
	case err != nil:
		return err
	}

	if user.UpdatedAt >= existing.UpdatedAt {
		cols := map[string]any{
			"status":     user.Status,
			"squad_id":   user.SquadID,
			"updated_at": user.UpdatedAt,
		}
		if user.DisplayName != "" {
			cols["display_name"] = user.DisplayName
		}
		if err := db.Model(&User{}).Where("id = ?", user.ID).Updates(cols).Error; err != nil {
			return err
		}
	}

	if user.LocationAt > existing.LocationAt {
		return db.Model(&User{}).Where("id = ?", user.ID).
			Updates(map[string]any{"lat": user.Lat, "lon": user.Lon, "location_at": user.LocationAt}).Error
	}
	return nil
}

// GetUser fetches one user row.
func GetUser(db *gorm.DB, id string) (User, error) {
	var user User
	err := db.First(&user, "id = ?", id).Error
	return user, err
}

// UpdateUserLocation applies a position fix to the user row if it is newer
// than the one already stored, and always appends to the ping history.
func UpdateUserLocation(db *gorm.DB, userID string, lat, lon, accuracy float64, source string, ts int64) error {
	ping := LocationPing{UserID: userID, Lat: lat, Lon: lon, Accuracy: accuracy, Source: source, Timestamp: ts}
	if err := db.Create(&ping).Error; err != nil {
		return err
	}

	var user User
	err := db.First(&user, "id = ?", userID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = User{ID: userID, Lat: lat, Lon: lon, LocationAt: ts, UpdatedAt: ts}
		return db.Create(&user).Error
	case err != nil:
		return err
	}
	if ts < user.LocationAt {
		return nil
	}
	return db.Model(&User{}).Where("id = ?", userID).
		Updates(map[string]any{"lat": lat, "lon": lon, "location_at": ts}).Error
}

// UpsertSquad stores or refreshes a squad row.
func UpsertSquad(db *gorm.DB, squad Squad) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&squad).Error
}

// UpsertSquadMember merges a membership row, keeping the most recent status
// per (squad, user) key.
func UpsertSquadMember(db *gorm.DB, member SquadMember) error {
	var existing SquadMember
	err := db.First(&existing, "squad_id = ? AND user_id = ?", member.SquadID, member.UserID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return db.Create(&member).Error
	case err != nil:
		return err
	}
	if member.UpdatedAt < existing.UpdatedAt {
		return nil
	}
	return db.Save(&member).Error
}

// GetSquadMembers lists the active members of a squad.
func GetSquadMembers(db *gorm.DB, squadID string) ([]SquadMember, error) {
	var members []SquadMember
	result := db.Where("squad_id = ? AND status = ?", squadID, "active").Find(&members)
	return members, result.Error
}

// UpsertMeetupPin stores or refreshes a pin.
func UpsertMeetupPin(db *gorm.DB, pin MeetupPin) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&pin).Error
}

// GetActivePins lists pins that have not expired yet.
func GetActivePins(db *gorm.DB, now int64) ([]MeetupPin, error) {
	var pins []MeetupPin
	result := db.Where("expires_at > ?", now).Order("created_at desc").Find(&pins)
	return pins, result.Error
}

// PruneExpiredPins deletes pins past their expiry. Returns rows removed.
func PruneExpiredPins(db *gorm.DB, now int64) (int64, error) {
	result := db.Where("expires_at <= ?", now).Delete(&MeetupPin{})
	return result.RowsAffected, result.Error
}

// UpsertParty applies a party update with last-write-wins semantics.
func UpsertParty(db *gorm.DB, party Party) error {
	var existing Party
	err := db.First(&existing, "id = ?", party.ID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return db.Create(&party).Error
	case err != nil:
		return err
	}
	if party.UpdatedAt < existing.UpdatedAt {
		return nil
	}
	return db.Save(&party).Error
}

// GetParties lists known parties, soonest first.
func GetParties(db *gorm.DB, limit int) ([]Party, error) {
	var parties []Party
	result := db.Order("starts_at asc").Limit(limit).Find(&parties)
	return parties, result.Error
}

// UpsertPartyAttendee merges an RSVP, keeping the most recent status per
// (party, user) key.
func UpsertPartyAttendee(db *gorm.DB, att PartyAttendee) error {
	var existing PartyAttendee
	err := db.First(&existing, "party_id = ? AND user_id = ?", att.PartyID, att.UserID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return db.Create(&att).Error
	case err != nil:
		return err
	}
	if att.UpdatedAt < existing.UpdatedAt {
		return nil
	}
	return db.Save(&att).Error
}

// GetPartyAttendees lists RSVPs for a party.
func GetPartyAttendees(db *gorm.DB, partyID string) ([]PartyAttendee, error) {
	var atts []PartyAttendee
	result := db.Where("party_id = ?", partyID).Find(&atts)
	return atts, result.Error
}

// UpsertSetTime applies a lineup update with last-write-wins semantics.
func UpsertSetTime(db *gorm.DB, st SetTime) error {
	var existing SetTime
	err := db.First(&existing, "id = ?", st.ID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return db.Create(&st).Error
	case err != nil:
		return err
	}
	if st.UpdatedAt < existing.UpdatedAt {
		return nil
	}
	return db.Save(&st).Error
}

// GetSetTimes lists the lineup in running order.
func GetSetTimes(db *gorm.DB) ([]SetTime, error) {
	var sets []SetTime
	result := db.Order("starts_at asc").Find(&sets)
	return sets, result.Error
}

// UpsertFavoriteSetTime merges a favorite flag, keeping the most recent
// status per (user, set) key.
func UpsertFavoriteSetTime(db *gorm.DB, fav FavoriteSetTime) error {
	var existing FavoriteSetTime
	err := db.First(&existing, "user_id = ? AND set_time_id = ?", fav.UserID, fav.SetTimeID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return db.Create(&fav).Error
	case err != nil:
		return err
	}
	if fav.UpdatedAt < existing.UpdatedAt {
		return nil
	}
	return db.Save(&fav).Error
}

// GetFavoriteSetTimes lists a user's current favorites.
func GetFavoriteSetTimes(db *gorm.DB, userID string) ([]FavoriteSetTime, error) {
	var favs []FavoriteSetTime
	result := db.Where("user_id = ? AND status = ?", userID, "favorited").Find(&favs)
	return favs, result.Error
}

// GetSetting reads one local setting; missing keys return "".
func GetSetting(db *gorm.DB, key string) (string, error) {
	var s Setting
	err := db.First(&s, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return s.Value, err
}

// SetSetting writes one local setting.
func SetSetting(db *gorm.DB, key, value string) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&Setting{Key: key, Value: value}).Error
}
