package store_test

import (
	"path/filepath"
	"testing"

	"github.com/surfhero25/festivair-sub001/internal/store"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) (string, *gorm.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Init(path)
	if err != nil {
		t.Fatalf("Failed to init DB: %v", err)
	}
	return path, db
}

func TestChatMessageReplayIgnored(t *testing.T) {
	_, db := openTestDB(t)

	msg := store.ChatMessage{ID: "m1", SquadID: "squad-blue", SenderID: "u1", SenderName: "Ava", Text: "hello", Timestamp: 100}
	if err := store.SaveChatMessage(db, &msg); err != nil {
		t.Fatalf("SaveChatMessage failed: %v", err)
	}

	// The mesh echoes the same message back with a garbled body; the original wins.
	replay := store.ChatMessage{ID: "m1", SquadID: "squad-blue", SenderID: "u1", Text: "tampered", Timestamp: 100}
	if err := store.SaveChatMessage(db, &replay); err != nil {
		t.Fatalf("SaveChatMessage replay failed: %v", err)
	}

	msgs, err := store.GetChatMessages(db, "squad-blue", 10)
	if err != nil {
		t.Fatalf("GetChatMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Got %d messages, want 1", len(msgs))
	}
	if msgs[0].Text != "hello" {
		t.Errorf("Replay overwrote the message: %q", msgs[0].Text)
	}
}

func TestUserLastWriteWins(t *testing.T) {
	_, db := openTestDB(t)

	if err := store.UpsertUser(db, store.User{ID: "u1", DisplayName: "Ava", Status: "dancing", UpdatedAt: 200}); err != nil {
		t.Fatal(err)
	}
	// A delta that raced in late carries an older timestamp; it must lose.
	if err := store.UpsertUser(db, store.User{ID: "u1", DisplayName: "Ava", Status: "lost", UpdatedAt: 100}); err != nil {
		t.Fatal(err)
	}

	user, err := store.GetUser(db, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if user.Status != "dancing" {
		t.Errorf("Older write overwrote newer state: status = %q", user.Status)
	}

	if err := store.UpsertUser(db, store.User{ID: "u1", DisplayName: "Ava", Status: "heading home", UpdatedAt: 300}); err != nil {
		t.Fatal(err)
	}
	user, _ = store.GetUser(db, "u1")
	if user.Status != "heading home" {
		t.Errorf("Newer write did not apply: status = %q", user.Status)
	}
}

func TestStatusUpdateKeepsLocationFix(t *testing.T) {
	_, db := openTestDB(t)

	if err := store.UpdateUserLocation(db, "u1", 51.9, 5.6, 8, "gps", 200); err != nil {
		t.Fatal(err)
	}
	// A later status change carries no position; the fix must survive it.
	if err := store.UpsertUser(db, store.User{ID: "u1", DisplayName: "Ava", Status: "at the bar", UpdatedAt: 300}); err != nil {
		t.Fatal(err)
	}

	user, err := store.GetUser(db, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if user.Status != "at the bar" {
		t.Errorf("Status did not apply: %q", user.Status)
	}
	if user.Lat != 51.9 || user.Lon != 5.6 || user.LocationAt != 200 {
		t.Errorf("Status update erased the location fix: lat=%v lon=%v at=%d", user.Lat, user.Lon, user.LocationAt)
	}

	// And the other order: a fresh fix must not roll back the profile.
	if err := store.UpdateUserLocation(db, "u1", 52.0, 5.7, 8, "gps", 400); err != nil {
		t.Fatal(err)
	}
	user, _ = store.GetUser(db, "u1")
	if user.Status != "at the bar" {
		t.Errorf("Location update erased the status: %q", user.Status)
	}
	if user.LocationAt != 400 {
		t.Errorf("Fresh fix did not apply: at=%d", user.LocationAt)
	}
}

func TestUserMergeKeepsNameWhenRecordOmitsIt(t *testing.T) {
	_, db := openTestDB(t)

	if err := store.UpsertUser(db, store.User{ID: "u1", DisplayName: "Ava", Status: "dancing", UpdatedAt: 100}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertUser(db, store.User{ID: "u1", Status: "resting", UpdatedAt: 200}); err != nil {
		t.Fatal(err)
	}

	user, err := store.GetUser(db, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if user.DisplayName != "Ava" {
		t.Errorf("Nameless update erased the display name: %q", user.DisplayName)
	}
	if user.Status != "resting" {
		t.Errorf("Newer status did not apply: %q", user.Status)
	}
}

func TestLocationUpdateKeepsNewestFix(t *testing.T) {
	_, db := openTestDB(t)

	if err := store.UpdateUserLocation(db, "u1", 51.0, 4.0, 10, "gps", 200); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateUserLocation(db, "u1", 50.0, 3.0, 10, "gps", 100); err != nil {
		t.Fatal(err)
	}

	user, err := store.GetUser(db, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if user.Lat != 51.0 || user.LocationAt != 200 {
		t.Errorf("Stale fix overwrote the user row: lat=%v at=%d", user.Lat, user.LocationAt)
	}
}

func TestSquadMemberMergeByMostRecentStatus(t *testing.T) {
	_, db := openTestDB(t)

	if err := store.UpsertSquadMember(db, store.SquadMember{SquadID: "s1", UserID: "u1", Status: "active", UpdatedAt: 300}); err != nil {
		t.Fatal(err)
	}
	// A stale "left" row from before the user rejoined must not win.
	if err := store.UpsertSquadMember(db, store.SquadMember{SquadID: "s1", UserID: "u1", Status: "left", UpdatedAt: 100}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertSquadMember(db, store.SquadMember{SquadID: "s1", UserID: "u2", Status: "active", UpdatedAt: 200}); err != nil {
		t.Fatal(err)
	}

	members, err := store.GetSquadMembers(db, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("Got %d active members, want 2", len(members))
	}
}

func TestPinExpiryPruning(t *testing.T) {
	_, db := openTestDB(t)

	if err := store.UpsertMeetupPin(db, store.MeetupPin{ID: "p1", Name: "meet at tree", CreatedAt: 100, ExpiresAt: 200}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertMeetupPin(db, store.MeetupPin{ID: "p2", Name: "afterparty", CreatedAt: 100, ExpiresAt: 900}); err != nil {
		t.Fatal(err)
	}

	active, err := store.GetActivePins(db, 500)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != "p2" {
		t.Errorf("Active pins = %+v, want only p2", active)
	}

	removed, err := store.PruneExpiredPins(db, 500)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("Pruned %d pins, want 1", removed)
	}
}

func TestSyncQueueFIFOAndCap(t *testing.T) {
	_, db := openTestDB(t)

	for i, kind := range []string{"location", "chat", "status", "pin"} {
		item := store.SyncQueueItem{EntityKind: kind, Operation: "create", Payload: []byte("{}"), EnqueuedAt: int64(i)}
		if err := store.EnqueueSyncItem(db, item, 3); err != nil {
			t.Fatalf("Enqueue %s failed: %v", kind, err)
		}
	}

	// Cap 3: the oldest item ("location") was evicted.
	items, err := store.DueSyncItems(db, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("Queue holds %d items, want 3", len(items))
	}
	want := []string{"chat", "status", "pin"}
	for i, item := range items {
		if item.EntityKind != want[i] {
			t.Errorf("Queue order[%d] = %s, want %s", i, item.EntityKind, want[i])
		}
	}
}

func TestSyncQueueBackoffHidesItems(t *testing.T) {
	_, db := openTestDB(t)

	if err := store.EnqueueSyncItem(db, store.SyncQueueItem{EntityKind: "chat", Operation: "create"}, 0); err != nil {
		t.Fatal(err)
	}
	items, _ := store.DueSyncItems(db, 100, 10)
	if len(items) != 1 {
		t.Fatalf("Fresh item not due: %d", len(items))
	}

	if err := store.BumpSyncAttempt(db, items[0].ID, 500); err != nil {
		t.Fatal(err)
	}

	items, _ = store.DueSyncItems(db, 100, 10)
	if len(items) != 0 {
		t.Error("Backed-off item still due before its window")
	}
	items, _ = store.DueSyncItems(db, 500, 10)
	if len(items) != 1 {
		t.Fatal("Backed-off item never comes due")
	}
	if items[0].AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", items[0].AttemptCount)
	}
}

func TestSyncQueueSurvivesReopen(t *testing.T) {
	path, db := openTestDB(t)

	if err := store.EnqueueSyncItem(db, store.SyncQueueItem{EntityKind: "location", Operation: "update", Payload: []byte(`{"lat":1}`)}, 0); err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := store.Init(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	n, err := store.SyncQueueLen(reopened)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Queue length after reopen = %d, want 1; the offline queue must survive process death", n)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	_, db := openTestDB(t)

	val, err := store.GetSetting(db, "squad_id")
	if err != nil {
		t.Fatal(err)
	}
	if val != "" {
		t.Errorf("Missing setting = %q, want empty", val)
	}

	if err := store.SetSetting(db, "squad_id", "squad-blue"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSetting(db, "squad_id", "squad-red"); err != nil {
		t.Fatal(err)
	}

	val, err = store.GetSetting(db, "squad_id")
	if err != nil {
		t.Fatal(err)
	}
	if val != "squad-red" {
		t.Errorf("Setting = %q, want squad-red", val)
	}
}

func TestFavoriteSetTimeMerge(t *testing.T) {
	_, db := openTestDB(t)

	if err := store.UpsertFavoriteSetTime(db, store.FavoriteSetTime{UserID: "u1", SetTimeID: "st1", Status: "favorited", UpdatedAt: 300}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertFavoriteSetTime(db, store.FavoriteSetTime{UserID: "u1", SetTimeID: "st1", Status: "removed", UpdatedAt: 100}); err != nil {
		t.Fatal(err)
	}

	favs, err := store.GetFavoriteSetTimes(db, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(favs) != 1 {
		t.Errorf("Stale removal won the merge: favorites = %+v", favs)
	}
}
