package store

// User is a festival-goer profile as last reconciled from mesh or cloud.
// UpdatedAt is managed by the sync layer for last-write-wins merges, never by
// the ORM.
type User struct {
	ID          string `gorm:"primaryKey"`
	DisplayName string
	Status      string
	SquadID     string `gorm:"index"`
	Lat         float64
	Lon         float64
	LocationAt  int64
	UpdatedAt   int64 `gorm:"autoUpdateTime:false"`
}

type Squad struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	JoinCode  string
	CreatedAt int64 `gorm:"autoCreateTime:false"`
}

// SquadMember carries per-membership status so concurrent joins and leaves
// merge by most-recent-status-per-key instead of overwriting each other.
type SquadMember struct {
	SquadID   string `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey"`
	Role      string
	Status    string // "active" or "left"
	UpdatedAt int64  `gorm:"autoUpdateTime:false"`
}

type ChatMessage struct {
	ID         string `gorm:"primaryKey"`
	SquadID    string `gorm:"index"`
	SenderID   string
	SenderName string
	Text       string
	Timestamp  int64 `gorm:"index"`
}

// LocationPing is one historical position fix; the owning User row carries
// only the latest.
type LocationPing struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	Lat       float64
	Lon       float64
	Accuracy  float64
	Source    string
	Timestamp int64 `gorm:"index"`
}

type MeetupPin struct {
	ID          string `gorm:"primaryKey"`
	Name        string
	Lat         float64
	Lon         float64
	CreatorID   string
	CreatorName string
	CreatedAt   int64 `gorm:"autoCreateTime:false"`
	ExpiresAt   int64 `gorm:"index"`
}

type Party struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	HostName  string
	Lat       float64
	Lon       float64
	StartsAt  int64
	EndsAt    int64
	Details   string
	UpdatedAt int64 `gorm:"autoUpdateTime:false"`
}

type PartyAttendee struct {
	PartyID   string `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey"`
	Status    string // "going", "maybe", "out"
	UpdatedAt int64  `gorm:"autoUpdateTime:false"`
}

type SetTime struct {
	ID        string `gorm:"primaryKey"`
	Artist    string
	Stage     string
	StartsAt  int64 `gorm:"index"`
	EndsAt    int64
	UpdatedAt int64 `gorm:"autoUpdateTime:false"`
}

type FavoriteSetTime struct {
	UserID    string `gorm:"primaryKey"`
	SetTimeID string `gorm:"primaryKey"`
	Status    string // "favorited" or "removed"
	UpdatedAt int64  `gorm:"autoUpdateTime:false"`
}

// SyncQueueItem is one local mutation waiting for cloud propagation. The
// autoincrement id doubles as FIFO order.
type SyncQueueItem struct {
	ID            uint   `gorm:"primaryKey"`
	EntityKind    string `gorm:"index"`
	Operation     string // "create", "update", "delete"
	Payload       []byte
	EnqueuedAt    int64
	AttemptCount  int
	NextAttemptAt int64 `gorm:"index"`
}

// Setting is local device configuration (identity, onboarding flag, squad
// join state) persisted as key/value pairs.
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}
