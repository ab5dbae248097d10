package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Identity is the stable per-install identity of this device.
type Identity struct {
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
}

// LoadOrGenerateIdentity retrieves the identity stored at path or generates
// and persists a new one.
func LoadOrGenerateIdentity(path string) (Identity, error) {
	if data, err := os.ReadFile(path); err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return Identity{}, fmt.Errorf("core: parse identity file: %w", err)
		}
		if id.DeviceID != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return Identity{}, fmt.Errorf("core: read identity file: %w", err)
	}

	id := Identity{
		DeviceID:  uuid.New().String(),
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return Identity{}, fmt.Errorf("core: marshal identity: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Identity{}, fmt.Errorf("core: write identity file: %w", err)
	}

	return id, nil
}

// ContentID creates a deterministic ID based on author, content and timestamp.
func ContentID(authorID, content string, ts int64) string {
	input := fmt.Sprintf("%s:%s:%d", authorID, content, ts)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}
