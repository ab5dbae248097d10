// Package cloud talks to the FestivAir backend on behalf of the elected
// gateway. Everything here runs only while this device holds the gateway
// role; the rest of the mesh reaches the cloud exclusively through it.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Operations a queued mutation can carry.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ErrUnavailable marks transient failures (no connectivity, timeouts, 5xx).
// The syncer retries these with backoff; permanent rejections are not wrapped
// in it.
var ErrUnavailable = errors.New("cloud: backend unavailable")

// StatusError is a definitive cloud rejection of one record. It is permanent:
// retrying the same payload would fail the same way.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cloud: status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the error is worth another attempt. Nil errors
// and 4xx rejections are not; everything else (network faults, 5xx wrapped in
// ErrUnavailable) is.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	return true
}

// Mutation is one local change pushed to the cloud.
type Mutation struct {
	EntityKind string          `json:"entity_kind"`
	Operation  string          `json:"operation"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Record is one entity row fetched from the cloud. Data is the entity body,
// decoded by the reconciler per kind; UpdatedAt drives last-write-wins.
type Record struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt int64           `json:"updated_at"`
}

// Delta is the set of remote changes since a sync cursor, plus the cursor to
// resume from next cycle.
type Delta struct {
	Records []Record `json:"records"`
	Cursor  int64    `json:"cursor"`
}

// Backend is the cloud collaborator the sync engine drives.
type Backend interface {
	// Push applies one mutation to the cloud store.
	Push(ctx context.Context, m Mutation) error
	// FetchSince returns every change to the squad's entities after the
	// cursor, across squads, locations, chat, parties and set times.
	FetchSince(ctx context.Context, squadID string, since int64) (Delta, error)
	// FetchNearbyParties returns public parties within radiusKm of the point.
	FetchNearbyParties(ctx context.Context, lat, lon, radiusKm float64) ([]Record, error)
}
