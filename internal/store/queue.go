package store

import (
	"gorm.io/gorm"
)

// EnqueueSyncItem appends a pending mutation to the durable offline queue.
// When the queue is at capacity the oldest items are evicted to make room, so
// a long partition sheds stale history instead of refusing new work.
func EnqueueSyncItem(db *gorm.DB, item SyncQueueItem, cap int) error {
	if err := db.Create(&item).Error; err != nil {
		return err
	}
	if cap <= 0 {
		return nil
	}

	var count int64
	if err := db.Model(&SyncQueueItem{}).Count(&count).Error; err != nil {
		return err
	}
	if over := count - int64(cap); over > 0 {
		var oldest []SyncQueueItem
		if err := db.Order("id asc").Limit(int(over)).Find(&oldest).Error; err != nil {
			return err
		}
		for _, it := range oldest {
			if err := db.Delete(&SyncQueueItem{}, it.ID).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

// DueSyncItems returns queued mutations whose backoff window has passed, in
// enqueue (FIFO) order.
func DueSyncItems(db *gorm.DB, now int64, limit int) ([]SyncQueueItem, error) {
	var items []SyncQueueItem
	result := db.Where("next_attempt_at <= ?", now).Order("id asc").Limit(limit).Find(&items)
	return items, result.Error
}

// DeleteSyncItem removes a queue row after cloud acknowledgment (or after the
// attempt cap drops it).
func DeleteSyncItem(db *gorm.DB, id uint) error {
	return db.Delete(&SyncQueueItem{}, id).Error
}

// BumpSyncAttempt records a failed push: one more attempt spent, next try no
// earlier than nextAttemptAt.
func BumpSyncAttempt(db *gorm.DB, id uint, nextAttemptAt int64) error {
	return db.Model(&SyncQueueItem{}).Where("id = ?", id).
		Updates(map[string]any{
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"next_attempt_at": nextAttemptAt,
		}).Error
}

// SyncQueueLen returns the number of mutations still waiting for the cloud.
func SyncQueueLen(db *gorm.DB) (int, error) {
	var count int64
	err := db.Model(&SyncQueueItem{}).Count(&count).Error
	return int(count), err
}
