package models

import (
	"time"
)

// Batch groups documents submitted together so their completion is reported
// as a single consolidated notification.
type Batch struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	TotalCount       int       `json:"total_count"`
	ProcessedCount   int       `json:"processed_count"`
	FailedCount      int       `json:"failed_count"`
	PendingCount     int       `json:"pending_count"`
	NotificationSent bool      `json:"notification_sent"`
	CreatedAt        time.Time `json:"created_at"`
}
