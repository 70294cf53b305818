package meterstore

import "strings"

// Keyspace. Every key the backend touches is declared here so the layout
// can be audited in one place.
const (
	allUsersKey        = "all_users"
	workQueueKey       = "meter:readings_queue"
	retryQueueKey      = "meter:retry_queue"
	deadLetterKey      = "meter:dead_letter"
	retryCountsKey     = "meter:retry_counts"
	processedKey       = "processed_records"
	maintenanceModeKey = "maintenance_mode"

	// HistoryKeyPattern matches every meter's history sorted set.
	HistoryKeyPattern = "meter:*:history"
	// PendingKeyPattern matches every per-meter quarantine list.
	PendingKeyPattern = "meter:*:pending"
)

func HistoryKey(meterID string) string {
	return "meter:" + meterID + ":history"
}

func LastReadingKey(meterID string) string {
	return "meter:" + meterID + ":last_reading"
}

func PendingKey(meterID string) string {
	return "meter:" + meterID + ":pending"
}

func MeterLockKey(meterID string) string {
	return "lock:meter:" + meterID
}

func BackupKey(date string) string {
	return "backup:meter_data:" + date
}

func logKey(kind string) string {
	return "logs:" + kind
}

func userDataKey(meterID string) string {
	return "user_data:" + meterID
}

// MeterIDFromKey extracts the meter id from a meter:{id}:history or
// meter:{id}:pending key. Returns "" when the key has a different shape.
func MeterIDFromKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "meter" {
		return ""
	}
	return parts[1]
}

// DateFromBackupKey extracts the date from a backup:meter_data:{date} key.
func DateFromBackupKey(key string) string {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return ""
	}
	return key[idx+1:]
}
