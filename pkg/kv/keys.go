package kv

import "fmt"

// Well-known keys shared across processes.
const (
	// KeyQueueEvents is the sorted set holding queued event ids scored by
	// priority*10^12 + created_at_ms.
	KeyQueueEvents = "queue:events"

	// KeyQueuePaused pauses consumption while present.
	KeyQueuePaused = "queue:paused"

	// KeyLLMProvider overrides the configured provider at runtime.
	KeyLLMProvider = "llm_provider"
)

// EventKey holds one serialized event payload (TTL: queue event_ttl).
func EventKey(id string) string {
	return "event:" + id
}

// DedupKey marks an observation as already published (TTL: dedup_ttl).
func DedupKey(source, id string) string {
	return "dedup:" + source + ":" + id
}

// LockKey is the processing lease for a resource (TTL: lease_ttl).
func LockKey(resource string) string {
	return "lock:" + resource
}

// RateLimitKey is a counter for one tool in one window bucket.
func RateLimitKey(tool string, windowBucket int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", tool, windowBucket)
}

// SessionLockKey is the single-writer lock for a session key (TTL: 60s).
func SessionLockKey(sessionKey string) string {
	return "session:lock:" + sessionKey
}

// PatternCooldownKey suppresses repeat anomaly alerts (TTL: cooldown).
func PatternCooldownKey(pattern string) string {
	return "pattern:" + pattern
}

// DriveMtimeKey remembers a drive file's last seen modification time
// (TTL: 7 days).
func DriveMtimeKey(fileID string) string {
	return "drive:mtime:" + fileID
}

// DriveFolderFilesKey is the per-folder file-id set used to tell new files
// from modified ones (TTL: 7 days).
func DriveFolderFilesKey(folderID string) string {
	return "drive:folder_files:" + folderID
}
