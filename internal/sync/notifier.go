package sync

// Notifier is the badge/notification sink the engine reports through.
// Implementations render these however they like (the desktop companion
// broadcasts them over WebSocket to the PWA); the engine never touches a
// concrete UI.
type Notifier interface {
	// PendingCountChanged fires whenever the number of pending records
	// changes: after a save, a delete, or a completed drain pass.
	PendingCountChanged(count int)

	// SyncStarted fires at the beginning of a drain pass with the number
	// of records about to be synced.
	SyncStarted(count int)

	// SyncFinished fires after a drain pass with the per-pass outcome
	// counts. synced+failed equals the count reported by SyncStarted.
	SyncFinished(synced, failed int)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) PendingCountChanged(int) {}
func (NopNotifier) SyncStarted(int)         {}
func (NopNotifier) SyncFinished(int, int)   {}
