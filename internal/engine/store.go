package engine

import (
	"time"

	"beaconkit/internal/model"
)

// Store is the durable persistence the pipeline depends on: delayed-action
// records, the history ledger, a monotonic request counter, and a small KV
// table for flags and fingerprints. The background task is killed and
// relaunched repeatedly, so everything that must survive lives here.
type Store interface {
	// Delayed actions
	CreateDelayedAction(rec *model.DelayedAction) error
	ListDueDelayedActions(before time.Time) ([]*model.DelayedAction, error)
	MarkDelayedActionExecuted(id string) error
	NextDelayedActionDue(after time.Time) (*time.Time, error)

	// History ledger
	AppendHistoryEvent(row *model.HistoryEvent) error
	AppendHistoryAction(row *model.HistoryAction) error
	HasHistoryAction(ruleUUID string) (bool, error)
	LatestHistoryActionAt(ruleUUID string) (*time.Time, error)
	UndeliveredHistory() ([]*model.HistoryEvent, []*model.HistoryAction, error)
	MarkEventsDelivered(ids []string) error
	MarkActionsDelivered(ids []string) error
	PurgeDelivered(olderThan time.Time) error

	// Request counter: monotonic and durable across restarts.
	NextRequestID() (int64, error)

	// KV flags (layout fingerprint, last cleanup time, ...)
	GetValue(key string) (string, error)
	SetValue(key, value string) error

	Close() error
}

// Encryptor provides asymmetric encryption for data at rest (the layout
// local cache, history exports). Encryption needs only the public key;
// decryption requires unlocking the private key first.
type Encryptor interface {
	Setup(passphrase string) error
	Encrypt(data []byte) ([]byte, error)
	Unlock(passphrase string) (DecryptionContext, error)
	IsConfigured() bool
}

// DecryptionContext holds an unlocked identity able to decrypt data
// produced by the matching Encryptor.
type DecryptionContext interface {
	Decrypt(data []byte) ([]byte, error)
}
