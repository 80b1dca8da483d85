package notify

import "time"

// ConnectivityPayload accompanies ConnectivityChanged.
type ConnectivityPayload struct {
	IsOnline       bool   `json:"isOnline"`
	WasOnline      bool   `json:"wasOnline"`
	ConnectionType string `json:"connectionType"`
}

// SyncStatePayload accompanies SyncStateChanged.
type SyncStatePayload struct {
	State        string     `json:"state"`
	LastSyncTime *time.Time `json:"lastSyncTime"`
	LastError    string     `json:"lastError,omitempty"`
}

// PendingPayload accompanies PendingChanged.
type PendingPayload struct {
	PendingCount int `json:"pendingCount"`
}

// PermanentFailurePayload identifies an operation dropped after exhausting its retries.
type PermanentFailurePayload struct {
	OperationID string `json:"operationId"`
	Method      string `json:"method"`
	URL         string `json:"url"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"lastError"`
}

// CachePayload accompanies the cache events. Count is set for bulk events.
type CachePayload struct {
	Kind  string `json:"kind,omitempty"`
	Key   string `json:"key,omitempty"`
	Count int    `json:"count,omitempty"`
}
