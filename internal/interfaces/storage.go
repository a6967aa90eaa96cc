package interfaces

import (
	"context"
	"time"
)

// StorageManager provides access to domain-specific storage interfaces.
type StorageManager interface {
	KeyValueStorage() KeyValueStorage
	EndpointStore() EndpointStore
	Close() error
}

// KeyValueStorage provides basic key-value operations.
type KeyValueStorage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	GetAll(ctx context.Context) (map[string]string, error)
}

// EndpointRecord is the last VM service endpoint an app registered from.
type EndpointRecord struct {
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Path        string    `json:"path"`
	AppID       string    `json:"app_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// EndpointStore remembers the last connected endpoint across restarts.
type EndpointStore interface {
	LastEndpoint(ctx context.Context) (EndpointRecord, bool, error)
	SaveEndpoint(ctx context.Context, rec EndpointRecord) error
}
