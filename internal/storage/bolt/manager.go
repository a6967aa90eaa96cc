package bolt

import (
	"github.com/bobmcallan/vmbridge/internal/common"
	"github.com/bobmcallan/vmbridge/internal/config"
	"github.com/bobmcallan/vmbridge/internal/interfaces"
)

// Manager implements interfaces.StorageManager for bbolt.
type Manager struct {
	db        *BoltDB
	kv        interfaces.KeyValueStorage
	endpoints interfaces.EndpointStore
	logger    *common.Logger
}

// NewManager opens the database and builds the stores on top of it.
func NewManager(logger *common.Logger, cfg *config.StorageConfig) (interfaces.StorageManager, error) {
	db, err := NewBoltDB(logger, cfg)
	if err != nil {
		return nil, err
	}

	kv := NewKVStorage(db, logger)
	manager := &Manager{
		db:        db,
		kv:        kv,
		endpoints: NewEndpointStore(kv),
		logger:    logger,
	}

	logger.Debug().Msg("bolt storage manager initialized")

	return manager, nil
}

// KeyValueStorage returns the key-value store.
func (m *Manager) KeyValueStorage() interfaces.KeyValueStorage {
	return m.kv
}

// EndpointStore returns the endpoint memory.
func (m *Manager) EndpointStore() interfaces.EndpointStore {
	return m.endpoints
}

// Close closes the database.
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
