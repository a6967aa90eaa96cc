package storage

import (
	"github.com/bobmcallan/vmbridge/internal/common"
	"github.com/bobmcallan/vmbridge/internal/config"
	"github.com/bobmcallan/vmbridge/internal/interfaces"
	"github.com/bobmcallan/vmbridge/internal/storage/bolt"
)

// NewStorageManager creates a new storage manager based on config.
func NewStorageManager(logger *common.Logger, cfg *config.Config) (interfaces.StorageManager, error) {
	return bolt.NewManager(logger, &cfg.Storage)
}
