package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/common"
	"github.com/ternarybob/formpilot/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db       *BadgerDB
	job      interfaces.JobStorage
	settings interfaces.SettingsStorage
	logger   arbor.ILogger
}

// NewManager opens the database and builds the job and settings stores.
// defaultMaxConcurrent seeds the settings record when none is stored yet.
func NewManager(logger arbor.ILogger, config *common.BadgerConfig, defaultMaxConcurrent int) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := newManager(db, logger, defaultMaxConcurrent)
	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

func newManager(db *BadgerDB, logger arbor.ILogger, defaultMaxConcurrent int) *Manager {
	return &Manager{
		db:       db,
		job:      NewJobStorage(db, logger),
		settings: NewSettingsStorage(db, logger, defaultMaxConcurrent),
		logger:   logger,
	}
}

// JobStorage returns the job queue store
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// SettingsStorage returns the queue settings store
func (m *Manager) SettingsStorage() interfaces.SettingsStorage {
	return m.settings
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
