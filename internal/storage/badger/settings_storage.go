package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/interfaces"
	"github.com/ternarybob/formpilot/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// queueSettingsKey is the key of the single settings record
const queueSettingsKey = "queue"

// SettingsStorage persists the paused flag and concurrency limit as one record.
// The record is created on first use with paused=false and the seeded concurrency.
type SettingsStorage struct {
	db                   *BadgerDB
	logger               arbor.ILogger
	defaultMaxConcurrent int
	mu                   sync.Mutex
}

// NewSettingsStorage creates a SettingsStorage; defaultMaxConcurrent seeds a fresh record
func NewSettingsStorage(db *BadgerDB, logger arbor.ILogger, defaultMaxConcurrent int) interfaces.SettingsStorage {
	return &SettingsStorage{
		db:                   db,
		logger:               logger,
		defaultMaxConcurrent: models.ClampConcurrency(defaultMaxConcurrent),
	}
}

func (s *SettingsStorage) GetSettings(ctx context.Context) (*models.QueueSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *SettingsStorage) IsPaused(ctx context.Context) (bool, error) {
	settings, err := s.GetSettings(ctx)
	if err != nil {
		return false, err
	}
	return settings.Paused, nil
}

func (s *SettingsStorage) SetPaused(ctx context.Context, paused bool) error {
	return s.modify(func(settings *models.QueueSettings) {
		settings.Paused = paused
	})
}

func (s *SettingsStorage) GetMaxConcurrent(ctx context.Context) (int, error) {
	settings, err := s.GetSettings(ctx)
	if err != nil {
		return 0, err
	}
	return models.ClampConcurrency(settings.MaxConcurrent), nil
}

// SetMaxConcurrent stores n clamped to the supported range and returns the stored value
func (s *SettingsStorage) SetMaxConcurrent(ctx context.Context, n int) (int, error) {
	value := models.ClampConcurrency(n)
	if err := s.modify(func(settings *models.QueueSettings) {
		settings.MaxConcurrent = value
	}); err != nil {
		return 0, err
	}
	return value, nil
}

func (s *SettingsStorage) modify(fn func(settings *models.QueueSettings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.load()
	if err != nil {
		return err
	}

	fn(settings)
	settings.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Upsert(queueSettingsKey, settings); err != nil {
		return fmt.Errorf("failed to save queue settings: %w", err)
	}
	return nil
}

// load reads the settings record, returning defaults when it does not exist yet. Caller holds mu.
func (s *SettingsStorage) load() (*models.QueueSettings, error) {
	var settings models.QueueSettings
	err := s.db.Store().Get(queueSettingsKey, &settings)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return &models.QueueSettings{
			Key:           queueSettingsKey,
			Paused:        false,
			MaxConcurrent: s.defaultMaxConcurrent,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue settings: %w", err)
	}
	settings.Key = queueSettingsKey
	return &settings, nil
}
