package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"iap-bridge/internal/models"
	"iap-bridge/pkg/logging"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FinishRecord describes a purchase the bridge closed out
type FinishRecord struct {
	Key        string
	Platform   models.Platform
	ProductID  string
	Action     string
	FinishedAt time.Time
}

// FinishLedger remembers finished purchases so repeated finishes are
// answered without a native call
type FinishLedger interface {
	IsFinished(ctx context.Context, key string) (bool, error)
	MarkFinished(ctx context.Context, record FinishRecord) error
}

// MemoryFinishLedger keeps finished purchase keys in memory for a TTL
type MemoryFinishLedger struct {
	finished        map[string]time.Time
	mutex           sync.RWMutex
	cleanupInterval time.Duration
	ttl             time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewMemoryFinishLedger creates the ledger and starts its cleanup goroutine
func NewMemoryFinishLedger(ttl time.Duration) *MemoryFinishLedger {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	ledger := &MemoryFinishLedger{
		finished:        make(map[string]time.Time),
		cleanupInterval: time.Hour,
		ttl:             ttl,
		stopCleanup:     make(chan struct{}),
	}

	go ledger.startCleanupRoutine()

	return ledger
}

func (l *MemoryFinishLedger) IsFinished(ctx context.Context, key string) (bool, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	finishedAt, exists := l.finished[key]
	if !exists {
		return false, nil
	}
	return time.Since(finishedAt) <= l.ttl, nil
}

func (l *MemoryFinishLedger) MarkFinished(ctx context.Context, record FinishRecord) error {
	if record.Key == "" {
		return errors.New("finish record has no key")
	}
	finishedAt := record.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.finished[record.Key] = finishedAt
	return nil
}

func (l *MemoryFinishLedger) startCleanupRoutine() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup drops records older than the TTL
func (l *MemoryFinishLedger) cleanup() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	now := time.Now()
	initialCount := len(l.finished)

	for key, finishedAt := range l.finished {
		if now.Sub(finishedAt) > l.ttl {
			delete(l.finished, key)
		}
	}

	cleanedCount := initialCount - len(l.finished)
	if cleanedCount > 0 {
		logging.Infof("Finish ledger cleanup: removed %d expired records, remaining: %d", cleanedCount, len(l.finished))
	}
}

// GetStats reports the ledger size and settings
func (l *MemoryFinishLedger) GetStats() map[string]interface{} {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return map[string]interface{}{
		"total_finished":   len(l.finished),
		"cleanup_interval": l.cleanupInterval.String(),
		"ttl":              l.ttl.String(),
	}
}

// Stop ends the cleanup goroutine
func (l *MemoryFinishLedger) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

// GormFinishLedger stores finished purchases in the finished_transactions table
type GormFinishLedger struct {
	db *gorm.DB
}

func NewGormFinishLedger(db *gorm.DB) *GormFinishLedger {
	return &GormFinishLedger{db: db}
}

func (l *GormFinishLedger) IsFinished(ctx context.Context, key string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&models.FinishedTransaction{}).
		Where("purchase_key = ?", key).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to query finish ledger: %w", err)
	}
	return count > 0, nil
}

// MarkFinished inserts the record; an existing row for the key is kept
func (l *GormFinishLedger) MarkFinished(ctx context.Context, record FinishRecord) error {
	finishedAt := record.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}
	row := models.FinishedTransaction{
		PurchaseKey: record.Key,
		Platform:    string(record.Platform),
		ProductID:   record.ProductID,
		Action:      record.Action,
		FinishedAt:  finishedAt,
	}
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "purchase_key"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to record finished transaction: %w", err)
	}
	return nil
}

// Prune deletes rows finished before the cutoff
func (l *GormFinishLedger) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := l.db.WithContext(ctx).
		Unscoped().
		Where("finished_at < ?", before).
		Delete(&models.FinishedTransaction{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune finish ledger: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// RunPruner prunes rows older than ttl every interval until ctx is done
func (l *GormFinishLedger) RunPruner(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := l.Prune(ctx, time.Now().Add(-ttl))
			if err != nil {
				logging.Errorf("Finish ledger prune failed: %v", err)
				continue
			}
			if removed > 0 {
				logging.Infof("Pruned %d finished transactions older than %v", removed, ttl)
			}
		case <-ctx.Done():
			return
		}
	}
}
