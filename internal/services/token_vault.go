package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"iap-bridge/internal/models"
	"iap-bridge/pkg/logging"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ErrTokenNotFound is returned when a reporting token was never issued,
// has expired or was already claimed
var ErrTokenNotFound = errors.New("reporting token not found or already claimed")

// TokenVault holds issued reporting tokens until the application backend
// claims them. Each token can be claimed once.
type TokenVault interface {
	Put(ctx context.Context, details models.ReportingDetails) error
	Claim(ctx context.Context, flowID string) (*models.ReportingDetails, error)
}

// MemoryTokenVault keeps tokens in process memory. Tokens nobody claims
// are dropped by a cleanup goroutine once they expire.
type MemoryTokenVault struct {
	mu              sync.Mutex
	tokens          map[string]models.ReportingDetails
	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewMemoryTokenVault creates the vault and starts its cleanup goroutine
func NewMemoryTokenVault() *MemoryTokenVault {
	vault := &MemoryTokenVault{
		tokens:          make(map[string]models.ReportingDetails),
		now:             time.Now,
		cleanupInterval: 10 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go vault.startCleanupRoutine()

	return vault
}

func (v *MemoryTokenVault) startCleanupRoutine() {
	ticker := time.NewTicker(v.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			v.cleanup()
		case <-v.stopCleanup:
			return
		}
	}
}

// cleanup drops expired tokens and returns how many were removed
func (v *MemoryTokenVault) cleanup() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	initialCount := len(v.tokens)
	for flowID, details := range v.tokens {
		if !details.ExpiresAt.IsZero() && now.After(details.ExpiresAt) {
			delete(v.tokens, flowID)
		}
	}

	cleanedCount := initialCount - len(v.tokens)
	if cleanedCount > 0 {
		logging.Infof("Token vault cleanup: removed %d expired tokens, remaining: %d", cleanedCount, len(v.tokens))
	}
	return cleanedCount
}

// Len returns the number of stored tokens
func (v *MemoryTokenVault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.tokens)
}

// Stop ends the cleanup goroutine
func (v *MemoryTokenVault) Stop() {
	v.stopOnce.Do(func() { close(v.stopCleanup) })
}

func (v *MemoryTokenVault) Put(ctx context.Context, details models.ReportingDetails) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.tokens[details.FlowID]; exists {
		return fmt.Errorf("reporting token for flow %s already stored", details.FlowID)
	}
	v.tokens[details.FlowID] = details
	return nil
}

func (v *MemoryTokenVault) Claim(ctx context.Context, flowID string) (*models.ReportingDetails, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	details, ok := v.tokens[flowID]
	if !ok {
		return nil, ErrTokenNotFound
	}
	delete(v.tokens, flowID)
	if !details.ExpiresAt.IsZero() && v.now().After(details.ExpiresAt) {
		return nil, ErrTokenNotFound
	}
	return &details, nil
}

// RedisTokenVault stores tokens under reporting_token:<flowID> with the
// token's remaining lifetime as TTL
type RedisTokenVault struct {
	client *redis.Client
}

func NewRedisTokenVault(client *redis.Client) *RedisTokenVault {
	return &RedisTokenVault{client: client}
}

func reportingTokenKey(flowID string) string {
	return fmt.Sprintf("reporting_token:%s", flowID)
}

func (v *RedisTokenVault) Put(ctx context.Context, details models.ReportingDetails) error {
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal reporting token: %w", err)
	}

	expire := time.Until(details.ExpiresAt)
	if expire <= 0 {
		return fmt.Errorf("reporting token for flow %s is already expired", details.FlowID)
	}

	stored, err := v.client.SetNX(ctx, reportingTokenKey(details.FlowID), data, expire).Result()
	if err != nil {
		return fmt.Errorf("failed to store reporting token: %w", err)
	}
	if !stored {
		return fmt.Errorf("reporting token for flow %s already stored", details.FlowID)
	}
	return nil
}

func (v *RedisTokenVault) Claim(ctx context.Context, flowID string) (*models.ReportingDetails, error) {
	data, err := v.client.GetDel(ctx, reportingTokenKey(flowID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to claim reporting token: %w", err)
	}

	var details models.ReportingDetails
	if err := json.Unmarshal(data, &details); err != nil {
		return nil, fmt.Errorf("failed to decode reporting token: %w", err)
	}
	return &details, nil
}

// TokenAudit records the lifecycle of issued tokens
type TokenAudit interface {
	RecordIssued(ctx context.Context, details models.ReportingDetails) error
	RecordClaimed(ctx context.Context, flowID string, claimedAt time.Time) error
}

// GormTokenAudit writes to the reporting_tokens table
type GormTokenAudit struct {
	db *gorm.DB
}

func NewGormTokenAudit(db *gorm.DB) *GormTokenAudit {
	return &GormTokenAudit{db: db}
}

func (a *GormTokenAudit) RecordIssued(ctx context.Context, details models.ReportingDetails) error {
	record := models.ReportingTokenRecord{
		FlowID:    details.FlowID,
		Program:   string(details.Program),
		Token:     details.ExternalTransactionToken,
		ExpiresAt: details.ExpiresAt,
	}
	if err := a.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to record reporting token: %w", err)
	}
	return nil
}

func (a *GormTokenAudit) RecordClaimed(ctx context.Context, flowID string, claimedAt time.Time) error {
	result := a.db.WithContext(ctx).
		Model(&models.ReportingTokenRecord{}).
		Where("flow_id = ? AND claimed_at IS NULL", flowID).
		Update("claimed_at", claimedAt)
	if result.Error != nil {
		return fmt.Errorf("failed to record token claim: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("no unclaimed reporting token for flow %s", flowID)
	}
	return nil
}

// Find returns the audit row of a flow
func (a *GormTokenAudit) Find(ctx context.Context, flowID string) (*models.ReportingTokenRecord, error) {
	var record models.ReportingTokenRecord
	if err := a.db.WithContext(ctx).Where("flow_id = ?", flowID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to load reporting token: %w", err)
	}
	return &record, nil
}
