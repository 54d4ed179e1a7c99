package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"iap-bridge/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "bridge.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.FinishedTransaction{}, &models.ReportingTokenRecord{}))
	return db
}

func TestMemoryFinishLedger(t *testing.T) {
	ledger := NewMemoryFinishLedger(time.Hour)
	defer ledger.Stop()
	ctx := context.Background()

	finished, err := ledger.IsFinished(ctx, "android:tok")
	require.NoError(t, err)
	assert.False(t, finished)

	require.NoError(t, ledger.MarkFinished(ctx, FinishRecord{Key: "android:tok"}))
	finished, err = ledger.IsFinished(ctx, "android:tok")
	require.NoError(t, err)
	assert.True(t, finished)

	require.NoError(t, ledger.MarkFinished(ctx, FinishRecord{Key: "ios:1", FinishedAt: time.Now().Add(-2 * time.Hour)}))
	finished, err = ledger.IsFinished(ctx, "ios:1")
	require.NoError(t, err)
	assert.False(t, finished)

	ledger.cleanup()
	assert.Equal(t, 1, ledger.GetStats()["total_finished"])

	assert.Error(t, ledger.MarkFinished(ctx, FinishRecord{}))
	ledger.Stop()
}

func TestGormFinishLedger(t *testing.T) {
	ledger := NewGormFinishLedger(newTestDB(t))
	ctx := context.Background()
	record := FinishRecord{
		Key:        "android:tok",
		Platform:   models.PlatformAndroid,
		ProductID:  "coins_100",
		Action:     "consume",
		FinishedAt: time.Now(),
	}

	finished, err := ledger.IsFinished(ctx, record.Key)
	require.NoError(t, err)
	assert.False(t, finished)

	require.NoError(t, ledger.MarkFinished(ctx, record))
	require.NoError(t, ledger.MarkFinished(ctx, record))

	finished, err = ledger.IsFinished(ctx, record.Key)
	require.NoError(t, err)
	assert.True(t, finished)

	var count int64
	require.NoError(t, ledger.db.Model(&models.FinishedTransaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGormFinishLedgerPrune(t *testing.T) {
	ledger := NewGormFinishLedger(newTestDB(t))
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, ledger.MarkFinished(ctx, FinishRecord{Key: "android:old", Action: "consume", FinishedAt: now.Add(-10 * 24 * time.Hour)}))
	require.NoError(t, ledger.MarkFinished(ctx, FinishRecord{Key: "android:new", Action: "consume", FinishedAt: now}))

	removed, err := ledger.Prune(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	finished, err := ledger.IsFinished(ctx, "android:old")
	require.NoError(t, err)
	assert.False(t, finished)
	finished, err = ledger.IsFinished(ctx, "android:new")
	require.NoError(t, err)
	assert.True(t, finished)
}

func TestGormLedgerSurvivesClientRestart(t *testing.T) {
	db := newTestDB(t)
	sim, first := newAndroidClient(t, ClientOptions{Ledger: NewGormFinishLedger(db)})
	connect(t, first, models.BillingProgramNone)
	ctx := context.Background()
	purchase := buy(t, first, *NewPurchaseRequest(models.ProductTypeInApp).
		ForAndroid(AndroidPurchaseOptions{SKUs: []string{"remove_ads"}}))

	_, err := first.FinishTransaction(ctx, purchase, false)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second := NewClient(first.store, ClientOptions{Ledger: NewGormFinishLedger(db)})
	t.Cleanup(func() { second.Close(context.Background()) })
	connect(t, second, models.BillingProgramNone)

	ok, err := second.FinishTransaction(ctx, purchase, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, sim.Calls("Acknowledge"))
}

func TestGormTokenAudit(t *testing.T) {
	audit := NewGormTokenAudit(newTestDB(t))
	ctx := context.Background()
	details := models.ReportingDetails{
		FlowID:                   uuid.NewString(),
		ExternalTransactionToken: "ext-1",
		Program:                  models.BillingProgramExternalOffer,
		CreatedAt:                time.Now(),
		ExpiresAt:                time.Now().Add(DefaultReportingWindow),
	}

	require.NoError(t, audit.RecordIssued(ctx, details))
	record, err := audit.Find(ctx, details.FlowID)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", record.Token)
	assert.Nil(t, record.ClaimedAt)

	require.NoError(t, audit.RecordClaimed(ctx, details.FlowID, time.Now()))
	assert.Error(t, audit.RecordClaimed(ctx, details.FlowID, time.Now()))

	record, err = audit.Find(ctx, details.FlowID)
	require.NoError(t, err)
	assert.NotNil(t, record.ClaimedAt)

	_, err = audit.Find(ctx, "missing")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestExternalOfferAuditTrail(t *testing.T) {
	audit := NewGormTokenAudit(newTestDB(t))
	_, client := newAndroidClient(t, ClientOptions{AlternativeBilling: AlternativeBillingOptions{Audit: audit}})
	connect(t, client, models.BillingProgramExternalOffer)
	ctx := context.Background()

	details, err := client.RunExternalOfferFlow(ctx, nil)
	require.NoError(t, err)
	_, err = client.ClaimReportingToken(ctx, details.FlowID)
	require.NoError(t, err)

	record, err := audit.Find(ctx, details.FlowID)
	require.NoError(t, err)
	assert.Equal(t, details.ExternalTransactionToken, record.Token)
	assert.NotNil(t, record.ClaimedAt)
}

func TestRedisTokenVault(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	vault := NewRedisTokenVault(client)
	ctx := context.Background()
	details := models.ReportingDetails{
		FlowID:                   uuid.NewString(),
		ExternalTransactionToken: "ext-1",
		Program:                  models.BillingProgramExternalOffer,
		ExpiresAt:                time.Now().Add(time.Minute),
	}

	require.NoError(t, vault.Put(ctx, details))
	assert.Error(t, vault.Put(ctx, details))

	claimed, err := vault.Claim(ctx, details.FlowID)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", claimed.ExternalTransactionToken)

	_, err = vault.Claim(ctx, details.FlowID)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}
