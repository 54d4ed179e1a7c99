package models

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel provides common fields for all database models
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at" gorm:"index"`
}

// FinishedTransaction records a purchase the finisher has closed out, so
// later finish calls for the same purchase are no-ops
type FinishedTransaction struct {
	BaseModel

	PurchaseKey string    `json:"purchase_key" gorm:"not null;size:255;uniqueIndex"`
	Platform    string    `json:"platform" gorm:"size:20;index"`
	ProductID   string    `json:"product_id" gorm:"size:100;index"`
	Action      string    `json:"action" gorm:"size:20"` // consume, acknowledge, finish or none
	FinishedAt  time.Time `json:"finished_at"`
}

// TableName 指定表名
func (FinishedTransaction) TableName() string {
	return "finished_transactions"
}

// ReportingTokenRecord audits alternative billing tokens issued by the bridge
type ReportingTokenRecord struct {
	BaseModel

	FlowID    string     `json:"flow_id" gorm:"not null;size:36;uniqueIndex"`
	Program   string     `json:"program" gorm:"size:30"`
	Token     string     `json:"token" gorm:"type:text"`
	ExpiresAt time.Time  `json:"expires_at" gorm:"index"`
	ClaimedAt *time.Time `json:"claimed_at"`
}

// TableName 指定表名
func (ReportingTokenRecord) TableName() string {
	return "reporting_tokens"
}
