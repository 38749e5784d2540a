package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	AuditStatusSuccess = "success"
	AuditStatusError   = "error"
)

// AuditLog records one pipeline or callback invocation.
type AuditLog struct {
	ID           int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	FunctionName string         `gorm:"type:varchar(64);index;not null" json:"function_name"`
	Operation    string         `gorm:"type:varchar(64);not null" json:"operation"`
	Status       string         `gorm:"type:varchar(20);not null" json:"status"`
	UserID       *uuid.UUID     `gorm:"type:char(36);index" json:"user_id,omitempty"`
	RequestData  datatypes.JSON `json:"request_data,omitempty"`
	ResponseData datatypes.JSON `json:"response_data,omitempty"`
	ErrorMessage *string        `gorm:"type:text" json:"error_message,omitempty"`
	IPAddress    *string        `gorm:"type:varchar(64)" json:"ip_address,omitempty"`
	UserAgent    *string        `gorm:"type:varchar(255)" json:"user_agent,omitempty"`
	DurationMs   int64          `gorm:"not null" json:"duration_ms"`
	CreatedAt    time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
