package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"storefront/internal/model"
	"storefront/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const auditWriteTimeout = 3 * time.Second

// AuditEntry is one pipeline or callback invocation. Request and Response
// are redacted summaries, never raw bodies.
type AuditEntry struct {
	FunctionName string
	Operation    string
	UserID       *uuid.UUID
	Request      interface{}
	Response     interface{}
	Err          error
	IPAddress    string
	UserAgent    string
	Duration     time.Duration
}

// AuditRecorder appends audit rows. It never fails the operation it records.
type AuditRecorder struct {
	logger    *zap.Logger
	auditRepo *repository.AuditRepository
}

func NewAuditRecorder(db *gorm.DB, logger *zap.Logger) *AuditRecorder {
	return &AuditRecorder{
		logger:    logger,
		auditRepo: repository.NewAuditRepository(db),
	}
}

func (r *AuditRecorder) Record(ctx context.Context, e AuditEntry) {
	row := &model.AuditLog{
		FunctionName: e.FunctionName,
		Operation:    e.Operation,
		Status:       model.AuditStatusSuccess,
		UserID:       e.UserID,
		RequestData:  toJSON(e.Request),
		ResponseData: toJSON(e.Response),
		IPAddress:    optional(e.IPAddress),
		UserAgent:    optional(truncateString(e.UserAgent, 255)),
		DurationMs:   e.Duration.Milliseconds(),
	}
	if e.Err != nil {
		row.Status = model.AuditStatusError
		msg := e.Err.Error()
		row.ErrorMessage = &msg
	}

	// the request may already be cancelled; the audit row is still wanted
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	if err := r.auditRepo.Create(writeCtx, row); err != nil {
		r.logger.Warn("audit write failed",
			zap.String("function", e.FunctionName),
			zap.String("operation", e.Operation),
			zap.String("status", row.Status),
			zap.Error(err),
		)
	}
}

func toJSON(v interface{}) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// truncateString keeps at most n bytes of valid UTF-8, never splitting a rune.
func truncateString(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
