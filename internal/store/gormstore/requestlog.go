package gormstore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/quotagate/internal/gateway"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/credit"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/quota"
)

const (
	errorSubjectRequestLog = "request_log"
	defaultRequestLogLimit = 50
	maxRequestLogLimit     = 500
)

// RequestLogStore is the gateway.RequestLogger sink over request_logs.
type RequestLogStore struct {
	db *gorm.DB
}

var _ gateway.RequestLogger = (*RequestLogStore)(nil)

func NewRequestLogStore(db *gorm.DB) *RequestLogStore {
	return &RequestLogStore{db: db}
}

func (store *RequestLogStore) LogRequest(ctx context.Context, entry gateway.RequestLog) error {
	model := RequestLog{
		RequestID:        entry.RequestID,
		HolderID:         entry.HolderID,
		TeamID:           entry.TeamID,
		WalletID:         entry.WalletID,
		Model:            entry.Model,
		PromptTokens:     entry.PromptTokens,
		CompletionTokens: entry.CompletionTokens,
		TotalTokens:      entry.TotalTokens,
		EstimatedCredits: entry.EstimatedCredits,
		ActualCredits:    entry.ActualCredits,
		Source:           string(entry.Source),
		CostSource:       string(entry.CostSource),
		Status:           string(entry.Status),
		Error:            entry.Error,
		Attempts:         entry.Attempts,
		LatencyMS:        entry.Latency.Milliseconds(),
		Metadata:         datatypesJSON(""),
		CreatedAt:        entry.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectRequestLog, errorCodeInsert, err)
	}
	return nil
}

// ListRequests returns a holder's most recent request logs, newest first. An
// empty holder id lists every holder.
func (store *RequestLogStore) ListRequests(ctx context.Context, holderID string, limit int) ([]gateway.RequestLog, error) {
	if limit <= 0 {
		limit = defaultRequestLogLimit
	}
	if limit > maxRequestLogLimit {
		limit = maxRequestLogLimit
	}
	query := store.db.WithContext(ctx).Order("created_at DESC, request_id ASC").Limit(limit)
	if holderID != "" {
		query = query.Where("holder_id = ?", holderID)
	}
	var rows []RequestLog
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectRequestLog, errorCodeList, err)
	}
	entries := make([]gateway.RequestLog, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, gateway.RequestLog{
			RequestID:        row.RequestID,
			HolderID:         row.HolderID,
			TeamID:           row.TeamID,
			WalletID:         row.WalletID,
			Model:            row.Model,
			PromptTokens:     row.PromptTokens,
			CompletionTokens: row.CompletionTokens,
			TotalTokens:      row.TotalTokens,
			EstimatedCredits: row.EstimatedCredits,
			ActualCredits:    row.ActualCredits,
			Source:           quota.Source(row.Source),
			CostSource:       credit.CostSource(row.CostSource),
			Status:           gateway.Status(row.Status),
			Error:            row.Error,
			Attempts:         row.Attempts,
			Latency:          time.Duration(row.LatencyMS) * time.Millisecond,
			CreatedAt:        row.CreatedAt,
		})
	}
	return entries, nil
}
