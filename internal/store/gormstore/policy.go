package gormstore

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/quotagate/pkg/quota"
)

const orgSettingsRowID = 1

// PolicyStore implements quota.PolicySource over the single org_settings row.
// Until a row is written it answers with the configured fallback.
type PolicyStore struct {
	db       *gorm.DB
	fallback quota.Policy
}

var _ quota.PolicySource = (*PolicyStore)(nil)

func NewPolicyStore(db *gorm.DB, fallback quota.Policy) *PolicyStore {
	return &PolicyStore{db: db, fallback: fallback}
}

func (store *PolicyStore) LoadPolicy(ctx context.Context) (quota.Policy, error) {
	var model OrgSettings
	err := store.db.WithContext(ctx).Where("id = ?", orgSettingsRowID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.fallback, nil
	}
	if err != nil {
		return quota.Policy{}, wrapStoreError(errorSubjectPolicy, errorCodeGet, err)
	}
	return quota.Policy{
		AllowPriorityBypass:  model.AllowPriorityBypass,
		AllowVacationSharing: model.AllowVacationSharing,
	}, nil
}

// SavePolicy writes the organisation policy row.
func (store *PolicyStore) SavePolicy(ctx context.Context, policy quota.Policy) error {
	model := OrgSettings{
		ID:                   orgSettingsRowID,
		AllowPriorityBypass:  policy.AllowPriorityBypass,
		AllowVacationSharing: policy.AllowVacationSharing,
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"allow_priority_bypass", "allow_vacation_sharing", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectPolicy, errorCodeSave, err)
	}
	return nil
}
