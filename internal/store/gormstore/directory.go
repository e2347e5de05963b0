package gormstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/quotagate/pkg/quota"
)

const (
	errorSubjectHolder = "holder"
	errorSubjectTeam   = "team"
	errorSubjectPolicy = "policy"
	errorCodeUpdate    = "update"
	errorCodeCount     = "count"
)

// Directory implements quota.Directory over the quota_holders, teams and
// team_memberships tables.
type Directory struct {
	db *gorm.DB
}

var _ quota.Directory = (*Directory)(nil)

// NewDirectory returns a Directory backed by gorm.DB.
func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

func (directory *Directory) GetHolder(ctx context.Context, holderID string) (quota.Holder, error) {
	var model QuotaHolder
	err := directory.db.WithContext(ctx).Where("id = ?", holderID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return quota.Holder{}, fmt.Errorf("%w: %s", quota.ErrUnknownHolder, holderID)
	}
	if err != nil {
		return quota.Holder{}, wrapStoreError(errorSubjectHolder, errorCodeGet, err)
	}
	return quota.Holder{
		ID:            model.ID,
		Status:        quota.HolderStatus(model.Status),
		PersonalQuota: model.PersonalQuota,
		UsedTokens:    model.UsedTokens,
		WalletID:      stringOrEmpty(model.WalletID),
	}, nil
}

func (directory *Directory) ListHolderTeams(ctx context.Context, holderID string) ([]quota.Team, error) {
	var rows []Team
	err := directory.db.WithContext(ctx).
		Joins("JOIN team_memberships ON team_memberships.team_id = teams.id").
		Where("team_memberships.holder_id = ?", holderID).
		Order("team_memberships.position ASC, teams.id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTeam, errorCodeList, err)
	}
	teams := make([]quota.Team, 0, len(rows))
	for _, row := range rows {
		teams = append(teams, quota.Team{
			ID:                      row.ID,
			Name:                    row.Name,
			CommonPool:              row.CommonPool,
			UsedPool:                row.UsedPool,
			VacationSharePercentage: row.VacationSharePercentage,
		})
	}
	return teams, nil
}

func (directory *Directory) CountAbsentMembers(ctx context.Context, teamID string, excludeHolderID string) (int64, error) {
	var count int64
	err := directory.db.WithContext(ctx).
		Model(&QuotaHolder{}).
		Joins("JOIN team_memberships ON team_memberships.holder_id = quota_holders.id").
		Where("team_memberships.team_id = ?", teamID).
		Where("quota_holders.id <> ?", excludeHolderID).
		Where("quota_holders.status = ?", string(quota.HolderVacation)).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTeam, errorCodeCount, err)
	}
	return count, nil
}

// AddHolderUsage increments used_tokens in one UPDATE.
func (directory *Directory) AddHolderUsage(ctx context.Context, holderID string, amount decimal.Decimal) error {
	result := directory.db.WithContext(ctx).
		Model(&QuotaHolder{}).
		Where("id = ?", holderID).
		Update("used_tokens", gorm.Expr("used_tokens + ?", amount))
	if result.Error != nil {
		return wrapStoreError(errorSubjectHolder, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", quota.ErrUnknownHolder, holderID)
	}
	return nil
}

// AddTeamPoolUsage increments used_pool in one UPDATE.
func (directory *Directory) AddTeamPoolUsage(ctx context.Context, teamID string, amount decimal.Decimal) error {
	result := directory.db.WithContext(ctx).
		Model(&Team{}).
		Where("id = ?", teamID).
		Update("used_pool", gorm.Expr("used_pool + ?", amount))
	if result.Error != nil {
		return wrapStoreError(errorSubjectTeam, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", quota.ErrUnknownTeam, teamID)
	}
	return nil
}

// UpsertHolder writes a holder row. Used by seeding and tests.
func (directory *Directory) UpsertHolder(ctx context.Context, holder quota.Holder) error {
	model := QuotaHolder{
		ID:            holder.ID,
		Status:        string(holder.Status),
		PersonalQuota: holder.PersonalQuota,
		UsedTokens:    holder.UsedTokens,
		WalletID:      optionalString(holder.WalletID),
	}
	if model.Status == "" {
		model.Status = string(quota.HolderActive)
	}
	if err := directory.db.WithContext(ctx).Save(&model).Error; err != nil {
		return wrapStoreError(errorSubjectHolder, errorCodeSave, err)
	}
	return nil
}

// UpsertTeam writes a team row and replaces its membership. A member's new
// membership ranks after the teams they already belong to.
func (directory *Directory) UpsertTeam(ctx context.Context, team quota.Team, members ...string) error {
	return directory.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := Team{
			ID:                      team.ID,
			Name:                    team.Name,
			CommonPool:              team.CommonPool,
			UsedPool:                team.UsedPool,
			VacationSharePercentage: team.VacationSharePercentage,
		}
		if err := tx.Save(&model).Error; err != nil {
			return wrapStoreError(errorSubjectTeam, errorCodeSave, err)
		}
		if err := tx.Where("team_id = ?", team.ID).Delete(&TeamMembership{}).Error; err != nil {
			return wrapStoreError(errorSubjectTeam, errorCodeSave, err)
		}
		for _, holderID := range members {
			var position int64
			if err := tx.Model(&TeamMembership{}).Where("holder_id = ?", holderID).Count(&position).Error; err != nil {
				return wrapStoreError(errorSubjectTeam, errorCodeCount, err)
			}
			membership := TeamMembership{TeamID: team.ID, HolderID: holderID, Position: int(position)}
			if err := tx.Create(&membership).Error; err != nil {
				return wrapStoreError(errorSubjectTeam, errorCodeSave, err)
			}
		}
		return nil
	})
}
