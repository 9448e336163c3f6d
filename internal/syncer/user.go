package syncer

import (
	"context"
	"fmt"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/TencentBlueKing/bk-user-sub003/internal/plugin"
	"github.com/TencentBlueKing/bk-user-sub003/internal/repository"
	"go.uber.org/zap"
)

// UserSyncer 用户实体同步器
// 与部门实体同步器同构：LOAD_TARGET -> DIFF -> APPLY，code为关联键；
// 额外做声明唯一的自定义字段跨用户查重
type UserSyncer struct {
	converter    *Converter
	recorder     *ChangeRecorder
	logger       *zap.Logger
	customFields []domain.CustomField

	overwrite     bool
	skipThreshold float64
}

// NewUserSyncer 创建用户实体同步器
func NewUserSyncer(converter *Converter, recorder *ChangeRecorder, logger *zap.Logger, customFields []domain.CustomField, overwrite bool, skipThreshold float64) *UserSyncer {
	return &UserSyncer{
		converter:     converter,
		recorder:      recorder,
		logger:        logger,
		customFields:  customFields,
		overwrite:     overwrite,
		skipThreshold: skipThreshold,
	}
}

// Sync 执行用户实体同步
// 返回同步后本次拉取内有效的用户code集合，供关系同步器限定作用范围
func (s *UserSyncer) Sync(ctx context.Context, tx repository.TxSnapshot, dataSourceID int64, raws []plugin.RawUser) (map[string]bool, error) {
	incoming := make(map[string]*domain.SourceUser, len(raws))
	skipped := 0
	for _, raw := range raws {
		user, err := s.converter.ConvertUser(raw)
		if err != nil {
			if domain.IsRecordSkippable(err) {
				skipped++
				s.recorder.Warnf("skip user %q: %v", raw.Code, err)
				continue
			}
			return nil, err
		}
		if _, exists := incoming[user.Code]; exists {
			return nil, domain.NewConflictError("duplicate user code %q in fetched data", user.Code)
		}
		incoming[user.Code] = user
	}
	if err := checkSkipRatio(len(raws), skipped, s.skipThreshold, domain.EntityTypeUser); err != nil {
		return nil, err
	}

	current, err := tx.ListUsers(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]*domain.SourceUser, len(current))
	for _, user := range current {
		existing[user.Code] = user
	}

	var creates, updates []*domain.SourceUser
	var deletes []string
	for code, user := range incoming {
		old, ok := existing[code]
		if !ok {
			creates = append(creates, user)
			continue
		}
		if userChanged(old, user) {
			user.ID = old.ID
			updates = append(updates, user)
		}
	}
	if s.overwrite {
		for code := range existing {
			if _, ok := incoming[code]; !ok {
				deletes = append(deletes, code)
			}
		}
	}

	if err := s.checkUniqueFields(incoming, existing, deletes); err != nil {
		return nil, err
	}

	if len(creates) > 0 {
		if err := tx.BulkCreateUsers(ctx, dataSourceID, creates); err != nil {
			return nil, err
		}
		for _, user := range creates {
			s.recorder.RecordCreate(domain.EntityTypeUser, user.Code, userDetail(user))
		}
	}
	if len(updates) > 0 {
		if err := tx.BulkUpdateUsers(ctx, dataSourceID, updates); err != nil {
			return nil, err
		}
		for _, user := range updates {
			s.recorder.RecordUpdate(domain.EntityTypeUser, user.Code, userDetail(user))
		}
	}
	if len(deletes) > 0 {
		if err := tx.BulkDeleteUsers(ctx, dataSourceID, deletes); err != nil {
			return nil, err
		}
		for _, code := range deletes {
			s.recorder.RecordDelete(domain.EntityTypeUser, code, map[string]any{"code": code})
		}
	}

	s.recorder.Logf("users synced: %d created, %d updated, %d deleted, %d skipped",
		len(creates), len(updates), len(deletes), skipped)
	s.logger.Info("users synced",
		zap.Int64("data_source_id", dataSourceID),
		zap.Int("created", len(creates)), zap.Int("updated", len(updates)),
		zap.Int("deleted", len(deletes)), zap.Int("skipped", skipped))

	fetched := make(map[string]bool, len(incoming))
	for code := range incoming {
		fetched[code] = true
	}
	return fetched, nil
}

// checkUniqueFields 声明唯一的自定义字段在同步后的最终用户集合内查重
func (s *UserSyncer) checkUniqueFields(incoming, existing map[string]*domain.SourceUser, deletes []string) error {
	var uniqueFields []string
	for _, field := range s.customFields {
		if field.Unique {
			uniqueFields = append(uniqueFields, field.Name)
		}
	}
	if len(uniqueFields) == 0 {
		return nil
	}

	deleted := make(map[string]bool, len(deletes))
	for _, code := range deletes {
		deleted[code] = true
	}
	final := make(map[string]*domain.SourceUser, len(existing)+len(incoming))
	for code, user := range existing {
		if !deleted[code] {
			final[code] = user
		}
	}
	for code, user := range incoming {
		final[code] = user
	}

	for _, field := range uniqueFields {
		seen := make(map[string]string, len(final))
		for code, user := range final {
			value, ok := user.Extras[field]
			if !ok || value == nil {
				continue
			}
			key := fmt.Sprintf("%v", value)
			if key == "" {
				continue
			}
			if other, dup := seen[key]; dup {
				return domain.NewConflictError("unique field %q value %q shared by users %q and %q", field, key, other, code)
			}
			seen[key] = code
		}
	}
	return nil
}

// userChanged 字段级比较，完全相同的记录不产生update
func userChanged(old, next *domain.SourceUser) bool {
	if old.Username != next.Username || old.FullName != next.FullName ||
		old.Email != next.Email || old.Phone != next.Phone || old.CountryCode != next.CountryCode {
		return true
	}
	return !extrasEqual(old.Extras, next.Extras)
}

func userDetail(user *domain.SourceUser) map[string]any {
	detail := map[string]any{
		"username":  user.Username,
		"full_name": user.FullName,
	}
	if user.Email.Valid {
		detail["email"] = user.Email.String
	}
	if user.Phone.Valid {
		detail["phone"] = user.Phone.String
		detail["phone_country_code"] = user.CountryCode
	}
	return detail
}

// UserLeaderRelationSyncer 用户-上级关系同步器
// 只在本次拉取到的用户范围内增删边，未出现在拉取结果中的用户的边保持不动
type UserLeaderRelationSyncer struct {
	recorder *ChangeRecorder
	logger   *zap.Logger

	overwrite bool
}

// NewUserLeaderRelationSyncer 创建用户-上级关系同步器
func NewUserLeaderRelationSyncer(recorder *ChangeRecorder, logger *zap.Logger, overwrite bool) *UserLeaderRelationSyncer {
	return &UserLeaderRelationSyncer{recorder: recorder, logger: logger, overwrite: overwrite}
}

// Sync 同步上级边；返回错误时调用方回滚到保存点，旧边保持不变
func (s *UserLeaderRelationSyncer) Sync(ctx context.Context, tx repository.TxSnapshot, dataSourceID int64, raws []plugin.RawUser, fetched map[string]bool) error {
	users, err := tx.ListUsers(ctx, dataSourceID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(users))
	for _, user := range users {
		known[user.Code] = true
	}

	desired := map[string]domain.SourceUserLeaderRelation{}
	for _, raw := range raws {
		if !known[raw.Code] {
			continue
		}
		for _, leader := range raw.LeaderCodes {
			if leader == raw.Code {
				s.recorder.Warnf("user %q lists itself as leader, edge dropped", raw.Code)
				continue
			}
			if !known[leader] {
				s.recorder.Warnf("user %q references unknown leader %q, edge dropped", raw.Code, leader)
				continue
			}
			rel := domain.SourceUserLeaderRelation{DataSourceID: dataSourceID, UserCode: raw.Code, LeaderCode: leader}
			desired[relationKey(rel.UserCode, rel.LeaderCode)] = rel
		}
	}

	current, err := tx.ListUserLeaderRelations(ctx, dataSourceID)
	if err != nil {
		return err
	}
	existing := make(map[string]domain.SourceUserLeaderRelation, len(current))
	for _, rel := range current {
		existing[relationKey(rel.UserCode, rel.LeaderCode)] = rel
	}

	var creates, removes []domain.SourceUserLeaderRelation
	for key, rel := range desired {
		if _, ok := existing[key]; !ok {
			creates = append(creates, rel)
		}
	}
	for key, rel := range existing {
		if _, ok := desired[key]; ok {
			continue
		}
		// 增量模式保持未拉取到的用户的边不动（端点被删除的边除外）
		if !s.overwrite && !fetched[rel.UserCode] && known[rel.UserCode] && known[rel.LeaderCode] {
			continue
		}
		removes = append(removes, rel)
	}

	if len(creates) > 0 {
		if err := tx.BulkCreateUserLeaderRelations(ctx, dataSourceID, creates); err != nil {
			return err
		}
		for _, rel := range creates {
			s.recorder.RecordCreate(domain.EntityTypeUserLeaderRelation, rel.UserCode, map[string]any{"leader_code": rel.LeaderCode})
		}
	}
	if len(removes) > 0 {
		if err := tx.BulkDeleteUserLeaderRelations(ctx, dataSourceID, removes); err != nil {
			return err
		}
		for _, rel := range removes {
			s.recorder.RecordDelete(domain.EntityTypeUserLeaderRelation, rel.UserCode, map[string]any{"leader_code": rel.LeaderCode})
		}
	}

	s.recorder.Logf("user leader relations synced: %d created, %d deleted", len(creates), len(removes))
	return nil
}

// DepartmentUserRelationSyncer 部门-用户关系同步器
// 与上级关系同步器同构，边的另一端是部门
type DepartmentUserRelationSyncer struct {
	recorder *ChangeRecorder
	logger   *zap.Logger

	overwrite bool
}

// NewDepartmentUserRelationSyncer 创建部门-用户关系同步器
func NewDepartmentUserRelationSyncer(recorder *ChangeRecorder, logger *zap.Logger, overwrite bool) *DepartmentUserRelationSyncer {
	return &DepartmentUserRelationSyncer{recorder: recorder, logger: logger, overwrite: overwrite}
}

// Sync 同步部门归属边；返回错误时调用方回滚到保存点，旧边保持不变
func (s *DepartmentUserRelationSyncer) Sync(ctx context.Context, tx repository.TxSnapshot, dataSourceID int64, raws []plugin.RawUser, fetched map[string]bool) error {
	users, err := tx.ListUsers(ctx, dataSourceID)
	if err != nil {
		return err
	}
	knownUsers := make(map[string]bool, len(users))
	for _, user := range users {
		knownUsers[user.Code] = true
	}
	departments, err := tx.ListDepartments(ctx, dataSourceID)
	if err != nil {
		return err
	}
	knownDepts := make(map[string]bool, len(departments))
	for _, dept := range departments {
		knownDepts[dept.Code] = true
	}

	desired := map[string]domain.SourceDepartmentUserRelation{}
	for _, raw := range raws {
		if !knownUsers[raw.Code] {
			continue
		}
		for _, deptCode := range raw.DepartmentCodes {
			if !knownDepts[deptCode] {
				s.recorder.Warnf("user %q references unknown department %q, edge dropped", raw.Code, deptCode)
				continue
			}
			rel := domain.SourceDepartmentUserRelation{DataSourceID: dataSourceID, DepartmentCode: deptCode, UserCode: raw.Code}
			desired[relationKey(rel.DepartmentCode, rel.UserCode)] = rel
		}
	}

	current, err := tx.ListDepartmentUserRelations(ctx, dataSourceID)
	if err != nil {
		return err
	}
	existing := make(map[string]domain.SourceDepartmentUserRelation, len(current))
	for _, rel := range current {
		existing[relationKey(rel.DepartmentCode, rel.UserCode)] = rel
	}

	var creates, removes []domain.SourceDepartmentUserRelation
	for key, rel := range desired {
		if _, ok := existing[key]; !ok {
			creates = append(creates, rel)
		}
	}
	for key, rel := range existing {
		if _, ok := desired[key]; ok {
			continue
		}
		if !s.overwrite && !fetched[rel.UserCode] && knownUsers[rel.UserCode] {
			continue
		}
		removes = append(removes, rel)
	}

	if len(creates) > 0 {
		if err := tx.BulkCreateDepartmentUserRelations(ctx, dataSourceID, creates); err != nil {
			return err
		}
		for _, rel := range creates {
			s.recorder.RecordCreate(domain.EntityTypeDepartmentUserRelation, rel.UserCode, map[string]any{"department_code": rel.DepartmentCode})
		}
	}
	if len(removes) > 0 {
		if err := tx.BulkDeleteDepartmentUserRelations(ctx, dataSourceID, removes); err != nil {
			return err
		}
		for _, rel := range removes {
			s.recorder.RecordDelete(domain.EntityTypeDepartmentUserRelation, rel.UserCode, map[string]any{"department_code": rel.DepartmentCode})
		}
	}

	s.recorder.Logf("department user relations synced: %d created, %d deleted", len(creates), len(removes))
	return nil
}

// relationKey 关系边的集合键
func relationKey(a, b string) string {
	return a + "\x00" + b
}
