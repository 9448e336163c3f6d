package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/TencentBlueKing/bk-user-sub003/internal/lock"
	"github.com/TencentBlueKing/bk-user-sub003/internal/repository"
	"go.uber.org/zap"
)

// Projector 租户投影器
// 快照事务提交后被显式调用：把数据源快照整体替换进租户侧投影表。
// 投影持有独立的租户锁；外部标识映射在投影事务之外先行落库，
// 保证投影失败重跑时标识不变
type Projector struct {
	stores repository.Stores
	locker lock.Locker
	logger *zap.Logger

	lockTTL  time.Duration
	lockWait time.Duration
}

// NewProjector 创建投影器
func NewProjector(stores repository.Stores, locker lock.Locker, logger *zap.Logger, lockTTL, lockWait time.Duration) *Projector {
	return &Projector{stores: stores, locker: locker, logger: logger, lockTTL: lockTTL, lockWait: lockWait}
}

// Project 把数据源快照投影到租户侧
func (p *Projector) Project(ctx context.Context, ds *domain.DataSource) error {
	held, err := p.locker.Acquire(ctx, fmt.Sprintf("tenant:%s", ds.TenantID), p.lockTTL, p.lockWait)
	if err != nil {
		return err
	}
	defer func() {
		if err := held.Release(context.Background()); err != nil {
			p.logger.Warn("release tenant lock", zap.String("tenant_id", ds.TenantID), zap.Error(err))
		}
	}()

	gen := NewIDGenerator(p.stores.TenantIDs(), ds.IDStrategy, ds.IDDomain)
	if err := gen.Preload(ctx, ds.TenantID, ds.ID); err != nil {
		return fmt.Errorf("preload tenant entity ids: %w", err)
	}

	snapshot := p.stores.Snapshot()

	departments, err := snapshot.ListDepartments(ctx, ds.ID)
	if err != nil {
		return err
	}
	deptRelations, err := snapshot.ListDepartmentRelations(ctx, ds.ID)
	if err != nil {
		return err
	}
	users, err := snapshot.ListUsers(ctx, ds.ID)
	if err != nil {
		return err
	}
	leaderRelations, err := snapshot.ListUserLeaderRelations(ctx, ds.ID)
	if err != nil {
		return err
	}
	deptUserRelations, err := snapshot.ListDepartmentUserRelations(ctx, ds.ID)
	if err != nil {
		return err
	}

	deptIDs := make(map[string]string, len(departments))
	tenantDepartments := make([]*domain.TenantDepartment, 0, len(departments))
	for _, dept := range departments {
		externalID, err := gen.ExternalID(ctx, ds.TenantID, ds.ID, domain.EntityTypeDepartment, dept.Code, "")
		if err != nil {
			return err
		}
		deptIDs[dept.Code] = externalID
		tenantDepartments = append(tenantDepartments, &domain.TenantDepartment{
			TenantID:     ds.TenantID,
			DataSourceID: ds.ID,
			ExternalID:   externalID,
			Name:         dept.Name,
		})
	}
	// 父引用来自关系表重建出的树，而非实体上的原始parent_code
	parentByCode := make(map[string]string, len(deptRelations))
	for _, rel := range deptRelations {
		if rel.ParentCode.Valid {
			parentByCode[rel.DepartmentCode] = rel.ParentCode.String
		}
	}
	deptIndex := make(map[string]*domain.TenantDepartment, len(tenantDepartments))
	for i, dept := range departments {
		deptIndex[dept.Code] = tenantDepartments[i]
	}
	for code, parentCode := range parentByCode {
		if td, ok := deptIndex[code]; ok {
			if parentID, ok := deptIDs[parentCode]; ok {
				td.ParentExternalID = sql.NullString{String: parentID, Valid: true}
			}
		}
	}

	userIDs := make(map[string]string, len(users))
	tenantUsers := make([]*domain.TenantUser, 0, len(users))
	for _, user := range users {
		externalID, err := gen.ExternalID(ctx, ds.TenantID, ds.ID, domain.EntityTypeUser, user.Code, user.Username)
		if err != nil {
			return err
		}
		userIDs[user.Code] = externalID
		tenantUsers = append(tenantUsers, &domain.TenantUser{
			TenantID:     ds.TenantID,
			DataSourceID: ds.ID,
			ExternalID:   externalID,
			Username:     user.Username,
			FullName:     user.FullName,
			Email:        user.Email,
			Phone:        user.Phone,
			Extras:       user.Extras,
		})
	}

	relations := make([]domain.TenantUserRelation, 0, len(leaderRelations)+len(deptUserRelations))
	for _, rel := range leaderRelations {
		userID, ok1 := userIDs[rel.UserCode]
		leaderID, ok2 := userIDs[rel.LeaderCode]
		if !ok1 || !ok2 {
			continue
		}
		relations = append(relations, domain.TenantUserRelation{
			TenantID:         ds.TenantID,
			DataSourceID:     ds.ID,
			RelationType:     domain.RelationTypeLeader,
			UserExternalID:   userID,
			TargetExternalID: leaderID,
		})
	}
	for _, rel := range deptUserRelations {
		userID, ok1 := userIDs[rel.UserCode]
		deptID, ok2 := deptIDs[rel.DepartmentCode]
		if !ok1 || !ok2 {
			continue
		}
		relations = append(relations, domain.TenantUserRelation{
			TenantID:         ds.TenantID,
			DataSourceID:     ds.ID,
			RelationType:     domain.RelationTypeDepartment,
			UserExternalID:   userID,
			TargetExternalID: deptID,
		})
	}

	err = p.stores.WithinProjectionTx(ctx, func(tx repository.ProjectionRepository) error {
		if err := tx.ReplaceDepartments(ctx, ds.TenantID, ds.ID, tenantDepartments); err != nil {
			return err
		}
		if err := tx.ReplaceUsers(ctx, ds.TenantID, ds.ID, tenantUsers); err != nil {
			return err
		}
		return tx.ReplaceUserRelations(ctx, ds.TenantID, ds.ID, relations)
	})
	if err != nil {
		return fmt.Errorf("replace tenant projection: %w", err)
	}

	p.logger.Info("tenant projection replaced",
		zap.String("tenant_id", ds.TenantID),
		zap.Int64("data_source_id", ds.ID),
		zap.Int("departments", len(tenantDepartments)),
		zap.Int("users", len(tenantUsers)),
		zap.Int("relations", len(relations)))
	return nil
}
