package syncer

import (
	"context"
	"database/sql"
	"errors"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/TencentBlueKing/bk-user-sub003/internal/repository"
	"github.com/google/uuid"
)

// IDGenerator 租户外部标识生成器
// 同一 (tenant, source, entity_type, code) 的外部标识生成一次后永久复用：
// 已有映射永远优先于当前策略，策略变更只影响此后新出现的实体。
// 投影前可整体预载，避免大规模运行时逐条回查
type IDGenerator struct {
	repo      repository.TenantIDsRepository
	strategy  string
	idDomain  string
	preloaded map[string]map[string]string // entityType -> code -> external_id
	batchMode bool
}

// NewIDGenerator 创建外部标识生成器
func NewIDGenerator(repo repository.TenantIDsRepository, strategy, idDomain string) *IDGenerator {
	if strategy == "" {
		strategy = domain.IDStrategyUUID
	}
	return &IDGenerator{
		repo:      repo,
		strategy:  strategy,
		idDomain:  idDomain,
		preloaded: map[string]map[string]string{},
	}
}

// Preload 批量预载整个映射，此后命中预载的查询不再访问仓储
func (g *IDGenerator) Preload(ctx context.Context, tenantID string, dataSourceID int64) error {
	for _, entityType := range []string{domain.EntityTypeDepartment, domain.EntityTypeUser} {
		loaded, err := g.repo.LoadAll(ctx, tenantID, dataSourceID, entityType)
		if err != nil {
			return err
		}
		g.preloaded[entityType] = loaded
	}
	g.batchMode = true
	return nil
}

// ExternalID 取得（必要时生成并持久化）实体的外部标识
// username 仅用户实体按用户名策略时参与派生，部门恒为UUID
func (g *IDGenerator) ExternalID(ctx context.Context, tenantID string, dataSourceID int64, entityType, code, username string) (string, error) {
	if g.batchMode {
		if id, ok := g.preloaded[entityType][code]; ok {
			return id, nil
		}
	} else {
		record, err := g.repo.Get(ctx, tenantID, dataSourceID, entityType, code)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		if err == nil {
			return record.ExternalID, nil
		}
	}

	record, err := g.repo.Create(ctx, &domain.TenantIDRecord{
		TenantID:     tenantID,
		DataSourceID: dataSourceID,
		EntityType:   entityType,
		Code:         code,
		ExternalID:   g.generate(entityType, username),
	})
	if err != nil {
		return "", err
	}
	if g.batchMode {
		if g.preloaded[entityType] == nil {
			g.preloaded[entityType] = map[string]string{}
		}
		g.preloaded[entityType][code] = record.ExternalID
	}
	return record.ExternalID, nil
}

// generate 按策略生成新外部标识
func (g *IDGenerator) generate(entityType, username string) string {
	if entityType == domain.EntityTypeUser && g.strategy == domain.IDStrategyUsername && username != "" {
		if g.idDomain != "" {
			return username + "@" + g.idDomain
		}
		return username
	}
	return uuid.NewString()
}
