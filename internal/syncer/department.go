package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/TencentBlueKing/bk-user-sub003/internal/plugin"
	"github.com/TencentBlueKing/bk-user-sub003/internal/repository"
	"go.uber.org/zap"
)

// DepartmentSyncer 部门实体同步器
// LOAD_TARGET -> DIFF -> APPLY，以自然code为关联键；
// 覆盖模式下上游缺失的部门被删除，增量模式只增改不删
type DepartmentSyncer struct {
	converter *Converter
	recorder  *ChangeRecorder
	logger    *zap.Logger

	overwrite     bool
	skipThreshold float64
}

// NewDepartmentSyncer 创建部门实体同步器
func NewDepartmentSyncer(converter *Converter, recorder *ChangeRecorder, logger *zap.Logger, overwrite bool, skipThreshold float64) *DepartmentSyncer {
	return &DepartmentSyncer{
		converter:     converter,
		recorder:      recorder,
		logger:        logger,
		overwrite:     overwrite,
		skipThreshold: skipThreshold,
	}
}

// Sync 执行部门实体同步，返回错误时整个实体写事务中止
func (s *DepartmentSyncer) Sync(ctx context.Context, tx repository.TxSnapshot, dataSourceID int64, raws []plugin.RawDepartment) error {
	incoming := make(map[string]*domain.SourceDepartment, len(raws))
	skipped := 0
	for _, raw := range raws {
		dept, err := s.converter.ConvertDepartment(raw)
		if err != nil {
			if domain.IsRecordSkippable(err) {
				skipped++
				s.recorder.Warnf("skip department %q: %v", raw.Code, err)
				continue
			}
			return err
		}
		if _, exists := incoming[dept.Code]; exists {
			return domain.NewConflictError("duplicate department code %q in fetched data", dept.Code)
		}
		incoming[dept.Code] = dept
	}
	if err := checkSkipRatio(len(raws), skipped, s.skipThreshold, domain.EntityTypeDepartment); err != nil {
		return err
	}

	current, err := tx.ListDepartments(ctx, dataSourceID)
	if err != nil {
		return err
	}
	existing := make(map[string]*domain.SourceDepartment, len(current))
	for _, dept := range current {
		existing[dept.Code] = dept
	}

	var creates, updates []*domain.SourceDepartment
	var deletes []string
	for code, dept := range incoming {
		old, ok := existing[code]
		if !ok {
			creates = append(creates, dept)
			continue
		}
		if departmentChanged(old, dept) {
			dept.ID = old.ID
			updates = append(updates, dept)
		}
	}
	if s.overwrite {
		for code := range existing {
			if _, ok := incoming[code]; !ok {
				deletes = append(deletes, code)
			}
		}
	}

	if len(creates) > 0 {
		if err := tx.BulkCreateDepartments(ctx, dataSourceID, creates); err != nil {
			return err
		}
		for _, dept := range creates {
			s.recorder.RecordCreate(domain.EntityTypeDepartment, dept.Code, map[string]any{
				"name": dept.Name, "parent_code": nullableString(dept.ParentCode),
			})
		}
	}
	if len(updates) > 0 {
		if err := tx.BulkUpdateDepartments(ctx, dataSourceID, updates); err != nil {
			return err
		}
		for _, dept := range updates {
			s.recorder.RecordUpdate(domain.EntityTypeDepartment, dept.Code, map[string]any{
				"name": dept.Name, "parent_code": nullableString(dept.ParentCode),
			})
		}
	}
	if len(deletes) > 0 {
		if err := tx.BulkDeleteDepartments(ctx, dataSourceID, deletes); err != nil {
			return err
		}
		for _, code := range deletes {
			s.recorder.RecordDelete(domain.EntityTypeDepartment, code, map[string]any{"code": code})
		}
	}

	s.recorder.Logf("departments synced: %d created, %d updated, %d deleted, %d skipped",
		len(creates), len(updates), len(deletes), skipped)
	s.logger.Info("departments synced",
		zap.Int64("data_source_id", dataSourceID),
		zap.Int("created", len(creates)), zap.Int("updated", len(updates)),
		zap.Int("deleted", len(deletes)), zap.Int("skipped", skipped))
	return nil
}

// departmentChanged 字段级比较，完全相同的记录不产生update
func departmentChanged(old, next *domain.SourceDepartment) bool {
	if old.Name != next.Name || old.ParentCode != next.ParentCode {
		return true
	}
	return !extrasEqual(old.Extras, next.Extras)
}

// DepartmentRelationSyncer 部门关系同步器
// 每次运行整树删除重建：从当前部门快照的parent_code推导全部边，
// 迭代自顶向下分层校验，保证任意同步结果都是一棵无环的树
type DepartmentRelationSyncer struct {
	recorder *ChangeRecorder
	logger   *zap.Logger
}

// NewDepartmentRelationSyncer 创建部门关系同步器
func NewDepartmentRelationSyncer(recorder *ChangeRecorder, logger *zap.Logger) *DepartmentRelationSyncer {
	return &DepartmentRelationSyncer{recorder: recorder, logger: logger}
}

// Sync 重建部门树；返回错误时调用方回滚到保存点，旧树保持不变
func (s *DepartmentRelationSyncer) Sync(ctx context.Context, tx repository.TxSnapshot, dataSourceID int64) error {
	departments, err := tx.ListDepartments(ctx, dataSourceID)
	if err != nil {
		return err
	}

	codes := make(map[string]bool, len(departments))
	for _, dept := range departments {
		codes[dept.Code] = true
	}

	// 父code指向不存在部门的按根处理，但要给出告警
	relations := make([]domain.SourceDepartmentRelation, 0, len(departments))
	parents := make(map[string]string, len(departments))
	for _, dept := range departments {
		rel := domain.SourceDepartmentRelation{DataSourceID: dataSourceID, DepartmentCode: dept.Code}
		if dept.ParentCode.Valid {
			switch {
			case dept.ParentCode.String == dept.Code:
				return domain.NewConflictError("department %q is its own parent", dept.Code)
			case !codes[dept.ParentCode.String]:
				s.recorder.Warnf("department %q references unknown parent %q, treated as root", dept.Code, dept.ParentCode.String)
			default:
				rel.ParentCode = dept.ParentCode
				parents[dept.Code] = dept.ParentCode.String
			}
		}
		relations = append(relations, rel)
	}

	if err := verifyAcyclic(parents); err != nil {
		return err
	}

	// 变更记录对比旧树，整树重建只落在持久层，未变化的边不产生记录
	previous, err := tx.ListDepartmentRelations(ctx, dataSourceID)
	if err != nil {
		return err
	}
	changed := s.recordTreeDiff(previous, relations)

	if err := tx.DeleteAllDepartmentRelations(ctx, dataSourceID); err != nil {
		return err
	}
	if err := tx.BulkCreateDepartmentRelations(ctx, dataSourceID, relations); err != nil {
		return err
	}

	s.recorder.Logf("department tree rebuilt: %d nodes, %d edges changed", len(relations), changed)
	s.logger.Info("department tree rebuilt",
		zap.Int64("data_source_id", dataSourceID), zap.Int("nodes", len(relations)), zap.Int("changed", changed))
	return nil
}

// recordTreeDiff 按节点对比新旧父指针，返回产生变更记录的边数
func (s *DepartmentRelationSyncer) recordTreeDiff(previous, next []domain.SourceDepartmentRelation) int {
	old := make(map[string]sql.NullString, len(previous))
	for _, rel := range previous {
		old[rel.DepartmentCode] = rel.ParentCode
	}

	changed := 0
	seen := make(map[string]bool, len(next))
	for _, rel := range next {
		seen[rel.DepartmentCode] = true
		prev, existed := old[rel.DepartmentCode]
		if !existed {
			s.recorder.RecordCreate(domain.EntityTypeDepartmentRelation, rel.DepartmentCode, map[string]any{
				"parent_code": nullableString(rel.ParentCode),
			})
			changed++
			continue
		}
		if prev != rel.ParentCode {
			s.recorder.RecordUpdate(domain.EntityTypeDepartmentRelation, rel.DepartmentCode, map[string]any{
				"parent_code": nullableString(rel.ParentCode),
			})
			changed++
		}
	}
	for _, rel := range previous {
		if !seen[rel.DepartmentCode] {
			s.recorder.RecordDelete(domain.EntityTypeDepartmentRelation, rel.DepartmentCode, map[string]any{
				"parent_code": nullableString(rel.ParentCode),
			})
			changed++
		}
	}
	return changed
}

// verifyAcyclic 迭代分层剥离：能自顶向下到达根的节点逐层出队，
// 剩下的节点必然处于环中
func verifyAcyclic(parents map[string]string) error {
	children := make(map[string][]string, len(parents))
	indegree := make(map[string]int, len(parents))
	for child, parent := range parents {
		children[parent] = append(children[parent], child)
		if _, ok := parents[parent]; !ok {
			indegree[parent] = 0
		}
		indegree[child] = 1
	}

	queue := make([]string, 0, len(indegree))
	for code, degree := range indegree {
		if degree == 0 {
			queue = append(queue, code)
		}
	}
	visited := 0
	for len(queue) > 0 {
		code := queue[0]
		queue = queue[1:]
		visited++
		queue = append(queue, children[code]...)
	}
	if visited != len(indegree) {
		return domain.NewConflictError("department tree contains a cycle")
	}
	return nil
}

// checkSkipRatio 被跳过记录超过阈值比例时整体失败
func checkSkipRatio(total, skipped int, threshold float64, entityType string) error {
	if total == 0 || skipped == 0 {
		return nil
	}
	ratio := float64(skipped) / float64(total)
	if ratio > threshold {
		return fmt.Errorf("%s sync skipped %d of %d records (%.1f%%), above the %.1f%% threshold",
			entityType, skipped, total, ratio*100, threshold*100)
	}
	return nil
}

// extrasEqual 属性袋比较
func extrasEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// nullableString NULL安全的日志取值
func nullableString(v sql.NullString) any {
	if v.Valid {
		return v.String
	}
	return nil
}
