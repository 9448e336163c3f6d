package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
)

// MemoryStores 内存版仓储工厂
// 用于单元测试和无DB的本地开发，语义与Postgres实现一致（含事务回滚和保存点）
type MemoryStores struct {
	mu    sync.Mutex
	state *memoryState

	tasks       map[int64]*domain.SyncTask
	nextTaskID  int64
	changeLogs  []*domain.ChangeLogEntry
	nextLogID   int64
	dataSources map[int64]*domain.DataSource
	custom      map[string][]domain.CustomField
	tenantIDs   map[string]*domain.TenantIDRecord
	projection  *memoryProjectionState
}

// memoryState 可回滚的快照状态
type memoryState struct {
	departments   map[int64]map[string]*domain.SourceDepartment
	deptRelations map[int64][]domain.SourceDepartmentRelation
	users         map[int64]map[string]*domain.SourceUser
	leaderRels    map[int64][]domain.SourceUserLeaderRelation
	deptUserRels  map[int64][]domain.SourceDepartmentUserRelation
}

type memoryProjectionState struct {
	departments map[string][]*domain.TenantDepartment
	users       map[string][]*domain.TenantUser
	relations   map[string][]domain.TenantUserRelation
}

// NewMemoryStores 创建内存仓储工厂
func NewMemoryStores() *MemoryStores {
	return &MemoryStores{
		state:       newMemoryState(),
		tasks:       map[int64]*domain.SyncTask{},
		dataSources: map[int64]*domain.DataSource{},
		custom:      map[string][]domain.CustomField{},
		tenantIDs:   map[string]*domain.TenantIDRecord{},
		projection: &memoryProjectionState{
			departments: map[string][]*domain.TenantDepartment{},
			users:       map[string][]*domain.TenantUser{},
			relations:   map[string][]domain.TenantUserRelation{},
		},
	}
}

var _ Stores = (*MemoryStores)(nil)

func newMemoryState() *memoryState {
	return &memoryState{
		departments:   map[int64]map[string]*domain.SourceDepartment{},
		deptRelations: map[int64][]domain.SourceDepartmentRelation{},
		users:         map[int64]map[string]*domain.SourceUser{},
		leaderRels:    map[int64][]domain.SourceUserLeaderRelation{},
		deptUserRels:  map[int64][]domain.SourceDepartmentUserRelation{},
	}
}

func cloneExtras(extras map[string]any) map[string]any {
	if extras == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(extras))
	for k, v := range extras {
		out[k] = v
	}
	return out
}

func cloneDepartment(d *domain.SourceDepartment) *domain.SourceDepartment {
	c := *d
	c.Extras = cloneExtras(d.Extras)
	return &c
}

func cloneUser(u *domain.SourceUser) *domain.SourceUser {
	c := *u
	c.Extras = cloneExtras(u.Extras)
	return &c
}

func (s *memoryState) clone() *memoryState {
	out := newMemoryState()
	for ds, m := range s.departments {
		nm := map[string]*domain.SourceDepartment{}
		for code, d := range m {
			nm[code] = cloneDepartment(d)
		}
		out.departments[ds] = nm
	}
	for ds, rels := range s.deptRelations {
		out.deptRelations[ds] = append([]domain.SourceDepartmentRelation{}, rels...)
	}
	for ds, m := range s.users {
		nm := map[string]*domain.SourceUser{}
		for code, u := range m {
			nm[code] = cloneUser(u)
		}
		out.users[ds] = nm
	}
	for ds, rels := range s.leaderRels {
		out.leaderRels[ds] = append([]domain.SourceUserLeaderRelation{}, rels...)
	}
	for ds, rels := range s.deptUserRels {
		out.deptUserRels[ds] = append([]domain.SourceDepartmentUserRelation{}, rels...)
	}
	return out
}

// ============================================
// Snapshot repository（内存版）
// ============================================

// memorySnapshot 绑定到某份状态的快照仓储（含保存点）
type memorySnapshot struct {
	state      *memoryState
	savepoints map[string]*memoryState
}

var _ TxSnapshot = (*memorySnapshot)(nil)

func (m *memorySnapshot) Savepoint(_ context.Context, name string) error {
	if m.savepoints == nil {
		m.savepoints = map[string]*memoryState{}
	}
	m.savepoints[name] = m.state.clone()
	return nil
}

func (m *memorySnapshot) RollbackTo(_ context.Context, name string) error {
	saved, ok := m.savepoints[name]
	if !ok {
		return fmt.Errorf("savepoint %s does not exist", name)
	}
	*m.state = *saved.clone()
	return nil
}

func (m *memorySnapshot) ListDepartments(_ context.Context, dataSourceID int64) ([]*domain.SourceDepartment, error) {
	out := []*domain.SourceDepartment{}
	for _, d := range m.state.departments[dataSourceID] {
		out = append(out, cloneDepartment(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *memorySnapshot) BulkCreateDepartments(_ context.Context, dataSourceID int64, departments []*domain.SourceDepartment) error {
	bucket := m.state.departments[dataSourceID]
	if bucket == nil {
		bucket = map[string]*domain.SourceDepartment{}
		m.state.departments[dataSourceID] = bucket
	}
	for _, d := range departments {
		if _, exists := bucket[d.Code]; exists {
			return fmt.Errorf("department %s already exists", d.Code)
		}
		c := cloneDepartment(d)
		c.DataSourceID = dataSourceID
		bucket[d.Code] = c
	}
	return nil
}

func (m *memorySnapshot) BulkUpdateDepartments(_ context.Context, dataSourceID int64, departments []*domain.SourceDepartment) error {
	bucket := m.state.departments[dataSourceID]
	for _, d := range departments {
		if _, exists := bucket[d.Code]; !exists {
			return fmt.Errorf("department %s does not exist", d.Code)
		}
		c := cloneDepartment(d)
		c.DataSourceID = dataSourceID
		bucket[d.Code] = c
	}
	return nil
}

func (m *memorySnapshot) BulkDeleteDepartments(_ context.Context, dataSourceID int64, codes []string) error {
	bucket := m.state.departments[dataSourceID]
	for _, code := range codes {
		delete(bucket, code)
	}
	return nil
}

func (m *memorySnapshot) ListDepartmentRelations(_ context.Context, dataSourceID int64) ([]domain.SourceDepartmentRelation, error) {
	return append([]domain.SourceDepartmentRelation{}, m.state.deptRelations[dataSourceID]...), nil
}

func (m *memorySnapshot) DeleteAllDepartmentRelations(_ context.Context, dataSourceID int64) error {
	m.state.deptRelations[dataSourceID] = nil
	return nil
}

func (m *memorySnapshot) BulkCreateDepartmentRelations(_ context.Context, dataSourceID int64, relations []domain.SourceDepartmentRelation) error {
	for _, rel := range relations {
		rel.DataSourceID = dataSourceID
		m.state.deptRelations[dataSourceID] = append(m.state.deptRelations[dataSourceID], rel)
	}
	return nil
}

func (m *memorySnapshot) ListUsers(_ context.Context, dataSourceID int64) ([]*domain.SourceUser, error) {
	out := []*domain.SourceUser{}
	for _, u := range m.state.users[dataSourceID] {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *memorySnapshot) BulkCreateUsers(_ context.Context, dataSourceID int64, users []*domain.SourceUser) error {
	bucket := m.state.users[dataSourceID]
	if bucket == nil {
		bucket = map[string]*domain.SourceUser{}
		m.state.users[dataSourceID] = bucket
	}
	for _, u := range users {
		if _, exists := bucket[u.Code]; exists {
			return fmt.Errorf("user %s already exists", u.Code)
		}
		c := cloneUser(u)
		c.DataSourceID = dataSourceID
		bucket[u.Code] = c
	}
	return nil
}

func (m *memorySnapshot) BulkUpdateUsers(_ context.Context, dataSourceID int64, users []*domain.SourceUser) error {
	bucket := m.state.users[dataSourceID]
	for _, u := range users {
		if _, exists := bucket[u.Code]; !exists {
			return fmt.Errorf("user %s does not exist", u.Code)
		}
		c := cloneUser(u)
		c.DataSourceID = dataSourceID
		bucket[u.Code] = c
	}
	return nil
}

func (m *memorySnapshot) BulkDeleteUsers(_ context.Context, dataSourceID int64, codes []string) error {
	bucket := m.state.users[dataSourceID]
	for _, code := range codes {
		delete(bucket, code)
	}
	return nil
}

func (m *memorySnapshot) ListUserLeaderRelations(_ context.Context, dataSourceID int64) ([]domain.SourceUserLeaderRelation, error) {
	return append([]domain.SourceUserLeaderRelation{}, m.state.leaderRels[dataSourceID]...), nil
}

func (m *memorySnapshot) BulkCreateUserLeaderRelations(_ context.Context, dataSourceID int64, relations []domain.SourceUserLeaderRelation) error {
	for _, rel := range relations {
		rel.DataSourceID = dataSourceID
		m.state.leaderRels[dataSourceID] = append(m.state.leaderRels[dataSourceID], rel)
	}
	return nil
}

func (m *memorySnapshot) BulkDeleteUserLeaderRelations(_ context.Context, dataSourceID int64, relations []domain.SourceUserLeaderRelation) error {
	drop := map[string]bool{}
	for _, rel := range relations {
		drop[rel.UserCode+"\x00"+rel.LeaderCode] = true
	}
	kept := []domain.SourceUserLeaderRelation{}
	for _, rel := range m.state.leaderRels[dataSourceID] {
		if !drop[rel.UserCode+"\x00"+rel.LeaderCode] {
			kept = append(kept, rel)
		}
	}
	m.state.leaderRels[dataSourceID] = kept
	return nil
}

func (m *memorySnapshot) ListDepartmentUserRelations(_ context.Context, dataSourceID int64) ([]domain.SourceDepartmentUserRelation, error) {
	return append([]domain.SourceDepartmentUserRelation{}, m.state.deptUserRels[dataSourceID]...), nil
}

func (m *memorySnapshot) BulkCreateDepartmentUserRelations(_ context.Context, dataSourceID int64, relations []domain.SourceDepartmentUserRelation) error {
	for _, rel := range relations {
		rel.DataSourceID = dataSourceID
		m.state.deptUserRels[dataSourceID] = append(m.state.deptUserRels[dataSourceID], rel)
	}
	return nil
}

func (m *memorySnapshot) BulkDeleteDepartmentUserRelations(_ context.Context, dataSourceID int64, relations []domain.SourceDepartmentUserRelation) error {
	drop := map[string]bool{}
	for _, rel := range relations {
		drop[rel.DepartmentCode+"\x00"+rel.UserCode] = true
	}
	kept := []domain.SourceDepartmentUserRelation{}
	for _, rel := range m.state.deptUserRels[dataSourceID] {
		if !drop[rel.DepartmentCode+"\x00"+rel.UserCode] {
			kept = append(kept, rel)
		}
	}
	m.state.deptUserRels[dataSourceID] = kept
	return nil
}

// ============================================
// Stores 接口实现
// ============================================

// WithinTx 克隆状态执行fn，成功则替换，失败则丢弃（模拟事务回滚）
func (s *MemoryStores) WithinTx(ctx context.Context, fn func(tx TxSnapshot) error) error {
	s.mu.Lock()
	working := s.state.clone()
	s.mu.Unlock()

	snapshot := &memorySnapshot{state: working}
	if err := fn(snapshot); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = working
	s.mu.Unlock()
	return nil
}

// WithinProjectionTx 投影替换事务（内存版直接执行，失败时丢弃副本）
func (s *MemoryStores) WithinProjectionTx(ctx context.Context, fn func(tx ProjectionRepository) error) error {
	s.mu.Lock()
	working := &memoryProjectionState{
		departments: map[string][]*domain.TenantDepartment{},
		users:       map[string][]*domain.TenantUser{},
		relations:   map[string][]domain.TenantUserRelation{},
	}
	for k, v := range s.projection.departments {
		working.departments[k] = append([]*domain.TenantDepartment{}, v...)
	}
	for k, v := range s.projection.users {
		working.users[k] = append([]*domain.TenantUser{}, v...)
	}
	for k, v := range s.projection.relations {
		working.relations[k] = append([]domain.TenantUserRelation{}, v...)
	}
	s.mu.Unlock()

	if err := fn(&memoryProjection{state: working}); err != nil {
		return err
	}

	s.mu.Lock()
	s.projection = working
	s.mu.Unlock()
	return nil
}

func (s *MemoryStores) Snapshot() SnapshotRepository {
	return &memorySnapshot{state: s.state}
}

func (s *MemoryStores) Projection() ProjectionRepository {
	return &memoryProjection{state: s.projection}
}

func (s *MemoryStores) DataSources() DataSourcesRepository { return (*memoryDataSources)(s) }
func (s *MemoryStores) Tasks() SyncTasksRepository         { return (*memoryTasks)(s) }
func (s *MemoryStores) ChangeLogs() ChangeLogRepository    { return (*memoryChangeLogs)(s) }
func (s *MemoryStores) TenantIDs() TenantIDsRepository     { return (*memoryTenantIDs)(s) }

// AddDataSource 测试/本地开发注入数据源配置
func (s *MemoryStores) AddDataSource(ds *domain.DataSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataSources[ds.ID] = ds
}

// AddCustomFields 测试/本地开发注入租户自定义字段
func (s *MemoryStores) AddCustomFields(tenantID string, fields []domain.CustomField) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.custom[tenantID] = fields
}

// ============================================
// 其余仓储（内存版）
// ============================================

type memoryDataSources MemoryStores

func (r *memoryDataSources) GetDataSource(_ context.Context, dataSourceID int64) (*domain.DataSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.dataSources[dataSourceID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return ds, nil
}

func (r *memoryDataSources) SaveFieldMappings(_ context.Context, dataSourceID int64, mappings []domain.FieldMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.dataSources[dataSourceID]
	if !ok {
		return sql.ErrNoRows
	}
	ds.FieldMappings = mappings
	return nil
}

func (r *memoryDataSources) ListCustomFields(_ context.Context, tenantID string) ([]domain.CustomField, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CustomField{}, r.custom[tenantID]...), nil
}

type memoryTasks MemoryStores

func (r *memoryTasks) CreateTask(_ context.Context, task *domain.SyncTask) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextTaskID++
	c := *task
	c.ID = r.nextTaskID
	if c.Status == "" {
		c.Status = domain.TaskStatusPending
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}
	r.tasks[c.ID] = &c
	return c.ID, nil
}

func (r *memoryTasks) GetTask(_ context.Context, taskID int64) (*domain.SyncTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	c := *task
	return &c, nil
}

func (r *memoryTasks) MarkRunning(_ context.Context, taskID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return sql.ErrNoRows
	}
	task.Status = domain.TaskStatusRunning
	return nil
}

func (r *memoryTasks) FinishTask(_ context.Context, task *domain.SyncTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.tasks[task.ID]
	if !ok {
		return sql.ErrNoRows
	}
	stored.Status = task.Status
	stored.Duration = task.Duration
	stored.Logs = task.Logs
	stored.HasWarning = task.HasWarning
	return nil
}

type memoryChangeLogs MemoryStores

func (r *memoryChangeLogs) BulkAppend(_ context.Context, entries []*domain.ChangeLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range entries {
		r.nextLogID++
		c := *entry
		c.ID = r.nextLogID
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		r.changeLogs = append(r.changeLogs, &c)
	}
	return nil
}

func (r *memoryChangeLogs) ListByTask(_ context.Context, taskID int64) ([]*domain.ChangeLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*domain.ChangeLogEntry{}
	for _, entry := range r.changeLogs {
		if entry.TaskID == taskID {
			c := *entry
			out = append(out, &c)
		}
	}
	return out, nil
}

type memoryTenantIDs MemoryStores

func tenantIDKey(tenantID string, dataSourceID int64, entityType, code string) string {
	return fmt.Sprintf("%s|%d|%s|%s", tenantID, dataSourceID, entityType, code)
}

func (r *memoryTenantIDs) Get(_ context.Context, tenantID string, dataSourceID int64, entityType, code string) (*domain.TenantIDRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.tenantIDs[tenantIDKey(tenantID, dataSourceID, entityType, code)]
	if !ok {
		return nil, sql.ErrNoRows
	}
	c := *record
	return &c, nil
}

func (r *memoryTenantIDs) Create(_ context.Context, record *domain.TenantIDRecord) (*domain.TenantIDRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tenantIDKey(record.TenantID, record.DataSourceID, record.EntityType, record.Code)
	if existing, ok := r.tenantIDs[key]; ok {
		c := *existing
		return &c, nil
	}
	c := *record
	r.tenantIDs[key] = &c
	out := c
	return &out, nil
}

func (r *memoryTenantIDs) LoadAll(_ context.Context, tenantID string, dataSourceID int64, entityType string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := fmt.Sprintf("%s|%d|%s|", tenantID, dataSourceID, entityType)
	out := map[string]string{}
	for key, record := range r.tenantIDs {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out[record.Code] = record.ExternalID
		}
	}
	return out, nil
}

// memoryProjection 租户投影（内存版）
type memoryProjection struct {
	state *memoryProjectionState
}

var _ ProjectionRepository = (*memoryProjection)(nil)

func projectionKey(tenantID string, dataSourceID int64) string {
	return fmt.Sprintf("%s|%d", tenantID, dataSourceID)
}

func (r *memoryProjection) ReplaceDepartments(_ context.Context, tenantID string, dataSourceID int64, departments []*domain.TenantDepartment) error {
	r.state.departments[projectionKey(tenantID, dataSourceID)] = append([]*domain.TenantDepartment{}, departments...)
	return nil
}

func (r *memoryProjection) ReplaceUsers(_ context.Context, tenantID string, dataSourceID int64, users []*domain.TenantUser) error {
	r.state.users[projectionKey(tenantID, dataSourceID)] = append([]*domain.TenantUser{}, users...)
	return nil
}

func (r *memoryProjection) ReplaceUserRelations(_ context.Context, tenantID string, dataSourceID int64, relations []domain.TenantUserRelation) error {
	r.state.relations[projectionKey(tenantID, dataSourceID)] = append([]domain.TenantUserRelation{}, relations...)
	return nil
}

func (r *memoryProjection) ListDepartments(_ context.Context, tenantID string, dataSourceID int64) ([]*domain.TenantDepartment, error) {
	return append([]*domain.TenantDepartment{}, r.state.departments[projectionKey(tenantID, dataSourceID)]...), nil
}

func (r *memoryProjection) ListUsers(_ context.Context, tenantID string, dataSourceID int64) ([]*domain.TenantUser, error) {
	return append([]*domain.TenantUser{}, r.state.users[projectionKey(tenantID, dataSourceID)]...), nil
}

func (r *memoryProjection) ListUserRelations(_ context.Context, tenantID string, dataSourceID int64) ([]domain.TenantUserRelation, error) {
	return append([]domain.TenantUserRelation{}, r.state.relations[projectionKey(tenantID, dataSourceID)]...), nil
}
