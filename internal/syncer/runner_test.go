package syncer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/TencentBlueKing/bk-user-sub003/internal/lock"
	"github.com/TencentBlueKing/bk-user-sub003/internal/plugin"
	"github.com/TencentBlueKing/bk-user-sub003/internal/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSource 测试用数据源插件
type fakeSource struct {
	departments []plugin.RawDepartment
	users       []plugin.RawUser
	fetchErr    error
}

func (f *fakeSource) FetchDepartments(context.Context) ([]plugin.RawDepartment, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.departments, nil
}

func (f *fakeSource) FetchUsers(context.Context) ([]plugin.RawUser, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.users, nil
}

func (f *fakeSource) TestConnection(context.Context) *plugin.TestConnectionResult {
	return &plugin.TestConnectionResult{OK: f.fetchErr == nil}
}

// testEnv 内存环境：仓储、锁、假插件、运行器
type testEnv struct {
	stores *repository.MemoryStores
	locker *lock.MemoryLocker
	source *fakeSource
	runner *Runner
	events *MemoryEventPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	stores := repository.NewMemoryStores()
	locker := lock.NewMemoryLocker()
	source := &fakeSource{}

	registry := plugin.NewRegistry()
	registry.Register("fake", func(json.RawMessage, *zap.Logger) (plugin.Plugin, error) {
		return source, nil
	})

	logger := zap.NewNop()
	projector := NewProjector(stores, locker, logger, time.Minute, 100*time.Millisecond)
	runner := NewRunner(stores, locker, registry, projector, logger, time.Minute, 100*time.Millisecond)
	events := &MemoryEventPublisher{}
	runner.SetEventPublisher(events)

	stores.AddDataSource(&domain.DataSource{
		ID:                 1,
		TenantID:           "tenant-a",
		Name:               "test source",
		PluginType:         "fake",
		PluginConfig:       json.RawMessage(`{}`),
		SkipRatioThreshold: 0.1,
		DefaultCountryCode: "86",
		IDStrategy:         domain.IDStrategyUUID,
	})

	return &testEnv{stores: stores, locker: locker, source: source, runner: runner, events: events}
}

func (e *testEnv) createTask(t *testing.T, overwrite bool) int64 {
	t.Helper()
	taskID, err := e.stores.Tasks().CreateTask(context.Background(), &domain.SyncTask{
		DataSourceID: 1,
		Status:       domain.TaskStatusPending,
		Trigger:      domain.TriggerManual,
		Operator:     "admin",
		Overwrite:    overwrite,
	})
	require.NoError(t, err)
	return taskID
}

func (e *testEnv) run(t *testing.T, overwrite bool) *domain.SyncTask {
	t.Helper()
	taskID := e.createTask(t, overwrite)
	require.NoError(t, e.runner.Run(context.Background(), taskID))
	task, err := e.stores.Tasks().GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return task
}

func (e *testEnv) runExpectingError(t *testing.T, overwrite bool) (*domain.SyncTask, error) {
	t.Helper()
	taskID := e.createTask(t, overwrite)
	runErr := e.runner.Run(context.Background(), taskID)
	require.Error(t, runErr)
	task, err := e.stores.Tasks().GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return task, runErr
}

// twoDeptTwoUserFixture 公司/技术部 + 张三/李四 的标准拉取结果
func twoDeptTwoUserFixture(source *fakeSource) {
	source.departments = []plugin.RawDepartment{
		{Code: "company", Name: "公司"},
		{Code: "tech", Name: "技术部", ParentCode: "company"},
	}
	source.users = []plugin.RawUser{
		{
			Code: "u-zhangsan",
			Properties: map[string]any{
				"username": "zhangsan", "full_name": "张三", "email": "zhangsan@example.com",
			},
			DepartmentCodes: []string{"tech"},
		},
		{
			Code: "u-lisi",
			Properties: map[string]any{
				"username": "lisi", "full_name": "李四",
			},
			LeaderCodes:     []string{"u-zhangsan"},
			DepartmentCodes: []string{"tech"},
		},
	}
}

// ============================================
// 全流程
// ============================================

func TestRunner_FullSync(t *testing.T) {
	env := newTestEnv(t)
	twoDeptTwoUserFixture(env.source)
	ctx := context.Background()

	task := env.run(t, true)
	require.Equal(t, domain.TaskStatusSuccess, task.Status)
	require.False(t, task.HasWarning)
	require.NotEmpty(t, task.Logs)

	events := env.events.Events()
	require.Len(t, events, 1)
	require.Equal(t, task.ID, events[0].TaskID)
	require.Equal(t, domain.TaskStatusSuccess, events[0].Status)

	snapshot := env.stores.Snapshot()
	departments, err := snapshot.ListDepartments(ctx, 1)
	require.NoError(t, err)
	require.Len(t, departments, 2)

	relations, err := snapshot.ListDepartmentRelations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, relations, 2)
	byCode := map[string]domain.SourceDepartmentRelation{}
	for _, rel := range relations {
		byCode[rel.DepartmentCode] = rel
	}
	require.False(t, byCode["company"].ParentCode.Valid)
	require.Equal(t, "company", byCode["tech"].ParentCode.String)

	users, err := snapshot.ListUsers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, users, 2)

	leaderRels, err := snapshot.ListUserLeaderRelations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, leaderRels, 1)
	require.Equal(t, "u-lisi", leaderRels[0].UserCode)
	require.Equal(t, "u-zhangsan", leaderRels[0].LeaderCode)

	deptUserRels, err := snapshot.ListDepartmentUserRelations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deptUserRels, 2)

	// 租户投影
	projection := env.stores.Projection()
	tenantDepts, err := projection.ListDepartments(ctx, "tenant-a", 1)
	require.NoError(t, err)
	require.Len(t, tenantDepts, 2)
	tenantUsers, err := projection.ListUsers(ctx, "tenant-a", 1)
	require.NoError(t, err)
	require.Len(t, tenantUsers, 2)
	tenantRels, err := projection.ListUserRelations(ctx, "tenant-a", 1)
	require.NoError(t, err)
	require.Len(t, tenantRels, 3) // 1条上级边 + 2条部门归属边

	// 投影里的父引用指向公司的外部标识
	externalByName := map[string]string{}
	for _, dept := range tenantDepts {
		externalByName[dept.Name] = dept.ExternalID
	}
	for _, dept := range tenantDepts {
		if dept.Name == "技术部" {
			require.True(t, dept.ParentExternalID.Valid)
			require.Equal(t, externalByName["公司"], dept.ParentExternalID.String)
		}
	}

	// 变更记录
	logs, err := env.stores.ChangeLogs().ListByTask(ctx, task.ID)
	require.NoError(t, err)
	counts := map[string]int{}
	for _, entry := range logs {
		counts[entry.EntityType+"/"+entry.Operation]++
	}
	require.Equal(t, 2, counts[domain.EntityTypeDepartment+"/"+domain.OperationCreate])
	require.Equal(t, 2, counts[domain.EntityTypeDepartmentRelation+"/"+domain.OperationCreate])
	require.Equal(t, 2, counts[domain.EntityTypeUser+"/"+domain.OperationCreate])
	require.Equal(t, 1, counts[domain.EntityTypeUserLeaderRelation+"/"+domain.OperationCreate])
	require.Equal(t, 2, counts[domain.EntityTypeDepartmentUserRelation+"/"+domain.OperationCreate])
}

func TestRunner_SecondRunIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	twoDeptTwoUserFixture(env.source)
	ctx := context.Background()

	env.run(t, true)
	second := env.run(t, true)
	require.Equal(t, domain.TaskStatusSuccess, second.Status)

	// 输入完全相同的重跑不允许产生任何变更记录，部门树的整树重建也不例外
	logs, err := env.stores.ChangeLogs().ListByTask(ctx, second.ID)
	require.NoError(t, err)
	for _, entry := range logs {
		t.Errorf("unexpected change on second run: %s %s %s", entry.EntityType, entry.Operation, entry.Code)
	}

	users, err := env.stores.Snapshot().ListUsers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, users, 2)
}

func TestRunner_OverwriteDeletesMissing(t *testing.T) {
	env := newTestEnv(t)
	twoDeptTwoUserFixture(env.source)
	ctx := context.Background()
	env.run(t, true)

	// 第二次拉取里李四消失
	env.source.users = env.source.users[:1]
	task := env.run(t, true)
	require.Equal(t, domain.TaskStatusSuccess, task.Status)

	users, err := env.stores.Snapshot().ListUsers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "u-zhangsan", users[0].Code)

	// 李四的上级边与部门归属边一并清理
	leaderRels, err := env.stores.Snapshot().ListUserLeaderRelations(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, leaderRels)
	deptUserRels, err := env.stores.Snapshot().ListDepartmentUserRelations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deptUserRels, 1)
}

func TestRunner_IncrementalKeepsExistingUsers(t *testing.T) {
	env := newTestEnv(t)
	twoDeptTwoUserFixture(env.source)
	ctx := context.Background()
	env.run(t, true)

	// 增量运行只带一个新用户，旧用户与旧边必须原样保留
	env.source.users = []plugin.RawUser{
		{
			Code:            "u-wangwu",
			Properties:      map[string]any{"username": "wangwu", "full_name": "王五"},
			DepartmentCodes: []string{"tech"},
		},
	}
	task := env.run(t, false)
	require.Equal(t, domain.TaskStatusSuccess, task.Status)

	users, err := env.stores.Snapshot().ListUsers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, users, 3)

	leaderRels, err := env.stores.Snapshot().ListUserLeaderRelations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, leaderRels, 1)
	deptUserRels, err := env.stores.Snapshot().ListDepartmentUserRelations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deptUserRels, 3)
}

// ============================================
// 外部标识稳定性
// ============================================

func TestRunner_ExternalIDsStableAcrossRuns(t *testing.T) {
	env := newTestEnv(t)
	twoDeptTwoUserFixture(env.source)
	ctx := context.Background()
	env.run(t, true)

	first, err := env.stores.Projection().ListUsers(ctx, "tenant-a", 1)
	require.NoError(t, err)
	firstIDs := map[string]string{}
	for _, user := range first {
		firstIDs[user.Username] = user.ExternalID
	}

	// 改名重跑，外部标识不变
	env.source.users[0].Properties["full_name"] = "张三丰"
	env.run(t, true)

	second, err := env.stores.Projection().ListUsers(ctx, "tenant-a", 1)
	require.NoError(t, err)
	for _, user := range second {
		require.Equal(t, firstIDs[user.Username], user.ExternalID)
	}
}

func TestRunner_StrategyChangeOnlyAffectsNewEntities(t *testing.T) {
	env := newTestEnv(t)
	twoDeptTwoUserFixture(env.source)
	ctx := context.Background()
	env.run(t, true)

	before, err := env.stores.Projection().ListUsers(ctx, "tenant-a", 1)
	require.NoError(t, err)
	beforeIDs := map[string]string{}
	for _, user := range before {
		beforeIDs[user.Username] = user.ExternalID
	}

	// 切换到用户名策略再加一个新用户
	env.stores.AddDataSource(&domain.DataSource{
		ID: 1, TenantID: "tenant-a", Name: "test source", PluginType: "fake",
		PluginConfig: json.RawMessage(`{}`), SkipRatioThreshold: 0.1,
		DefaultCountryCode: "86",
		IDStrategy:         domain.IDStrategyUsername, IDDomain: "corp.example.com",
	})
	env.source.users = append(env.source.users, plugin.RawUser{
		Code:       "u-wangwu",
		Properties: map[string]any{"username": "wangwu", "full_name": "王五"},
	})
	env.run(t, true)

	after, err := env.stores.Projection().ListUsers(ctx, "tenant-a", 1)
	require.NoError(t, err)
	require.Len(t, after, 3)
	for _, user := range after {
		if previous, ok := beforeIDs[user.Username]; ok {
			require.Equal(t, previous, user.ExternalID)
		} else {
			require.Equal(t, "wangwu@corp.example.com", user.ExternalID)
		}
	}
}

// ============================================
// 失败路径
// ============================================

func TestRunner_LockContentionFailsWithoutWrites(t *testing.T) {
	env := newTestEnv(t)
	twoDeptTwoUserFixture(env.source)
	ctx := context.Background()

	held, err := env.locker.Acquire(ctx, "source:1", time.Minute, time.Millisecond)
	require.NoError(t, err)
	defer held.Release(ctx)

	task, runErr := env.runExpectingError(t, true)
	require.ErrorIs(t, runErr, domain.ErrLockContention)
	require.Equal(t, domain.TaskStatusFailed, task.Status)

	departments, err := env.stores.Snapshot().ListDepartments(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, departments)
}

func TestRunner_FetchFailureAbortsRun(t *testing.T) {
	env := newTestEnv(t)
	env.source.fetchErr = &domain.ConnectivityError{Message: "upstream is down"}

	task, _ := env.runExpectingError(t, true)
	require.Equal(t, domain.TaskStatusFailed, task.Status)
	require.Contains(t, task.Logs, "upstream is down")

	departments, err := env.stores.Snapshot().ListDepartments(context.Background(), 1)
	require.NoError(t, err)
	require.Empty(t, departments)

	// 失败也发布结束事件
	events := env.events.Events()
	require.Len(t, events, 1)
	require.Equal(t, domain.TaskStatusFailed, events[0].Status)
}

func TestRunner_DuplicateUserCodeFailsRun(t *testing.T) {
	env := newTestEnv(t)
	env.source.users = []plugin.RawUser{
		{Code: "dup", Properties: map[string]any{"username": "aaa", "full_name": "AAA"}},
		{Code: "dup", Properties: map[string]any{"username": "bbb", "full_name": "BBB"}},
	}

	task, runErr := env.runExpectingError(t, true)
	require.Equal(t, domain.TaskStatusFailed, task.Status)
	var conflict *domain.ConflictError
	require.ErrorAs(t, runErr, &conflict)

	users, err := env.stores.Snapshot().ListUsers(context.Background(), 1)
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestRunner_SkipRatioAboveThresholdFailsRun(t *testing.T) {
	env := newTestEnv(t)
	// 10个用户里2个缺姓名，超过10%阈值
	for i := 0; i < 10; i++ {
		user := plugin.RawUser{
			Code:       string(rune('a' + i)),
			Properties: map[string]any{"username": "user" + string(rune('a'+i)), "full_name": "用户"},
		}
		if i < 2 {
			delete(user.Properties, "full_name")
		}
		env.source.users = append(env.source.users, user)
	}

	task, _ := env.runExpectingError(t, true)
	require.Equal(t, domain.TaskStatusFailed, task.Status)

	users, err := env.stores.Snapshot().ListUsers(context.Background(), 1)
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestRunner_SkipBelowThresholdWarns(t *testing.T) {
	env := newTestEnv(t)
	env.stores.AddDataSource(&domain.DataSource{
		ID: 1, TenantID: "tenant-a", Name: "test source", PluginType: "fake",
		PluginConfig: json.RawMessage(`{}`), SkipRatioThreshold: 0.3,
		DefaultCountryCode: "86", IDStrategy: domain.IDStrategyUUID,
	})
	env.source.users = []plugin.RawUser{
		{Code: "ok", Properties: map[string]any{"username": "ok", "full_name": "正常"}},
		{Code: "bad", Properties: map[string]any{"username": "bad"}}, // 缺姓名
		{Code: "ok2", Properties: map[string]any{"username": "oktwo", "full_name": "正常二"}},
		{Code: "ok3", Properties: map[string]any{"username": "okthree", "full_name": "正常三"}},
	}

	task := env.run(t, true)
	require.Equal(t, domain.TaskStatusSuccess, task.Status)
	require.True(t, task.HasWarning)
	require.Contains(t, task.Logs, "skip user")

	users, err := env.stores.Snapshot().ListUsers(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, users, 3)
}

func TestRunner_UniqueCustomFieldConflictFailsRun(t *testing.T) {
	env := newTestEnv(t)
	env.stores.AddCustomFields("tenant-a", []domain.CustomField{
		{TenantID: "tenant-a", Name: "employee_id", DisplayName: "工号", Unique: true},
	})
	env.source.users = []plugin.RawUser{
		{Code: "a", Properties: map[string]any{"username": "usera", "full_name": "甲", "employee_id": "1001"}},
		{Code: "b", Properties: map[string]any{"username": "userb", "full_name": "乙", "employee_id": "1001"}},
	}

	task, runErr := env.runExpectingError(t, true)
	require.Equal(t, domain.TaskStatusFailed, task.Status)
	var conflict *domain.ConflictError
	require.ErrorAs(t, runErr, &conflict)
}

// ============================================
// 关系降级
// ============================================

func TestRunner_CyclicParentsKeepPreviousTree(t *testing.T) {
	env := newTestEnv(t)
	twoDeptTwoUserFixture(env.source)
	ctx := context.Background()
	env.run(t, true)

	// 上游出现 a<->b 互为父子，树重建失败但运行降级继续
	env.source.departments = []plugin.RawDepartment{
		{Code: "company", Name: "公司", ParentCode: "tech"},
		{Code: "tech", Name: "技术部", ParentCode: "company"},
	}
	task := env.run(t, true)
	require.Equal(t, domain.TaskStatusSuccess, task.Status)
	require.True(t, task.HasWarning)

	// 旧树保留
	relations, err := env.stores.Snapshot().ListDepartmentRelations(ctx, 1)
	require.NoError(t, err)
	byCode := map[string]domain.SourceDepartmentRelation{}
	for _, rel := range relations {
		byCode[rel.DepartmentCode] = rel
	}
	require.False(t, byCode["company"].ParentCode.Valid)
	require.Equal(t, "company", byCode["tech"].ParentCode.String)

	// 实体字段照常更新，投影照常执行
	users, err := env.stores.Projection().ListUsers(ctx, "tenant-a", 1)
	require.NoError(t, err)
	require.Len(t, users, 2)
}
