package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/TencentBlueKing/bk-user-sub003/internal/lock"
	"github.com/TencentBlueKing/bk-user-sub003/internal/plugin"
	"github.com/TencentBlueKing/bk-user-sub003/internal/repository"
	"go.uber.org/zap"
)

// 关系同步器对应的保存点名
const (
	savepointDeptRelations     = "sp_dept_relations"
	savepointLeaderRelations   = "sp_leader_relations"
	savepointDeptUserRelations = "sp_dept_user_relations"
)

// Runner 同步运行器：一次同步运行的完整流水线
// 拉取 -> 实体写事务（部门 -> 部门树 -> 用户 -> 上级边 -> 归属边）-> 变更落库 -> 租户投影。
// 实体同步器失败中止整个事务；关系同步器失败只回滚到各自保存点，
// 旧边保留、运行继续。投影只要两个实体同步器都成功就会执行
type Runner struct {
	stores    repository.Stores
	locker    lock.Locker
	registry  *plugin.Registry
	projector *Projector
	logger    *zap.Logger
	events    EventPublisher

	lockTTL  time.Duration
	lockWait time.Duration
}

// NewRunner 创建同步运行器
func NewRunner(stores repository.Stores, locker lock.Locker, registry *plugin.Registry, projector *Projector, logger *zap.Logger, lockTTL, lockWait time.Duration) *Runner {
	return &Runner{
		stores:    stores,
		locker:    locker,
		registry:  registry,
		projector: projector,
		logger:    logger,
		lockTTL:   lockTTL,
		lockWait:  lockWait,
	}
}

// SetEventPublisher 配置运行结束事件发布器，不配置则不发布
func (r *Runner) SetEventPublisher(events EventPublisher) {
	r.events = events
}

// publishFinished 发布运行结束事件，失败仅告警
func (r *Runner) publishFinished(ctx context.Context, task *domain.SyncTask) {
	if r.events == nil {
		return
	}
	event := &TaskFinishedEvent{
		TaskID:       task.ID,
		DataSourceID: task.DataSourceID,
		Status:       task.Status,
		HasWarning:   task.HasWarning,
		DurationMS:   task.Duration.Milliseconds(),
	}
	if err := r.events.PublishTaskFinished(ctx, event); err != nil {
		r.logger.Warn("publish task finished event", zap.Int64("task_id", task.ID), zap.Error(err))
	}
}

// Run 执行指定任务
// 锁竞争时任务直接失败且不产生任何写入；其余失败路径同样把任务置为失败，
// 终态（状态、时长、日志、告警位）始终在实体写事务之外落库
func (r *Runner) Run(ctx context.Context, taskID int64) error {
	task, err := r.stores.Tasks().GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %d: %w", taskID, err)
	}
	ds, err := r.stores.DataSources().GetDataSource(ctx, task.DataSourceID)
	if err != nil {
		return r.finishFailed(ctx, task, time.Now(), nil, fmt.Errorf("load data source %d: %w", task.DataSourceID, err))
	}

	started := time.Now()
	recorder := NewChangeRecorder(task.ID, ds.ID)

	held, err := r.locker.Acquire(ctx, fmt.Sprintf("source:%d", ds.ID), r.lockTTL, r.lockWait)
	if err != nil {
		if errors.Is(err, domain.ErrLockContention) {
			recorder.Logf("another sync run holds the lock for data source %d, aborting", ds.ID)
		}
		return r.finishFailed(ctx, task, started, recorder, err)
	}
	defer func() {
		if err := held.Release(context.Background()); err != nil {
			r.logger.Warn("release data source lock", zap.Int64("data_source_id", ds.ID), zap.Error(err))
		}
	}()

	if err := r.stores.Tasks().MarkRunning(ctx, task.ID); err != nil {
		return r.finishFailed(ctx, task, started, recorder, err)
	}
	r.logger.Info("sync run started",
		zap.Int64("task_id", task.ID), zap.Int64("data_source_id", ds.ID),
		zap.String("plugin_type", ds.PluginType), zap.Bool("overwrite", task.Overwrite))

	if err := r.execute(ctx, task, ds, recorder); err != nil {
		return r.finishFailed(ctx, task, started, recorder, err)
	}

	task.Status = domain.TaskStatusSuccess
	task.Duration = time.Since(started)
	task.Logs = recorder.LogText()
	task.HasWarning = recorder.HasWarning()
	if err := r.stores.Tasks().FinishTask(ctx, task); err != nil {
		return err
	}
	r.logger.Info("sync run finished",
		zap.Int64("task_id", task.ID), zap.Duration("duration", task.Duration),
		zap.Bool("has_warning", task.HasWarning))
	r.publishFinished(ctx, task)
	return nil
}

// execute 拉取、同步、落库、投影
func (r *Runner) execute(ctx context.Context, task *domain.SyncTask, ds *domain.DataSource, recorder *ChangeRecorder) error {
	source, err := r.registry.New(ds.PluginType, ds.PluginConfig, r.logger)
	if err != nil {
		return err
	}
	customFields, err := r.stores.DataSources().ListCustomFields(ctx, ds.TenantID)
	if err != nil {
		return err
	}
	converter, err := NewConverter(ds, customFields)
	if err != nil {
		return err
	}

	rawDepartments, err := source.FetchDepartments(ctx)
	if err != nil {
		return fmt.Errorf("fetch departments: %w", err)
	}
	rawUsers, err := source.FetchUsers(ctx)
	if err != nil {
		return fmt.Errorf("fetch users: %w", err)
	}
	recorder.Logf("fetched %d departments and %d users from source", len(rawDepartments), len(rawUsers))

	threshold := ds.SkipRatioThreshold
	if threshold <= 0 {
		threshold = 0.1
	}

	deptSyncer := NewDepartmentSyncer(converter, recorder, r.logger, task.Overwrite, threshold)
	deptRelSyncer := NewDepartmentRelationSyncer(recorder, r.logger)
	userSyncer := NewUserSyncer(converter, recorder, r.logger, customFields, task.Overwrite, threshold)
	leaderRelSyncer := NewUserLeaderRelationSyncer(recorder, r.logger, task.Overwrite)
	deptUserRelSyncer := NewDepartmentUserRelationSyncer(recorder, r.logger, task.Overwrite)

	err = r.stores.WithinTx(ctx, func(tx repository.TxSnapshot) error {
		if err := deptSyncer.Sync(ctx, tx, ds.ID, rawDepartments); err != nil {
			return err
		}
		r.runRelationStage(ctx, tx, recorder, savepointDeptRelations, func() error {
			return deptRelSyncer.Sync(ctx, tx, ds.ID)
		})

		fetched, err := userSyncer.Sync(ctx, tx, ds.ID, rawUsers)
		if err != nil {
			return err
		}
		r.runRelationStage(ctx, tx, recorder, savepointLeaderRelations, func() error {
			return leaderRelSyncer.Sync(ctx, tx, ds.ID, rawUsers, fetched)
		})
		r.runRelationStage(ctx, tx, recorder, savepointDeptUserRelations, func() error {
			return deptUserRelSyncer.Sync(ctx, tx, ds.ID, rawUsers, fetched)
		})
		return nil
	})
	if err != nil {
		return err
	}

	// 快照事务已提交：变更记录此时一次性落库
	if entries := recorder.Entries(); len(entries) > 0 {
		if err := r.stores.ChangeLogs().BulkAppend(ctx, entries); err != nil {
			r.logger.Error("append change logs", zap.Int64("task_id", task.ID), zap.Error(err))
			recorder.Warnf("change logs could not be persisted: %v", err)
		}
	}

	// 两个实体同步器都已成功（失败会中止事务），显式触发租户投影
	if err := r.projector.Project(ctx, ds); err != nil {
		return fmt.Errorf("project to tenant %q: %w", ds.TenantID, err)
	}
	recorder.Logf("tenant projection completed for tenant %q", ds.TenantID)
	return nil
}

// runRelationStage 在保存点内执行关系同步器
// 失败时回滚数据库保存点并截断对应的变更记录，运行降级继续
func (r *Runner) runRelationStage(ctx context.Context, tx repository.TxSnapshot, recorder *ChangeRecorder, savepoint string, fn func() error) {
	checkpoint := recorder.Checkpoint()
	if err := tx.Savepoint(ctx, savepoint); err != nil {
		recorder.Warnf("relation stage %s could not establish savepoint: %v", savepoint, err)
		return
	}
	if err := fn(); err != nil {
		recorder.RollbackTo(checkpoint)
		if rbErr := tx.RollbackTo(ctx, savepoint); rbErr != nil {
			recorder.Warnf("relation stage %s rollback failed: %v", savepoint, rbErr)
		}
		recorder.Warnf("relation stage %s failed, previous relations kept: %v", savepoint, err)
		r.logger.Warn("relation stage failed, rolled back to savepoint",
			zap.String("savepoint", savepoint), zap.Error(err))
	}
}

// finishFailed 失败路径的任务终态落库
func (r *Runner) finishFailed(ctx context.Context, task *domain.SyncTask, started time.Time, recorder *ChangeRecorder, cause error) error {
	task.Status = domain.TaskStatusFailed
	task.Duration = time.Since(started)
	if recorder != nil {
		recorder.Logf("sync run failed: %v", cause)
		task.Logs = recorder.LogText()
		task.HasWarning = recorder.HasWarning()
	} else {
		task.Logs = fmt.Sprintf("sync run failed: %v", cause)
	}
	if err := r.stores.Tasks().FinishTask(ctx, task); err != nil {
		r.logger.Error("persist failed task state", zap.Int64("task_id", task.ID), zap.Error(err))
	}
	r.logger.Error("sync run failed", zap.Int64("task_id", task.ID), zap.Error(cause))
	r.publishFinished(ctx, task)
	return cause
}
