package service

import (
	"context"
	"time"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/TencentBlueKing/bk-user-sub003/internal/plugin"
	"github.com/TencentBlueKing/bk-user-sub003/internal/repository"
	"github.com/TencentBlueKing/bk-user-sub003/internal/syncer"
	"go.uber.org/zap"
)

// TriggerSyncRequest 触发同步请求
type TriggerSyncRequest struct {
	DataSourceID int64  `json:"data_source_id"`
	Operator     string `json:"operator"`
	Overwrite    bool   `json:"overwrite"`
	Trigger      string `json:"trigger"` // manual / scheduled
}

// TriggerSyncResponse 触发同步响应
type TriggerSyncResponse struct {
	TaskID int64  `json:"task_id"`
	Status string `json:"status"`
}

// SyncService 同步服务接口
// 手动触发同步等待运行结束，定时触发只入队即返回
type SyncService interface {
	TriggerSync(ctx context.Context, req *TriggerSyncRequest) (*TriggerSyncResponse, error)
	GetTask(ctx context.Context, taskID int64) (*domain.SyncTask, error)
	ListChangeLogs(ctx context.Context, taskID int64) ([]*domain.ChangeLogEntry, error)
	// TestConnection 按已存储配置连通性测试，不触碰任何快照数据
	TestConnection(ctx context.Context, dataSourceID int64) (*plugin.TestConnectionResult, error)
	// SaveFieldMappings 保存前强校验字段映射，非法映射不会入库
	SaveFieldMappings(ctx context.Context, dataSourceID int64, mappings []domain.FieldMapping) error
}

type syncService struct {
	stores    repository.Stores
	runner    *syncer.Runner
	scheduler *syncer.Scheduler
	registry  *plugin.Registry
	logger    *zap.Logger
}

// NewSyncService 创建同步服务
func NewSyncService(stores repository.Stores, runner *syncer.Runner, scheduler *syncer.Scheduler, registry *plugin.Registry, logger *zap.Logger) SyncService {
	return &syncService{
		stores:    stores,
		runner:    runner,
		scheduler: scheduler,
		registry:  registry,
		logger:    logger,
	}
}

var _ SyncService = (*syncService)(nil)

// TriggerSync 创建任务并按触发方式执行
func (s *syncService) TriggerSync(ctx context.Context, req *TriggerSyncRequest) (*TriggerSyncResponse, error) {
	if req.Trigger == "" {
		req.Trigger = domain.TriggerManual
	}
	if req.Trigger != domain.TriggerManual && req.Trigger != domain.TriggerScheduled {
		return nil, domain.NewConfigError("unknown trigger %q", req.Trigger)
	}

	// 数据源必须存在才建任务
	if _, err := s.stores.DataSources().GetDataSource(ctx, req.DataSourceID); err != nil {
		return nil, err
	}

	task := &domain.SyncTask{
		DataSourceID: req.DataSourceID,
		Status:       domain.TaskStatusPending,
		Trigger:      req.Trigger,
		Operator:     req.Operator,
		Overwrite:    req.Overwrite,
		StartedAt:    time.Now(),
	}
	taskID, err := s.stores.Tasks().CreateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	task.ID = taskID

	if req.Trigger == domain.TriggerScheduled {
		if err := s.scheduler.Submit(taskID); err != nil {
			return nil, err
		}
		s.logger.Info("sync task enqueued", zap.Int64("task_id", taskID), zap.Int64("data_source_id", req.DataSourceID))
		return &TriggerSyncResponse{TaskID: taskID, Status: domain.TaskStatusPending}, nil
	}

	// 手动触发：同步执行，把终态带回给调用方
	if err := s.runner.Run(ctx, taskID); err != nil {
		return &TriggerSyncResponse{TaskID: taskID, Status: domain.TaskStatusFailed}, err
	}
	return &TriggerSyncResponse{TaskID: taskID, Status: domain.TaskStatusSuccess}, nil
}

// GetTask 查询任务记录
func (s *syncService) GetTask(ctx context.Context, taskID int64) (*domain.SyncTask, error) {
	return s.stores.Tasks().GetTask(ctx, taskID)
}

// ListChangeLogs 查询任务的变更记录
func (s *syncService) ListChangeLogs(ctx context.Context, taskID int64) ([]*domain.ChangeLogEntry, error) {
	return s.stores.ChangeLogs().ListByTask(ctx, taskID)
}

// TestConnection 连通性测试
func (s *syncService) TestConnection(ctx context.Context, dataSourceID int64) (*plugin.TestConnectionResult, error) {
	ds, err := s.stores.DataSources().GetDataSource(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	source, err := s.registry.New(ds.PluginType, ds.PluginConfig, s.logger)
	if err != nil {
		return nil, err
	}
	return source.TestConnection(ctx), nil
}

// SaveFieldMappings 校验并保存字段映射
func (s *syncService) SaveFieldMappings(ctx context.Context, dataSourceID int64, mappings []domain.FieldMapping) error {
	ds, err := s.stores.DataSources().GetDataSource(ctx, dataSourceID)
	if err != nil {
		return err
	}
	customFields, err := s.stores.DataSources().ListCustomFields(ctx, ds.TenantID)
	if err != nil {
		return err
	}
	if err := syncer.ValidateFieldMappings(mappings, customFields); err != nil {
		return err
	}
	return s.stores.DataSources().SaveFieldMappings(ctx, dataSourceID, mappings)
}
