package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// GeneralConfig 通用分页HTTP API插件配置
type GeneralConfig struct {
	BaseURL         string            `json:"base_url"`
	DepartmentsPath string            `json:"departments_path"` // 默认 /departments
	UsersPath       string            `json:"users_path"`       // 默认 /users
	AuthHeaders     map[string]string `json:"auth_headers"`     // 注入的认证头
	PageSize        int               `json:"page_size"`        // 默认 100
	RetryCount      int               `json:"retry_count"`      // 单页重试次数，默认 3
	RetryIntervalMS int               `json:"retry_interval_ms"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
}

// generalPage 上游分页响应包
type generalPage struct {
	Count   int               `json:"count"`
	Results []json.RawMessage `json:"results"`
}

// GeneralPlugin 通用分页HTTP API插件
// 模板化端点 + 注入认证头，逐页拉取直到耗尽；单页有界重试退避
type GeneralPlugin struct {
	cfg    GeneralConfig
	client *resty.Client
	logger *zap.Logger
}

// NewGeneralPlugin 创建通用HTTP插件
func NewGeneralPlugin(config json.RawMessage, logger *zap.Logger) (Plugin, error) {
	var cfg GeneralConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, &domain.ConfigError{Message: "invalid general plugin config", Err: err}
	}
	if cfg.BaseURL == "" {
		return nil, domain.NewConfigError("general plugin requires base_url")
	}
	if cfg.DepartmentsPath == "" {
		cfg.DepartmentsPath = "/departments"
	}
	if cfg.UsersPath == "" {
		cfg.UsersPath = "/users"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryIntervalMS <= 0 {
		cfg.RetryIntervalMS = 500
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(time.Duration(cfg.RetryIntervalMS)*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("Accept", "application/json")
	for k, v := range cfg.AuthHeaders {
		client.SetHeader(k, v)
	}

	return &GeneralPlugin{cfg: cfg, client: client, logger: logger}, nil
}

var _ Plugin = (*GeneralPlugin)(nil)

// fetchAll 逐页拉取直到耗尽；任何一页失败则整体失败，不做部分提交
func (p *GeneralPlugin) fetchAll(ctx context.Context, path string) ([]json.RawMessage, error) {
	var items []json.RawMessage
	for page := 1; ; page++ {
		var body generalPage
		resp, err := p.client.R().
			SetContext(ctx).
			SetQueryParam("page", fmt.Sprintf("%d", page)).
			SetQueryParam("page_size", fmt.Sprintf("%d", p.cfg.PageSize)).
			SetResult(&body).
			Get(path)
		if err != nil {
			return nil, &domain.ConnectivityError{Message: fmt.Sprintf("fetch %s page %d", path, page), Err: err}
		}
		if resp.IsError() {
			return nil, &domain.ConnectivityError{
				Message: fmt.Sprintf("fetch %s page %d: upstream returned %d", path, page, resp.StatusCode()),
			}
		}

		items = append(items, body.Results...)
		// count缺失（零值）时只能依据页是否填满判断还有没有下一页
		if len(body.Results) < p.cfg.PageSize || (body.Count > 0 && len(items) >= body.Count) {
			return items, nil
		}
	}
}

// FetchDepartments 拉取全部原始部门记录
func (p *GeneralPlugin) FetchDepartments(ctx context.Context) ([]RawDepartment, error) {
	items, err := p.fetchAll(ctx, p.cfg.DepartmentsPath)
	if err != nil {
		return nil, err
	}
	departments := make([]RawDepartment, 0, len(items))
	for i, item := range items {
		var dept RawDepartment
		if err := json.Unmarshal(item, &dept); err != nil {
			return nil, fmt.Errorf("failed to parse department item %d: %w", i, err)
		}
		departments = append(departments, dept)
	}
	p.logger.Info("fetched departments from general api", zap.Int("count", len(departments)))
	return departments, nil
}

// FetchUsers 拉取全部原始用户记录
func (p *GeneralPlugin) FetchUsers(ctx context.Context) ([]RawUser, error) {
	items, err := p.fetchAll(ctx, p.cfg.UsersPath)
	if err != nil {
		return nil, err
	}
	users := make([]RawUser, 0, len(items))
	for i, item := range items {
		var user RawUser
		if err := json.Unmarshal(item, &user); err != nil {
			return nil, fmt.Errorf("failed to parse user item %d: %w", i, err)
		}
		users = append(users, user)
	}
	p.logger.Info("fetched users from general api", zap.Int("count", len(users)))
	return users, nil
}

// TestConnection 连通性测试：各拉取首页并返回样例记录
func (p *GeneralPlugin) TestConnection(ctx context.Context) *TestConnectionResult {
	result := &TestConnectionResult{}

	departments, err := p.FetchDepartments(ctx)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	users, err := p.FetchUsers(ctx)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.OK = true
	if len(departments) > 0 {
		result.SampleDepartment = &departments[0]
	}
	if len(users) > 0 {
		result.SampleUser = &users[0]
	}
	return result
}
