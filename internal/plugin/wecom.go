package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WeComConfig 企业IM通讯录插件配置
type WeComConfig struct {
	BaseURL        string `json:"base_url"` // 默认官方API地址
	CorpID         string `json:"corp_id"`
	Secret         string `json:"secret"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type wecomTokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type wecomDepartment struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID int64  `json:"parentid"`
}

type wecomDepartmentList struct {
	ErrCode    int               `json:"errcode"`
	ErrMsg     string            `json:"errmsg"`
	Department []wecomDepartment `json:"department"`
}

type wecomUser struct {
	UserID       string   `json:"userid"`
	Name         string   `json:"name"`
	Mobile       string   `json:"mobile"`
	Email        string   `json:"email"`
	Position     string   `json:"position"`
	Department   []int64  `json:"department"`
	DirectLeader []string `json:"direct_leader"`
}

type wecomUserList struct {
	ErrCode  int         `json:"errcode"`
	ErrMsg   string      `json:"errmsg"`
	UserList []wecomUser `json:"userlist"`
}

// WeComPlugin 企业IM通讯录插件
// access token 缓存且到期前复用；按部门树逐个列取用户并按code去重
// （同一用户在多个部门的列表里会重复出现）
type WeComPlugin struct {
	cfg    WeComConfig
	client *resty.Client
	logger *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewWeComPlugin 创建企业IM插件
func NewWeComPlugin(config json.RawMessage, logger *zap.Logger) (Plugin, error) {
	var cfg WeComConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, &domain.ConfigError{Message: "invalid wecom plugin config", Err: err}
	}
	if cfg.CorpID == "" || cfg.Secret == "" {
		return nil, domain.NewConfigError("wecom plugin requires corp_id and secret")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://qyapi.weixin.qq.com"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second)

	return &WeComPlugin{cfg: cfg, client: client, logger: logger}, nil
}

var _ Plugin = (*WeComPlugin)(nil)

// accessToken 获取缓存的access token，到期则刷新
func (p *WeComPlugin) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.tokenExpiry) {
		return p.token, nil
	}

	var body wecomTokenResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("corpid", p.cfg.CorpID).
		SetQueryParam("corpsecret", p.cfg.Secret).
		SetResult(&body).
		Get("/cgi-bin/gettoken")
	if err != nil {
		return "", &domain.ConnectivityError{Message: "fetch access token", Err: err}
	}
	if resp.IsError() {
		return "", &domain.ConnectivityError{Message: fmt.Sprintf("fetch access token: upstream returned %d", resp.StatusCode())}
	}
	if body.ErrCode != 0 {
		return "", &domain.ConnectivityError{Message: fmt.Sprintf("fetch access token: %s (errcode %d)", body.ErrMsg, body.ErrCode)}
	}

	p.token = body.AccessToken
	// 提前60秒过期，避免边界上用到失效token
	p.tokenExpiry = time.Now().Add(time.Duration(body.ExpiresIn-60) * time.Second)
	return p.token, nil
}

// listDepartments 拉取完整部门列表
func (p *WeComPlugin) listDepartments(ctx context.Context) ([]wecomDepartment, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var body wecomDepartmentList
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("access_token", token).
		SetResult(&body).
		Get("/cgi-bin/department/list")
	if err != nil {
		return nil, &domain.ConnectivityError{Message: "fetch department list", Err: err}
	}
	if resp.IsError() {
		return nil, &domain.ConnectivityError{Message: fmt.Sprintf("fetch department list: upstream returned %d", resp.StatusCode())}
	}
	if body.ErrCode != 0 {
		return nil, &domain.ConnectivityError{Message: fmt.Sprintf("fetch department list: %s (errcode %d)", body.ErrMsg, body.ErrCode)}
	}
	return body.Department, nil
}

// FetchDepartments 拉取全部原始部门记录
func (p *WeComPlugin) FetchDepartments(ctx context.Context) ([]RawDepartment, error) {
	departments, err := p.listDepartments(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]RawDepartment, 0, len(departments))
	for _, dept := range departments {
		raw := RawDepartment{
			Code:   strconv.FormatInt(dept.ID, 10),
			Name:   dept.Name,
			Extras: map[string]any{},
		}
		if dept.ParentID > 0 {
			raw.ParentCode = strconv.FormatInt(dept.ParentID, 10)
		}
		out = append(out, raw)
	}
	p.logger.Info("fetched departments from wecom", zap.Int("count", len(out)))
	return out, nil
}

// FetchUsers 按部门树逐个列取用户，重叠部门下出现的同一用户按code去重
func (p *WeComPlugin) FetchUsers(ctx context.Context) ([]RawUser, error) {
	departments, err := p.listDepartments(ctx)
	if err != nil {
		return nil, err
	}
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	// 显式队列遍历部门树，避免依赖上游返回顺序
	children := map[int64][]int64{}
	roots := []int64{}
	known := map[int64]bool{}
	for _, dept := range departments {
		known[dept.ID] = true
	}
	for _, dept := range departments {
		if dept.ParentID > 0 && known[dept.ParentID] {
			children[dept.ParentID] = append(children[dept.ParentID], dept.ID)
		} else {
			roots = append(roots, dept.ID)
		}
	}

	seen := map[string]bool{}
	users := []RawUser{}
	queue := append([]int64{}, roots...)
	for len(queue) > 0 {
		deptID := queue[0]
		queue = queue[1:]
		queue = append(queue, children[deptID]...)

		var body wecomUserList
		resp, err := p.client.R().
			SetContext(ctx).
			SetQueryParam("access_token", token).
			SetQueryParam("department_id", strconv.FormatInt(deptID, 10)).
			SetResult(&body).
			Get("/cgi-bin/user/list")
		if err != nil {
			return nil, &domain.ConnectivityError{Message: fmt.Sprintf("fetch users of department %d", deptID), Err: err}
		}
		if resp.IsError() {
			return nil, &domain.ConnectivityError{Message: fmt.Sprintf("fetch users of department %d: upstream returned %d", deptID, resp.StatusCode())}
		}
		if body.ErrCode != 0 {
			return nil, &domain.ConnectivityError{Message: fmt.Sprintf("fetch users of department %d: %s (errcode %d)", deptID, body.ErrMsg, body.ErrCode)}
		}

		for _, u := range body.UserList {
			if seen[u.UserID] {
				continue
			}
			seen[u.UserID] = true

			deptCodes := make([]string, 0, len(u.Department))
			for _, id := range u.Department {
				deptCodes = append(deptCodes, strconv.FormatInt(id, 10))
			}
			users = append(users, RawUser{
				Code: u.UserID,
				Properties: map[string]any{
					"username":  u.UserID,
					"full_name": u.Name,
					"email":     u.Email,
					"phone":     u.Mobile,
					"position":  u.Position,
				},
				LeaderCodes:     append([]string{}, u.DirectLeader...),
				DepartmentCodes: deptCodes,
			})
		}
	}

	p.logger.Info("fetched users from wecom", zap.Int("count", len(users)))
	return users, nil
}

// TestConnection 连通性测试
func (p *WeComPlugin) TestConnection(ctx context.Context) *TestConnectionResult {
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
