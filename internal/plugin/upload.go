package plugin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const (
	uploadDeptSheet = "departments"
	uploadUserSheet = "users"
)

// 用户表固定表头，其后的列进入属性袋
var uploadUserFixedHeaders = []string{
	"username", "full_name", "email", "phone", "phone_country_code", "departments", "leaders",
}

// 部门表固定表头
var uploadDeptFixedHeaders = []string{"code", "name", "parent_code"}

// UploadConfig 表格文件上传插件配置
// 文件内容随配置一次性下发，同步过程中不再访问外部系统
type UploadConfig struct {
	ContentBase64 string `json:"content_base64"`
}

// UploadPlugin 表格文件上传插件
// departments工作表一行一个部门，users工作表一行一个用户；
// 多值列（departments/leaders）用逗号分隔
type UploadPlugin struct {
	content []byte
	logger  *zap.Logger
}

// NewUploadPlugin 创建上传插件
func NewUploadPlugin(config json.RawMessage, logger *zap.Logger) (Plugin, error) {
	var cfg UploadConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, &domain.ConfigError{Message: "invalid upload plugin config", Err: err}
	}
	if cfg.ContentBase64 == "" {
		return nil, domain.NewConfigError("upload plugin requires content_base64")
	}
	content, err := base64.StdEncoding.DecodeString(cfg.ContentBase64)
	if err != nil {
		return nil, &domain.ConfigError{Message: "decode uploaded file content", Err: err}
	}
	return &UploadPlugin{content: content, logger: logger}, nil
}

var _ Plugin = (*UploadPlugin)(nil)

// openSheet 打开工作簿并读出指定工作表的全部行
func (p *UploadPlugin) openSheet(sheet string) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(p.content))
	if err != nil {
		return nil, &domain.ConfigError{Message: "open uploaded workbook", Err: err}
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, domain.NewConfigError("uploaded workbook is missing sheet %q", sheet)
	}
	if len(rows) == 0 {
		return nil, domain.NewConfigError("sheet %q has no header row", sheet)
	}
	return rows, nil
}

// headerIndex 校验固定表头前缀并返回 列名 -> 下标
func headerIndex(header []string, fixed []string, sheet string) (map[string]int, error) {
	if len(header) < len(fixed) {
		return nil, domain.NewConfigError("sheet %q header must start with %s", sheet, strings.Join(fixed, ","))
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.ToLower(name))
		if i < len(fixed) && name != fixed[i] {
			return nil, domain.NewConfigError("sheet %q header column %d must be %q, got %q", sheet, i+1, fixed[i], name)
		}
		index[name] = i
	}
	return index, nil
}

// cell 安全取列值（短行按空处理）
func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// splitMulti 逗号分隔的多值列
func splitMulti(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// FetchDepartments 读departments工作表
func (p *UploadPlugin) FetchDepartments(_ context.Context) ([]RawDepartment, error) {
	rows, err := p.openSheet(uploadDeptSheet)
	if err != nil {
		return nil, err
	}
	index, err := headerIndex(rows[0], uploadDeptFixedHeaders, uploadDeptSheet)
	if err != nil {
		return nil, err
	}

	departments := make([]RawDepartment, 0, len(rows)-1)
	for lineNo, row := range rows[1:] {
		code := cell(row, index["code"])
		if code == "" {
			return nil, domain.NewConfigError("sheet %q row %d has empty code", uploadDeptSheet, lineNo+2)
		}
		raw := RawDepartment{
			Code:       code,
			Name:       cell(row, index["name"]),
			ParentCode: cell(row, index["parent_code"]),
			Extras:     map[string]any{},
		}
		for name, i := range index {
			if i >= len(uploadDeptFixedHeaders) {
				raw.Extras[name] = cell(row, i)
			}
		}
		departments = append(departments, raw)
	}

	p.logger.Info("parsed departments from uploaded workbook", zap.Int("count", len(departments)))
	return departments, nil
}

// FetchUsers 读users工作表，用户code即username
func (p *UploadPlugin) FetchUsers(_ context.Context) ([]RawUser, error) {
	rows, err := p.openSheet(uploadUserSheet)
	if err != nil {
		return nil, err
	}
	index, err := headerIndex(rows[0], uploadUserFixedHeaders, uploadUserSheet)
	if err != nil {
		return nil, err
	}

	users := make([]RawUser, 0, len(rows)-1)
	for lineNo, row := range rows[1:] {
		username := cell(row, index["username"])
		if username == "" {
			return nil, domain.NewConfigError("sheet %q row %d has empty username", uploadUserSheet, lineNo+2)
		}
		properties := map[string]any{
			"username":           username,
			"full_name":          cell(row, index["full_name"]),
			"email":              cell(row, index["email"]),
			"phone":              cell(row, index["phone"]),
			"phone_country_code": cell(row, index["phone_country_code"]),
		}
		for name, i := range index {
			if i >= len(uploadUserFixedHeaders) {
				properties[name] = cell(row, i)
			}
		}
		users = append(users, RawUser{
			Code:            username,
			Properties:      properties,
			LeaderCodes:     splitMulti(cell(row, index["leaders"])),
			DepartmentCodes: splitMulti(cell(row, index["departments"])),
		})
	}

	p.logger.Info("parsed users from uploaded workbook", zap.Int("count", len(users)))
	return users, nil
}

// TestConnection 上传插件无外部依赖，仅校验工作簿可解析
func (p *UploadPlugin) TestConnection(ctx context.Context) *TestConnectionResult {
	result := &TestConnectionResult{}

	departments, err := p.FetchDepartments(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("parse departments: %v", err)
		return result
	}
	users, err := p.FetchUsers(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("parse users: %v", err)
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
