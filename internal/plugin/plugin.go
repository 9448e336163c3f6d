package plugin

import "context"

// RawDepartment 插件输出的原始部门记录
type RawDepartment struct {
	Code       string         `json:"code"`
	Name       string         `json:"name"`
	ParentCode string         `json:"parent_code"` // 空表示根节点
	Extras     map[string]any `json:"extras"`
}

// RawUser 插件输出的原始用户记录
// Properties 为属性袋，由转换器按字段映射表转为规范schema
type RawUser struct {
	Code            string         `json:"code"`
	Properties      map[string]any `json:"properties"`
	LeaderCodes     []string       `json:"leader_codes"`
	DepartmentCodes []string       `json:"department_codes"`
}

// TestConnectionResult 连通性测试结果（配置校验工具使用，核心流程不依赖）
type TestConnectionResult struct {
	OK               bool           `json:"ok"`
	SampleUser       *RawUser       `json:"sample_user"`
	SampleDepartment *RawDepartment `json:"sample_department"`
	Error            string         `json:"error"`
}

// Plugin 数据源插件契约
// FetchDepartments/FetchUsers 为幂等纯读：有限序列、不支持中途续读（重新调用即整体重拉）
// 任何传输或解析错误直接返回，已拉取的部分页全部丢弃，不做部分提交
type Plugin interface {
	FetchDepartments(ctx context.Context) ([]RawDepartment, error)
	FetchUsers(ctx context.Context) ([]RawUser, error)
	TestConnection(ctx context.Context) *TestConnectionResult
}
