package domain

import "encoding/json"

// 插件类型
const (
	PluginTypeLDAP    = "ldap"    // 层级目录协议（LDAP）
	PluginTypeGeneral = "general" // 通用分页HTTP API
	PluginTypeWeCom   = "wecom"   // 企业IM通讯录
	PluginTypeUpload  = "upload"  // 本地批量上传（Excel）
)

// 字段映射操作类型
const (
	MappingOpDirect     = "DIRECT"     // 直接映射
	MappingOpExpression = "EXPRESSION" // 表达式映射（预留）
)

// 租户ID生成策略
const (
	IDStrategyUUID     = "uuid"     // 随机UUID（生成一次后持久化复用）
	IDStrategyUsername = "username" // 按用户名派生（可选拼接domain后缀）
)

// DataSource 数据源领域模型（对应 data_sources 表）
// 一个数据源 = 一个已配置的上游系统（一台目录服务器 / 一个企业IM租户等）
type DataSource struct {
	ID       int64  `db:"id"`
	TenantID string `db:"tenant_id"`
	Name     string `db:"name"`

	// 插件类型与插件配置（JSON，保存时已校验）
	PluginType   string          `db:"plugin_type"`
	PluginConfig json.RawMessage `db:"plugin_config"`

	// 字段映射（保存时解析校验为强类型列表）
	FieldMappings []FieldMapping `db:"field_mappings"`

	// 同步选项
	SkipRatioThreshold float64 `db:"skip_ratio_threshold"` // 校验失败跳过比例阈值，超过则整个任务失败
	DefaultCountryCode string  `db:"default_country_code"` // 手机号默认国家码（记录未声明时使用）

	// 租户ID生成策略
	IDStrategy string `db:"id_strategy"` // uuid / username
	IDDomain   string `db:"id_domain"`   // username策略的可选domain后缀
}

// FieldMapping 单条字段映射规则
// 源字段 -> 操作(DIRECT|EXPRESSION) -> 目标字段
type FieldMapping struct {
	SourceField string `json:"source_field"`
	Operation   string `json:"operation"`
	TargetField string `json:"target_field"`
}

// CustomField 租户自定义字段定义（对应 tenant_custom_fields 表）
type CustomField struct {
	TenantID    string          `db:"tenant_id"`
	Name        string          `db:"name"`
	DisplayName string          `db:"display_name"`
	Required    bool            `db:"required"`
	Unique      bool            `db:"unique"` // 声明唯一的字段跨用户查重
	Default     json.RawMessage `db:"default"`
}

// 内置用户字段（自动派生映射时与自定义字段一起使用）
var BuiltinUserFields = []string{
	"username",
	"full_name",
	"email",
	"phone",
	"phone_country_code",
}
