package syncer

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/TencentBlueKing/bk-user-sub003/internal/plugin"
	"github.com/nyaruka/phonenumbers"
)

var (
	usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]{0,31}$`)
	emailRegex    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// Converter 原始记录 -> 快照实体 转换器
// 映射规则与自定义字段在构造时解析定型，转换循环内不再做任何配置解析
type Converter struct {
	dataSourceID       int64
	mappings           []domain.FieldMapping
	customFields       []domain.CustomField
	defaultCountryCode string
}

// NewConverter 创建转换器
// 数据源未配置映射时按内置字段+租户自定义字段自动派生同名直接映射
func NewConverter(ds *domain.DataSource, customFields []domain.CustomField) (*Converter, error) {
	mappings := ds.FieldMappings
	if len(mappings) == 0 {
		mappings = deriveDefaultMappings(customFields)
	}
	if err := ValidateFieldMappings(mappings, customFields); err != nil {
		return nil, err
	}

	countryCode := ds.DefaultCountryCode
	if countryCode == "" {
		countryCode = "86"
	}

	return &Converter{
		dataSourceID:       ds.ID,
		mappings:           mappings,
		customFields:       customFields,
		defaultCountryCode: countryCode,
	}, nil
}

// deriveDefaultMappings 内置字段与自定义字段的同名直接映射
func deriveDefaultMappings(customFields []domain.CustomField) []domain.FieldMapping {
	mappings := make([]domain.FieldMapping, 0, len(domain.BuiltinUserFields)+len(customFields))
	for _, field := range domain.BuiltinUserFields {
		mappings = append(mappings, domain.FieldMapping{
			SourceField: field, Operation: domain.MappingOpDirect, TargetField: field,
		})
	}
	for _, field := range customFields {
		mappings = append(mappings, domain.FieldMapping{
			SourceField: field.Name, Operation: domain.MappingOpDirect, TargetField: field.Name,
		})
	}
	return mappings
}

// ValidateFieldMappings 字段映射强校验（保存时与构造时都会调用）
// 目标字段必须是内置字段或该租户的自定义字段，且不可重复指定
func ValidateFieldMappings(mappings []domain.FieldMapping, customFields []domain.CustomField) error {
	valid := make(map[string]bool, len(domain.BuiltinUserFields)+len(customFields))
	for _, field := range domain.BuiltinUserFields {
		valid[field] = true
	}
	for _, field := range customFields {
		valid[field.Name] = true
	}

	seen := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if m.SourceField == "" || m.TargetField == "" {
			return domain.NewConfigError("field mapping requires both source_field and target_field")
		}
		if m.Operation == domain.MappingOpExpression {
			return domain.NewConfigError("expression mapping is not supported yet (target field %q)", m.TargetField)
		}
		if m.Operation != domain.MappingOpDirect {
			return domain.NewConfigError("field mapping %q has unknown operation %q", m.TargetField, m.Operation)
		}
		if !valid[m.TargetField] {
			return domain.NewConfigError("field mapping targets unknown field %q", m.TargetField)
		}
		if seen[m.TargetField] {
			return domain.NewConfigError("field mapping targets field %q more than once", m.TargetField)
		}
		seen[m.TargetField] = true
	}
	return nil
}

// ConvertDepartment 原始部门 -> 部门快照
func (c *Converter) ConvertDepartment(raw plugin.RawDepartment) (*domain.SourceDepartment, error) {
	if raw.Code == "" {
		return nil, &domain.ValidationError{Field: "code", Message: "department code is empty"}
	}
	if raw.Name == "" {
		return nil, &domain.ValidationError{Code: raw.Code, Field: "name", Message: "department name is empty"}
	}

	dept := &domain.SourceDepartment{
		DataSourceID: c.dataSourceID,
		Code:         raw.Code,
		Name:         raw.Name,
		Extras:       map[string]any{},
	}
	if raw.ParentCode != "" {
		dept.ParentCode = sql.NullString{String: raw.ParentCode, Valid: true}
	}
	for key, value := range raw.Extras {
		dept.Extras[key] = value
	}
	return dept, nil
}

// ConvertUser 原始用户 -> 用户快照
// 按映射规则取值，内置字段逐项校验，自定义字段补默认值后进属性袋
func (c *Converter) ConvertUser(raw plugin.RawUser) (*domain.SourceUser, error) {
	if raw.Code == "" {
		return nil, &domain.ValidationError{Field: "code", Message: "user code is empty"}
	}

	mapped := make(map[string]string, len(c.mappings))
	for _, m := range c.mappings {
		value, err := c.applyMapping(m, raw.Properties)
		if err != nil {
			return nil, err
		}
		mapped[m.TargetField] = value
	}

	user := &domain.SourceUser{
		DataSourceID: c.dataSourceID,
		Code:         raw.Code,
		Username:     mapped["username"],
		FullName:     mapped["full_name"],
		Extras:       map[string]any{},
	}

	if user.Username == "" {
		return nil, &domain.ValidationError{Code: raw.Code, Field: "username", Message: "username is required"}
	}
	if !usernameRegex.MatchString(user.Username) {
		return nil, &domain.ValidationError{Code: raw.Code, Field: "username", Message: "username must start with a letter and contain only letters, digits, . _ -"}
	}
	if user.FullName == "" {
		return nil, &domain.ValidationError{Code: raw.Code, Field: "full_name", Message: "full_name is required"}
	}

	if email := mapped["email"]; email != "" {
		if !emailRegex.MatchString(email) {
			return nil, &domain.ValidationError{Code: raw.Code, Field: "email", Message: fmt.Sprintf("invalid email %q", email)}
		}
		user.Email = sql.NullString{String: email, Valid: true}
	}

	if phone := mapped["phone"]; phone != "" {
		countryCode := mapped["phone_country_code"]
		if countryCode == "" {
			countryCode = c.defaultCountryCode
		}
		if err := validatePhone(raw.Code, phone, countryCode); err != nil {
			return nil, err
		}
		user.Phone = sql.NullString{String: phone, Valid: true}
		user.CountryCode = countryCode
	}

	for _, field := range c.customFields {
		value, ok := mapped[field.Name]
		if !ok || value == "" {
			if len(field.Default) > 0 {
				var defaultValue any
				if err := json.Unmarshal(field.Default, &defaultValue); err == nil {
					user.Extras[field.Name] = defaultValue
					continue
				}
			}
			if field.Required {
				return nil, &domain.ValidationError{Code: raw.Code, Field: field.Name, Message: "required custom field is missing"}
			}
			continue
		}
		user.Extras[field.Name] = value
	}

	return user, nil
}

// applyMapping 执行单条映射取值
func (c *Converter) applyMapping(m domain.FieldMapping, properties map[string]any) (string, error) {
	if m.Operation == domain.MappingOpExpression {
		// 表达式映射预留：保存时已拦截，这里兜底
		return "", domain.NewConfigError("expression mapping is not supported yet (target field %q)", m.TargetField)
	}
	value, ok := properties[m.SourceField]
	if !ok || value == nil {
		return "", nil
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// validatePhone 按国家码校验手机号
func validatePhone(code, phone, countryCode string) error {
	cc, err := strconv.Atoi(countryCode)
	if err != nil {
		return &domain.ValidationError{Code: code, Field: "phone_country_code", Message: fmt.Sprintf("invalid country code %q", countryCode)}
	}
	region := phonenumbers.GetRegionCodeForCountryCode(cc)
	if region == "" || region == "ZZ" {
		return &domain.ValidationError{Code: code, Field: "phone_country_code", Message: fmt.Sprintf("unknown country code %q", countryCode)}
	}
	parsed, err := phonenumbers.Parse(phone, region)
	if err != nil {
		return &domain.ValidationError{Code: code, Field: "phone", Message: fmt.Sprintf("unparseable phone %q: %v", phone, err)}
	}
	if !phonenumbers.IsValidNumberForRegion(parsed, region) {
		return &domain.ValidationError{Code: code, Field: "phone", Message: fmt.Sprintf("phone %q is not valid for region %s", phone, region)}
	}
	return nil
}
