package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// LDAPConfig 层级目录协议插件配置
type LDAPConfig struct {
	URL          string   `json:"url"` // ldap://host:port 或 ldaps://host:port
	BindDN       string   `json:"bind_dn"`
	BindPassword string   `json:"bind_password"`
	BaseDNs      []string `json:"base_dns"` // 一个或多个搜索根

	DeptFilter   string   `json:"dept_filter"`    // 默认 (objectClass=organizationalUnit)
	UserFilter   string   `json:"user_filter"`    // 默认 (objectClass=inetOrgPerson)
	UniqueIDAttr string   `json:"unique_id_attr"` // 默认 entryUUID，作为自然code
	UsernameAttr string   `json:"username_attr"`  // 默认 uid
	FullNameAttr string   `json:"full_name_attr"` // 默认 cn
	EmailAttr    string   `json:"email_attr"`     // 默认 mail
	PhoneAttr    string   `json:"phone_attr"`     // 默认 mobile
	LeaderAttr   string   `json:"leader_attr"`    // 默认 manager（DN引用）
	ExtraAttrs   []string `json:"extra_attrs"`    // 额外采集进属性袋的目录属性

	PageSize uint32 `json:"page_size"` // 默认 500
}

// LDAPPlugin 层级目录协议插件
// 分页搜索一个或多个搜索根；自然code取条目的稳定唯一目录id（缺失时回退DN）
type LDAPPlugin struct {
	cfg    LDAPConfig
	logger *zap.Logger
	// dial 可注入用于测试
	dial func() (ldapConn, error)
}

// ldapConn go-ldap连接的使用面，便于测试替身
type ldapConn interface {
	SearchWithPaging(req *ldap.SearchRequest, pagingSize uint32) (*ldap.SearchResult, error)
	Close() error
}

// NewLDAPPlugin 创建LDAP插件
func NewLDAPPlugin(config json.RawMessage, logger *zap.Logger) (Plugin, error) {
	var cfg LDAPConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, &domain.ConfigError{Message: "invalid ldap plugin config", Err: err}
	}
	if cfg.URL == "" {
		return nil, domain.NewConfigError("ldap plugin requires url")
	}
	if len(cfg.BaseDNs) == 0 {
		return nil, domain.NewConfigError("ldap plugin requires at least one base_dn")
	}
	if cfg.DeptFilter == "" {
		cfg.DeptFilter = "(objectClass=organizationalUnit)"
	}
	if cfg.UserFilter == "" {
		cfg.UserFilter = "(objectClass=inetOrgPerson)"
	}
	if cfg.UniqueIDAttr == "" {
		cfg.UniqueIDAttr = "entryUUID"
	}
	if cfg.UsernameAttr == "" {
		cfg.UsernameAttr = "uid"
	}
	if cfg.FullNameAttr == "" {
		cfg.FullNameAttr = "cn"
	}
	if cfg.EmailAttr == "" {
		cfg.EmailAttr = "mail"
	}
	if cfg.PhoneAttr == "" {
		cfg.PhoneAttr = "mobile"
	}
	if cfg.LeaderAttr == "" {
		cfg.LeaderAttr = "manager"
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 500
	}

	p := &LDAPPlugin{cfg: cfg, logger: logger}
	p.dial = p.dialReal
	return p, nil
}

var _ Plugin = (*LDAPPlugin)(nil)

func (p *LDAPPlugin) dialReal() (ldapConn, error) {
	conn, err := ldap.DialURL(p.cfg.URL)
	if err != nil {
		return nil, &domain.ConnectivityError{Message: "dial ldap server", Err: err}
	}
	if p.cfg.BindDN != "" {
		if err := conn.Bind(p.cfg.BindDN, p.cfg.BindPassword); err != nil {
			conn.Close()
			return nil, &domain.ConnectivityError{Message: "bind ldap server", Err: err}
		}
	}
	return conn, nil
}

// normalizeDN DN规范化（小写 + 去掉逗号后空格），用作map键
func normalizeDN(dn string) string {
	parts := strings.Split(strings.ToLower(dn), ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ",")
}

// parentDN 去掉最前面的RDN得到父DN
func parentDN(dn string) string {
	idx := strings.Index(dn, ",")
	if idx < 0 {
		return ""
	}
	return dn[idx+1:]
}

// firstRDNValue 第一个RDN的值（如 ou=tech,... 返回 tech）
func firstRDNValue(dn string) string {
	first := dn
	if idx := strings.Index(dn, ","); idx >= 0 {
		first = dn[:idx]
	}
	if idx := strings.Index(first, "="); idx >= 0 {
		return first[idx+1:]
	}
	return first
}

// searchAll 在全部搜索根上执行分页搜索
func (p *LDAPPlugin) searchAll(conn ldapConn, filter string, attrs []string) ([]*ldap.Entry, error) {
	var entries []*ldap.Entry
	for _, baseDN := range p.cfg.BaseDNs {
		req := ldap.NewSearchRequest(
			baseDN,
			ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
			filter, attrs, nil,
		)
		result, err := conn.SearchWithPaging(req, p.cfg.PageSize)
		if err != nil {
			return nil, &domain.ConnectivityError{Message: fmt.Sprintf("search %s", baseDN), Err: err}
		}
		entries = append(entries, result.Entries...)
	}
	return entries, nil
}

// departmentEntries 搜索部门条目并建立 DN -> code 映射
func (p *LDAPPlugin) departmentEntries(conn ldapConn) ([]*ldap.Entry, map[string]string, error) {
	attrs := []string{p.cfg.UniqueIDAttr, "ou", "cn"}
	entries, err := p.searchAll(conn, p.cfg.DeptFilter, attrs)
	if err != nil {
		return nil, nil, err
	}
	dnToCode := map[string]string{}
	for _, entry := range entries {
		dnToCode[normalizeDN(entry.DN)] = p.entryCode(entry)
	}
	return entries, dnToCode, nil
}

// entryCode 条目自然code：稳定唯一目录id，缺失时回退DN
func (p *LDAPPlugin) entryCode(entry *ldap.Entry) string {
	if id := entry.GetAttributeValue(p.cfg.UniqueIDAttr); id != "" {
		return id
	}
	return normalizeDN(entry.DN)
}

// FetchDepartments 拉取全部原始部门记录
// 父code按DN层级推导：最近的、同样被搜出来的祖先部门
func (p *LDAPPlugin) FetchDepartments(_ context.Context) ([]RawDepartment, error) {
	conn, err := p.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	entries, dnToCode, err := p.departmentEntries(conn)
	if err != nil {
		return nil, err
	}

	departments := make([]RawDepartment, 0, len(entries))
	for _, entry := range entries {
		name := entry.GetAttributeValue("ou")
		if name == "" {
			name = entry.GetAttributeValue("cn")
		}
		if name == "" {
			name = firstRDNValue(entry.DN)
		}

		raw := RawDepartment{
			Code:   p.entryCode(entry),
			Name:   name,
			Extras: map[string]any{},
		}
		for dn := parentDN(normalizeDN(entry.DN)); dn != ""; dn = parentDN(dn) {
			if code, ok := dnToCode[dn]; ok {
				raw.ParentCode = code
				break
			}
		}
		departments = append(departments, raw)
	}

	p.logger.Info("fetched departments from ldap", zap.Int("count", len(departments)))
	return departments, nil
}

// FetchUsers 拉取全部原始用户记录
// 部门归属按条目DN的最近部门祖先推导；上级按manager DN两遍解析
func (p *LDAPPlugin) FetchUsers(_ context.Context) ([]RawUser, error) {
	conn, err := p.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	_, deptDNToCode, err := p.departmentEntries(conn)
	if err != nil {
		return nil, err
	}

	attrs := []string{
		p.cfg.UniqueIDAttr, p.cfg.UsernameAttr, p.cfg.FullNameAttr,
		p.cfg.EmailAttr, p.cfg.PhoneAttr, p.cfg.LeaderAttr,
	}
	attrs = append(attrs, p.cfg.ExtraAttrs...)
	entries, err := p.searchAll(conn, p.cfg.UserFilter, attrs)
	if err != nil {
		return nil, err
	}

	// 第一遍：建立用户 DN -> code 映射，供manager引用解析
	userDNToCode := map[string]string{}
	for _, entry := range entries {
		userDNToCode[normalizeDN(entry.DN)] = p.entryCode(entry)
	}

	users := make([]RawUser, 0, len(entries))
	for _, entry := range entries {
		properties := map[string]any{
			"username":  entry.GetAttributeValue(p.cfg.UsernameAttr),
			"full_name": entry.GetAttributeValue(p.cfg.FullNameAttr),
			"email":     entry.GetAttributeValue(p.cfg.EmailAttr),
			"phone":     entry.GetAttributeValue(p.cfg.PhoneAttr),
		}
		for _, attr := range p.cfg.ExtraAttrs {
			properties[attr] = entry.GetAttributeValue(attr)
		}

		raw := RawUser{
			Code:       p.entryCode(entry),
			Properties: properties,
		}
		for _, managerDN := range entry.GetAttributeValues(p.cfg.LeaderAttr) {
			if code, ok := userDNToCode[normalizeDN(managerDN)]; ok {
				raw.LeaderCodes = append(raw.LeaderCodes, code)
			}
		}
		for dn := parentDN(normalizeDN(entry.DN)); dn != ""; dn = parentDN(dn) {
			if code, ok := deptDNToCode[dn]; ok {
				raw.DepartmentCodes = append(raw.DepartmentCodes, code)
				break
			}
		}
		users = append(users, raw)
	}

	p.logger.Info("fetched users from ldap", zap.Int("count", len(users)))
	return users, nil
}

// TestConnection 连通性测试：绑定并各取一条样例
func (p *LDAPPlugin) TestConnection(ctx context.Context) *TestConnectionResult {
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
