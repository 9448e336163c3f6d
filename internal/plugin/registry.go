package plugin

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"go.uber.org/zap"
)

// Factory 按已存储配置构造插件实例；配置非法时返回 domain.ConfigError
type Factory func(config json.RawMessage, logger *zap.Logger) (Plugin, error)

// Registry 显式插件注册表
// 启动时构造后按引用传递，不存在进程级可变全局状态；测试可直接注入假插件
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// NewDefaultRegistry 创建并注册全部内置插件类型
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(domain.PluginTypeLDAP, NewLDAPPlugin)
	r.Register(domain.PluginTypeGeneral, NewGeneralPlugin)
	r.Register(domain.PluginTypeWeCom, NewWeComPlugin)
	r.Register(domain.PluginTypeUpload, NewUploadPlugin)
	return r
}

// Register 注册插件工厂
func (r *Registry) Register(pluginType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[pluginType] = factory
}

// New 按类型与配置构造插件实例
func (r *Registry) New(pluginType string, config json.RawMessage, logger *zap.Logger) (Plugin, error) {
	r.mu.RLock()
	factory, ok := r.factories[pluginType]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewConfigError("unknown plugin type %q", pluginType)
	}
	return factory(config, logger)
}

// Types 已注册的插件类型列表
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
