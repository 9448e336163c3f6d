package plugin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopPlugin struct{}

func (nopPlugin) FetchDepartments(context.Context) ([]RawDepartment, error) { return nil, nil }
func (nopPlugin) FetchUsers(context.Context) ([]RawUser, error)             { return nil, nil }
func (nopPlugin) TestConnection(context.Context) *TestConnectionResult {
	return &TestConnectionResult{OK: true}
}

func TestRegistry_RegisterAndNew(t *testing.T) {
	r := NewRegistry()
	r.Register("nop", func(json.RawMessage, *zap.Logger) (Plugin, error) {
		return nopPlugin{}, nil
	})

	p, err := r.New("nop", json.RawMessage(`{}`), zap.NewNop())
	require.NoError(t, err)
	require.True(t, p.TestConnection(context.Background()).OK)

	_, err = r.New("missing", json.RawMessage(`{}`), zap.NewNop())
	var ce *domain.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestNewDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry()
	require.Equal(t, []string{
		domain.PluginTypeGeneral,
		domain.PluginTypeLDAP,
		domain.PluginTypeUpload,
		domain.PluginTypeWeCom,
	}, r.Types())
}
