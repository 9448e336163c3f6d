package plugin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// buildWorkbook 组装测试工作簿并编码为插件配置
func buildWorkbook(t *testing.T, deptRows, userRows [][]any) json.RawMessage {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	_, err := f.NewSheet(uploadDeptSheet)
	require.NoError(t, err)
	for i, row := range deptRows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(uploadDeptSheet, cell, &row))
	}

	_, err = f.NewSheet(uploadUserSheet)
	require.NoError(t, err)
	for i, row := range userRows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(uploadUserSheet, cell, &row))
	}

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	return json.RawMessage(fmt.Sprintf(`{"content_base64": %q}`, encoded))
}

func defaultDeptRows() [][]any {
	return [][]any{
		{"code", "name", "parent_code"},
		{"company", "公司", ""},
		{"tech", "技术部", "company"},
	}
}

func defaultUserRows() [][]any {
	return [][]any{
		{"username", "full_name", "email", "phone", "phone_country_code", "departments", "leaders"},
		{"zhangsan", "张三", "zhangsan@example.com", "13800138000", "86", "tech", ""},
		{"lisi", "李四", "", "", "", "tech,company", "zhangsan"},
	}
}

func TestUploadPlugin_FetchDepartments(t *testing.T) {
	cfg := buildWorkbook(t, defaultDeptRows(), defaultUserRows())
	p, err := NewUploadPlugin(cfg, zap.NewNop())
	require.NoError(t, err)

	departments, err := p.FetchDepartments(context.Background())
	require.NoError(t, err)
	require.Len(t, departments, 2)
	require.Equal(t, "company", departments[0].Code)
	require.Equal(t, "", departments[0].ParentCode)
	require.Equal(t, "company", departments[1].ParentCode)
}

func TestUploadPlugin_FetchUsers(t *testing.T) {
	cfg := buildWorkbook(t, defaultDeptRows(), defaultUserRows())
	p, err := NewUploadPlugin(cfg, zap.NewNop())
	require.NoError(t, err)

	users, err := p.FetchUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)

	require.Equal(t, "zhangsan", users[0].Code)
	require.Equal(t, "张三", users[0].Properties["full_name"])
	require.Equal(t, []string{"tech"}, users[0].DepartmentCodes)
	require.Empty(t, users[0].LeaderCodes)

	require.Equal(t, []string{"tech", "company"}, users[1].DepartmentCodes)
	require.Equal(t, []string{"zhangsan"}, users[1].LeaderCodes)
}

func TestUploadPlugin_ExtraColumnsGoToProperties(t *testing.T) {
	userRows := [][]any{
		{"username", "full_name", "email", "phone", "phone_country_code", "departments", "leaders", "employee_id"},
		{"zhangsan", "张三", "", "", "", "", "", "1001"},
	}
	cfg := buildWorkbook(t, defaultDeptRows(), userRows)
	p, err := NewUploadPlugin(cfg, zap.NewNop())
	require.NoError(t, err)

	users, err := p.FetchUsers(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1001", users[0].Properties["employee_id"])
}

func TestUploadPlugin_BadHeaderRejected(t *testing.T) {
	userRows := [][]any{
		{"username", "name"}, // 第二列应为 full_name
		{"zhangsan", "张三"},
	}
	cfg := buildWorkbook(t, defaultDeptRows(), userRows)
	p, err := NewUploadPlugin(cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = p.FetchUsers(context.Background())
	var ce *domain.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestUploadPlugin_RequiresContent(t *testing.T) {
	_, err := NewUploadPlugin(json.RawMessage(`{}`), zap.NewNop())
	var ce *domain.ConfigError
	require.ErrorAs(t, err, &ce)

	_, err = NewUploadPlugin(json.RawMessage(`{"content_base64": "not-base64!!"}`), zap.NewNop())
	require.ErrorAs(t, err, &ce)
}

func TestUploadPlugin_TestConnection(t *testing.T) {
	cfg := buildWorkbook(t, defaultDeptRows(), defaultUserRows())
	p, err := NewUploadPlugin(cfg, zap.NewNop())
	require.NoError(t, err)

	result := p.TestConnection(context.Background())
	require.True(t, result.OK)
	require.Equal(t, "company", result.SampleDepartment.Code)
	require.Equal(t, "zhangsan", result.SampleUser.Code)
}
