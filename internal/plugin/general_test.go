package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newPagedServer 按 page/page_size 分页返回items的上游假服务
func newPagedServer(t *testing.T, departments, users []map[string]any) *httptest.Server {
	t.Helper()
	paged := func(w http.ResponseWriter, r *http.Request, items []map[string]any) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
		require.Greater(t, page, 0)
		require.Greater(t, pageSize, 0)

		start := (page - 1) * pageSize
		end := start + pageSize
		if start > len(items) {
			start = len(items)
		}
		if end > len(items) {
			end = len(items)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"count":   len(items),
			"results": items[start:end],
		})
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/departments":
			paged(w, r, departments)
		case "/users":
			paged(w, r, users)
		default:
			http.NotFound(w, r)
		}
	}))
}

func generalConfig(baseURL string, pageSize int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"base_url": %q, "page_size": %d, "retry_count": 1, "retry_interval_ms": 1}`, baseURL, pageSize))
}

func TestGeneralPlugin_FetchPaged(t *testing.T) {
	var departments, users []map[string]any
	for i := 0; i < 5; i++ {
		departments = append(departments, map[string]any{
			"code": fmt.Sprintf("dept-%d", i), "name": fmt.Sprintf("部门%d", i),
		})
	}
	for i := 0; i < 7; i++ {
		users = append(users, map[string]any{
			"code":             fmt.Sprintf("user-%d", i),
			"properties":       map[string]any{"username": fmt.Sprintf("user%d", i)},
			"department_codes": []string{"dept-0"},
		})
	}
	server := newPagedServer(t, departments, users)
	defer server.Close()

	// page_size=3：部门2页，用户3页
	p, err := NewGeneralPlugin(generalConfig(server.URL, 3), zap.NewNop())
	require.NoError(t, err)

	gotDepts, err := p.FetchDepartments(context.Background())
	require.NoError(t, err)
	require.Len(t, gotDepts, 5)
	require.Equal(t, "dept-0", gotDepts[0].Code)

	gotUsers, err := p.FetchUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, gotUsers, 7)
	require.Equal(t, "user0", gotUsers[0].Properties["username"])
	require.Equal(t, []string{"dept-0"}, gotUsers[0].DepartmentCodes)
}

func TestGeneralPlugin_FetchWithoutCount(t *testing.T) {
	// 上游不带count字段，整页填满时仍继续翻页直到遇到空页
	var departments []map[string]any
	for i := 0; i < 6; i++ {
		departments = append(departments, map[string]any{
			"code": fmt.Sprintf("dept-%d", i), "name": fmt.Sprintf("部门%d", i),
		})
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
		start := (page - 1) * pageSize
		end := start + pageSize
		if start > len(departments) {
			start = len(departments)
		}
		if end > len(departments) {
			end = len(departments)
		}
		json.NewEncoder(w).Encode(map[string]any{"results": departments[start:end]})
	}))
	defer server.Close()

	// page_size=3恰好整除6条：需要第三次请求拿到空页才能判定结束
	p, err := NewGeneralPlugin(generalConfig(server.URL, 3), zap.NewNop())
	require.NoError(t, err)

	got, err := p.FetchDepartments(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 6)
}

func TestGeneralPlugin_AuthHeadersInjected(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"count": 0, "results": []any{}})
	}))
	defer server.Close()

	cfg := json.RawMessage(fmt.Sprintf(
		`{"base_url": %q, "auth_headers": {"Authorization": "Bearer token-123"}}`, server.URL))
	p, err := NewGeneralPlugin(cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = p.FetchDepartments(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Bearer token-123", gotAuth)
}

func TestGeneralPlugin_UpstreamErrorFailsWhole(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	p, err := NewGeneralPlugin(generalConfig(server.URL, 10), zap.NewNop())
	require.NoError(t, err)

	_, err = p.FetchUsers(context.Background())
	var ce *domain.ConnectivityError
	require.ErrorAs(t, err, &ce)
}

func TestGeneralPlugin_RequiresBaseURL(t *testing.T) {
	_, err := NewGeneralPlugin(json.RawMessage(`{}`), zap.NewNop())
	var ce *domain.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestGeneralPlugin_TestConnection(t *testing.T) {
	server := newPagedServer(t,
		[]map[string]any{{"code": "d1", "name": "部门"}},
		[]map[string]any{{"code": "u1", "properties": map[string]any{"username": "zhangsan"}}},
	)
	defer server.Close()

	p, err := NewGeneralPlugin(generalConfig(server.URL, 10), zap.NewNop())
	require.NoError(t, err)

	result := p.TestConnection(context.Background())
	require.True(t, result.OK)
	require.NotNil(t, result.SampleDepartment)
	require.Equal(t, "d1", result.SampleDepartment.Code)
	require.NotNil(t, result.SampleUser)
}
