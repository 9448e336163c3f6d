package syncer

import (
	"context"
	"database/sql"
	"testing"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/TencentBlueKing/bk-user-sub003/internal/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestVerifyAcyclic(t *testing.T) {
	// 正常的两层树
	require.NoError(t, verifyAcyclic(map[string]string{
		"tech": "company", "hr": "company", "backend": "tech",
	}))

	// 深链
	require.NoError(t, verifyAcyclic(map[string]string{
		"b": "a", "c": "b", "d": "c", "e": "d",
	}))

	// 环
	err := verifyAcyclic(map[string]string{"a": "b", "b": "a"})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)

	// 自环以外的间接环
	err = verifyAcyclic(map[string]string{"a": "b", "b": "c", "c": "a"})
	require.ErrorAs(t, err, &conflict)

	require.NoError(t, verifyAcyclic(nil))
}

func TestDepartmentRelationSyncer_UnknownParentBecomesRoot(t *testing.T) {
	stores := repository.NewMemoryStores()
	ctx := context.Background()
	recorder := NewChangeRecorder(1, 1)

	err := stores.WithinTx(ctx, func(tx repository.TxSnapshot) error {
		require.NoError(t, tx.BulkCreateDepartments(ctx, 1, []*domain.SourceDepartment{
			{Code: "tech", Name: "技术部", ParentCode: sql.NullString{String: "ghost", Valid: true}},
		}))
		return NewDepartmentRelationSyncer(recorder, zap.NewNop()).Sync(ctx, tx, 1)
	})
	require.NoError(t, err)
	require.True(t, recorder.HasWarning())

	relations, err := stores.Snapshot().ListDepartmentRelations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, relations, 1)
	require.False(t, relations[0].ParentCode.Valid)
}

func TestDepartmentRelationSyncer_SelfParentFails(t *testing.T) {
	stores := repository.NewMemoryStores()
	ctx := context.Background()
	recorder := NewChangeRecorder(1, 1)

	err := stores.WithinTx(ctx, func(tx repository.TxSnapshot) error {
		require.NoError(t, tx.BulkCreateDepartments(ctx, 1, []*domain.SourceDepartment{
			{Code: "tech", Name: "技术部", ParentCode: sql.NullString{String: "tech", Valid: true}},
		}))
		return NewDepartmentRelationSyncer(recorder, zap.NewNop()).Sync(ctx, tx, 1)
	})
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestDepartmentRelationSyncer_OnlyChangedEdgesRecorded(t *testing.T) {
	stores := repository.NewMemoryStores()
	ctx := context.Background()

	// 首次重建：每个节点一条create
	first := NewChangeRecorder(1, 1)
	err := stores.WithinTx(ctx, func(tx repository.TxSnapshot) error {
		require.NoError(t, tx.BulkCreateDepartments(ctx, 1, []*domain.SourceDepartment{
			{Code: "company", Name: "公司"},
			{Code: "tech", Name: "技术部", ParentCode: sql.NullString{String: "company", Valid: true}},
		}))
		return NewDepartmentRelationSyncer(first, zap.NewNop()).Sync(ctx, tx, 1)
	})
	require.NoError(t, err)
	require.Len(t, first.Entries(), 2)

	// 树未变化的重建不产生任何变更记录
	second := NewChangeRecorder(2, 1)
	err = stores.WithinTx(ctx, func(tx repository.TxSnapshot) error {
		return NewDepartmentRelationSyncer(second, zap.NewNop()).Sync(ctx, tx, 1)
	})
	require.NoError(t, err)
	require.Empty(t, second.Entries())

	// 删除父部门：company的边记delete，tech落为根记update
	third := NewChangeRecorder(3, 1)
	err = stores.WithinTx(ctx, func(tx repository.TxSnapshot) error {
		require.NoError(t, tx.BulkDeleteDepartments(ctx, 1, []string{"company"}))
		return NewDepartmentRelationSyncer(third, zap.NewNop()).Sync(ctx, tx, 1)
	})
	require.NoError(t, err)

	ops := map[string]int{}
	for _, entry := range third.Entries() {
		ops[entry.Operation+"/"+entry.Code]++
	}
	require.Equal(t, 1, ops[domain.OperationDelete+"/company"])
	require.Equal(t, 1, ops[domain.OperationUpdate+"/tech"])
	require.Len(t, third.Entries(), 2)
}

func TestDepartmentSyncer_NoOpUpdateSuppressed(t *testing.T) {
	require.False(t, departmentChanged(
		&domain.SourceDepartment{Code: "tech", Name: "技术部", Extras: map[string]any{}},
		&domain.SourceDepartment{Code: "tech", Name: "技术部", Extras: map[string]any{}},
	))
	require.True(t, departmentChanged(
		&domain.SourceDepartment{Code: "tech", Name: "技术部"},
		&domain.SourceDepartment{Code: "tech", Name: "技术中心"},
	))
	require.True(t, departmentChanged(
		&domain.SourceDepartment{Code: "tech", Name: "技术部"},
		&domain.SourceDepartment{Code: "tech", Name: "技术部", ParentCode: sql.NullString{String: "company", Valid: true}},
	))
	require.True(t, departmentChanged(
		&domain.SourceDepartment{Code: "tech", Name: "技术部", Extras: map[string]any{"floor": "3"}},
		&domain.SourceDepartment{Code: "tech", Name: "技术部", Extras: map[string]any{"floor": "4"}},
	))
}
