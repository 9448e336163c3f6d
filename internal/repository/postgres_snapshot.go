package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/TencentBlueKing/bk-user-sub003/internal/domain"
	"github.com/lib/pq"
)

// dbtx *sql.DB 和 *sql.Tx 的公共子集
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresSnapshotRepository 数据源快照Repository实现
type PostgresSnapshotRepository struct {
	db dbtx
}

// NewPostgresSnapshotRepository 创建快照Repository
func NewPostgresSnapshotRepository(db dbtx) *PostgresSnapshotRepository {
	return &PostgresSnapshotRepository{db: db}
}

// 确保实现了接口
var _ SnapshotRepository = (*PostgresSnapshotRepository)(nil)

func marshalExtras(extras map[string]any) (any, error) {
	if extras == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(extras)
	if err != nil {
		return nil, fmt.Errorf("invalid extras: %w", err)
	}
	return string(raw), nil
}

func unmarshalExtras(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return map[string]any{}
	}
	extras := map[string]any{}
	if err := json.Unmarshal([]byte(raw.String), &extras); err != nil {
		return map[string]any{}
	}
	return extras
}

// ListDepartments 列出数据源全部部门快照
func (r *PostgresSnapshotRepository) ListDepartments(ctx context.Context, dataSourceID int64) ([]*domain.SourceDepartment, error) {
	query := `
		SELECT id, data_source_id, code, name, parent_code, extras::text
		FROM source_departments
		WHERE data_source_id = $1
		ORDER BY code
	`
	rows, err := r.db.QueryContext(ctx, query, dataSourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	departments := []*domain.SourceDepartment{}
	for rows.Next() {
		var dept domain.SourceDepartment
		var extras sql.NullString
		if err := rows.Scan(&dept.ID, &dept.DataSourceID, &dept.Code, &dept.Name, &dept.ParentCode, &extras); err != nil {
			return nil, err
		}
		dept.Extras = unmarshalExtras(extras)
		departments = append(departments, &dept)
	}
	return departments, rows.Err()
}

// BulkCreateDepartments 批量创建部门
func (r *PostgresSnapshotRepository) BulkCreateDepartments(ctx context.Context, dataSourceID int64, departments []*domain.SourceDepartment) error {
	query := `
		INSERT INTO source_departments (data_source_id, code, name, parent_code, extras)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`
	for _, dept := range departments {
		extras, err := marshalExtras(dept.Extras)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, query, dataSourceID, dept.Code, dept.Name, dept.ParentCode, extras); err != nil {
			return fmt.Errorf("failed to insert department %s: %w", dept.Code, err)
		}
	}
	return nil
}

// BulkUpdateDepartments 批量更新部门（按自然code定位）
func (r *PostgresSnapshotRepository) BulkUpdateDepartments(ctx context.Context, dataSourceID int64, departments []*domain.SourceDepartment) error {
	query := `
		UPDATE source_departments
		SET name = $3, parent_code = $4, extras = $5::jsonb
		WHERE data_source_id = $1 AND code = $2
	`
	for _, dept := range departments {
		extras, err := marshalExtras(dept.Extras)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, query, dataSourceID, dept.Code, dept.Name, dept.ParentCode, extras); err != nil {
			return fmt.Errorf("failed to update department %s: %w", dept.Code, err)
		}
	}
	return nil
}

// BulkDeleteDepartments 按自然code批量删除部门
func (r *PostgresSnapshotRepository) BulkDeleteDepartments(ctx context.Context, dataSourceID int64, codes []string) error {
	if len(codes) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM source_departments WHERE data_source_id = $1 AND code = ANY($2)`,
		dataSourceID, pq.Array(codes),
	)
	return err
}

// ListDepartmentRelations 列出部门父子关系
func (r *PostgresSnapshotRepository) ListDepartmentRelations(ctx context.Context, dataSourceID int64) ([]domain.SourceDepartmentRelation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT data_source_id, department_code, parent_code
		 FROM source_department_relations
		 WHERE data_source_id = $1
		 ORDER BY department_code`,
		dataSourceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	relations := []domain.SourceDepartmentRelation{}
	for rows.Next() {
		var rel domain.SourceDepartmentRelation
		if err := rows.Scan(&rel.DataSourceID, &rel.DepartmentCode, &rel.ParentCode); err != nil {
			return nil, err
		}
		relations = append(relations, rel)
	}
	return relations, rows.Err()
}

// DeleteAllDepartmentRelations 删除数据源的全部部门关系（整树重建的前半步）
func (r *PostgresSnapshotRepository) DeleteAllDepartmentRelations(ctx context.Context, dataSourceID int64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM source_department_relations WHERE data_source_id = $1`, dataSourceID)
	return err
}

// BulkCreateDepartmentRelations 批量写入部门关系
func (r *PostgresSnapshotRepository) BulkCreateDepartmentRelations(ctx context.Context, dataSourceID int64, relations []domain.SourceDepartmentRelation) error {
	query := `
		INSERT INTO source_department_relations (data_source_id, department_code, parent_code)
		VALUES ($1, $2, $3)
	`
	for _, rel := range relations {
		if _, err := r.db.ExecContext(ctx, query, dataSourceID, rel.DepartmentCode, rel.ParentCode); err != nil {
			return fmt.Errorf("failed to insert department relation %s: %w", rel.DepartmentCode, err)
		}
	}
	return nil
}

// ListUsers 列出数据源全部用户快照
func (r *PostgresSnapshotRepository) ListUsers(ctx context.Context, dataSourceID int64) ([]*domain.SourceUser, error) {
	query := `
		SELECT id, data_source_id, code, username, full_name, email, phone, phone_country_code, extras::text
		FROM source_users
		WHERE data_source_id = $1
		ORDER BY code
	`
	rows, err := r.db.QueryContext(ctx, query, dataSourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []*domain.SourceUser{}
	for rows.Next() {
		var user domain.SourceUser
		var extras sql.NullString
		if err := rows.Scan(&user.ID, &user.DataSourceID, &user.Code, &user.Username,
			&user.FullName, &user.Email, &user.Phone, &user.CountryCode, &extras); err != nil {
			return nil, err
		}
		user.Extras = unmarshalExtras(extras)
		users = append(users, &user)
	}
	return users, rows.Err()
}

// BulkCreateUsers 批量创建用户
func (r *PostgresSnapshotRepository) BulkCreateUsers(ctx context.Context, dataSourceID int64, users []*domain.SourceUser) error {
	query := `
		INSERT INTO source_users (data_source_id, code, username, full_name, email, phone, phone_country_code, extras)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
	`
	for _, user := range users {
		extras, err := marshalExtras(user.Extras)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, query, dataSourceID, user.Code, user.Username,
			user.FullName, user.Email, user.Phone, user.CountryCode, extras); err != nil {
			return fmt.Errorf("failed to insert user %s: %w", user.Code, err)
		}
	}
	return nil
}

// BulkUpdateUsers 批量更新用户（按自然code定位）
func (r *PostgresSnapshotRepository) BulkUpdateUsers(ctx context.Context, dataSourceID int64, users []*domain.SourceUser) error {
	query := `
		UPDATE source_users
		SET username = $3, full_name = $4, email = $5, phone = $6, phone_country_code = $7, extras = $8::jsonb
		WHERE data_source_id = $1 AND code = $2
	`
	for _, user := range users {
		extras, err := marshalExtras(user.Extras)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, query, dataSourceID, user.Code, user.Username,
			user.FullName, user.Email, user.Phone, user.CountryCode, extras); err != nil {
			return fmt.Errorf("failed to update user %s: %w", user.Code, err)
		}
	}
	return nil
}

// BulkDeleteUsers 按自然code批量删除用户
func (r *PostgresSnapshotRepository) BulkDeleteUsers(ctx context.Context, dataSourceID int64, codes []string) error {
	if len(codes) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM source_users WHERE data_source_id = $1 AND code = ANY($2)`,
		dataSourceID, pq.Array(codes),
	)
	return err
}

// ListUserLeaderRelations 列出用户-上级关系边
func (r *PostgresSnapshotRepository) ListUserLeaderRelations(ctx context.Context, dataSourceID int64) ([]domain.SourceUserLeaderRelation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT data_source_id, user_code, leader_code
		 FROM source_user_leader_relations
		 WHERE data_source_id = $1
		 ORDER BY user_code, leader_code`,
		dataSourceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	relations := []domain.SourceUserLeaderRelation{}
	for rows.Next() {
		var rel domain.SourceUserLeaderRelation
		if err := rows.Scan(&rel.DataSourceID, &rel.UserCode, &rel.LeaderCode); err != nil {
			return nil, err
		}
		relations = append(relations, rel)
	}
	return relations, rows.Err()
}

// BulkCreateUserLeaderRelations 批量写入用户-上级关系边
func (r *PostgresSnapshotRepository) BulkCreateUserLeaderRelations(ctx context.Context, dataSourceID int64, relations []domain.SourceUserLeaderRelation) error {
	query := `
		INSERT INTO source_user_leader_relations (data_source_id, user_code, leader_code)
		VALUES ($1, $2, $3)
	`
	for _, rel := range relations {
		if _, err := r.db.ExecContext(ctx, query, dataSourceID, rel.UserCode, rel.LeaderCode); err != nil {
			return fmt.Errorf("failed to insert leader relation %s->%s: %w", rel.UserCode, rel.LeaderCode, err)
		}
	}
	return nil
}

// BulkDeleteUserLeaderRelations 按 (user, leader) 对批量删除关系边
func (r *PostgresSnapshotRepository) BulkDeleteUserLeaderRelations(ctx context.Context, dataSourceID int64, relations []domain.SourceUserLeaderRelation) error {
	query := `
		DELETE FROM source_user_leader_relations
		WHERE data_source_id = $1 AND user_code = $2 AND leader_code = $3
	`
	for _, rel := range relations {
		if _, err := r.db.ExecContext(ctx, query, dataSourceID, rel.UserCode, rel.LeaderCode); err != nil {
			return fmt.Errorf("failed to delete leader relation %s->%s: %w", rel.UserCode, rel.LeaderCode, err)
		}
	}
	return nil
}

// ListDepartmentUserRelations 列出部门-用户关系边
func (r *PostgresSnapshotRepository) ListDepartmentUserRelations(ctx context.Context, dataSourceID int64) ([]domain.SourceDepartmentUserRelation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT data_source_id, department_code, user_code
		 FROM source_department_user_relations
		 WHERE data_source_id = $1
		 ORDER BY department_code, user_code`,
		dataSourceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	relations := []domain.SourceDepartmentUserRelation{}
	for rows.Next() {
		var rel domain.SourceDepartmentUserRelation
		if err := rows.Scan(&rel.DataSourceID, &rel.DepartmentCode, &rel.UserCode); err != nil {
			return nil, err
		}
		relations = append(relations, rel)
	}
	return relations, rows.Err()
}

// BulkCreateDepartmentUserRelations 批量写入部门-用户关系边
func (r *PostgresSnapshotRepository) BulkCreateDepartmentUserRelations(ctx context.Context, dataSourceID int64, relations []domain.SourceDepartmentUserRelation) error {
	query := `
		INSERT INTO source_department_user_relations (data_source_id, department_code, user_code)
		VALUES ($1, $2, $3)
	`
	for _, rel := range relations {
		if _, err := r.db.ExecContext(ctx, query, dataSourceID, rel.DepartmentCode, rel.UserCode); err != nil {
			return fmt.Errorf("failed to insert department user relation %s->%s: %w", rel.DepartmentCode, rel.UserCode, err)
		}
	}
	return nil
}

// BulkDeleteDepartmentUserRelations 按 (department, user) 对批量删除关系边
func (r *PostgresSnapshotRepository) BulkDeleteDepartmentUserRelations(ctx context.Context, dataSourceID int64, relations []domain.SourceDepartmentUserRelation) error {
	query := `
		DELETE FROM source_department_user_relations
		WHERE data_source_id = $1 AND department_code = $2 AND user_code = $3
	`
	for _, rel := range relations {
		if _, err := r.db.ExecContext(ctx, query, dataSourceID, rel.DepartmentCode, rel.UserCode); err != nil {
			return fmt.Errorf("failed to delete department user relation %s->%s: %w", rel.DepartmentCode, rel.UserCode, err)
		}
	}
	return nil
}
