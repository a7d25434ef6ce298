package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"stratplan/internal/types"
)

// TenantRepository resolves tenants and their users.
type TenantRepository struct {
	db DBTX
}

// NewTenantRepository creates a TenantRepository backed by the given
// database connection (pool or transaction).
func NewTenantRepository(db DBTX) *TenantRepository {
	return &TenantRepository{db: db}
}

const userColumns = `id, tenant_id, email, name, role, password_hash, must_change_password, created_at`

func scanUser(row pgx.Row) (*types.User, error) {
	var (
		u            types.User
		name         *string
		passwordHash *string
	)
	if err := row.Scan(
		&u.ID,
		&u.TenantID,
		&u.Email,
		&name,
		&u.Role,
		&passwordHash,
		&u.MustChangePassword,
		&u.CreatedAt,
	); err != nil {
		return nil, err
	}
	u.Name = derefString(name)
	u.PasswordHash = derefString(passwordHash)
	return &u, nil
}

func userResult(u *types.User, err error) (*types.User, error) {
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user", err)
	}
	return u, nil
}

// GetTenant returns a tenant by id.
func (r *TenantRepository) GetTenant(ctx context.Context, tenantID string) (*types.Tenant, error) {
	var t types.Tenant
	err := conn(ctx, r.db).QueryRow(ctx,
		`SELECT id, name, is_legacy, created_at, updated_at FROM tenants WHERE id = $1`,
		tenantID,
	).Scan(&t.ID, &t.Name, &t.IsLegacy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve tenant", err)
	}
	return &t, nil
}

// GetUserByEmail looks a user up by email, case-insensitively.
func (r *TenantRepository) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	return userResult(scanUser(conn(ctx, r.db).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`,
		email,
	)))
}

// GetUserByID returns a user by id.
func (r *TenantRepository) GetUserByID(ctx context.Context, userID string) (*types.User, error) {
	return userResult(scanUser(conn(ctx, r.db).QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		userID,
	)))
}

// GetTenantOwner returns the earliest owner of a tenant, or the earliest
// admin when the tenant has no owner.
func (r *TenantRepository) GetTenantOwner(ctx context.Context, tenantID string) (*types.User, error) {
	return userResult(scanUser(conn(ctx, r.db).QueryRow(ctx,
		`SELECT `+userColumns+`
		 FROM users
		 WHERE tenant_id = $1 AND role IN ('owner', 'admin')
		 ORDER BY CASE role WHEN 'owner' THEN 0 ELSE 1 END, created_at
		 LIMIT 1`,
		tenantID,
	)))
}
