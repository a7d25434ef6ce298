package db

import (
	"context"

	"stratplan/internal/billing"
	"stratplan/internal/types"
)

// Provisioner creates a tenant, its owner and its entitlement in one
// transaction, for buyers who reach checkout without an account.
type Provisioner struct {
	beginner TxBeginner
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(b TxBeginner) *Provisioner {
	return &Provisioner{beginner: b}
}

// Provision inserts the three rows of req or none of them. A taken email
// maps to conflict_email_exists.
func (p *Provisioner) Provision(ctx context.Context, req billing.ProvisionRequest) error {
	return InTx(ctx, p.beginner, func(tx Tx) error {
		t := req.Tenant
		if _, err := tx.Exec(ctx,
			`INSERT INTO tenants (id, name, is_legacy, created_at, updated_at)
			 VALUES ($1, $2, $3, COALESCE($4, NOW()), NOW())`,
			t.ID,
			t.Name,
			t.IsLegacy,
			nilIfZeroTime(t.CreatedAt),
		); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to create tenant", err)
		}

		u := req.Owner
		if _, err := tx.Exec(ctx,
			`INSERT INTO users (id, tenant_id, email, name, role, password_hash, must_change_password, created_at)
			 VALUES ($1, $2, lower($3), $4, $5, $6, $7, COALESCE($8, NOW()))`,
			u.ID,
			u.TenantID,
			u.Email,
			nilIfEmpty(u.Name),
			u.Role,
			nilIfEmpty(u.PasswordHash),
			u.MustChangePassword,
			nilIfZeroTime(u.CreatedAt),
		); err != nil {
			if isUniqueViolation(err) {
				return types.NewAppError(types.ErrCodeConflictEmail, "a user with this email already exists", err)
			}
			return types.NewAppError(types.ErrCodeInternalDB, "failed to create owner", err)
		}

		return NewEntitlementRepository(tx).Insert(ctx, req.Entitlement)
	})
}
