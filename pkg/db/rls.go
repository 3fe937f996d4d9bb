package db

import (
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ScopeTenant binds the Postgres row-level-security tenant for the rest of
// the transaction. Other dialects have no RLS and are left untouched.
func ScopeTenant(tx *gorm.DB, tenantID snowflake.ID) error {
	if tx == nil || tx.Dialector == nil || tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT set_config('app.current_org_id', ?, true)", tenantID.String()).Error
}
