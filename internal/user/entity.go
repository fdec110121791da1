// AngelaMos | 2026
// entity.go

package user

import (
	"time"

	"github.com/carterperez-dev/entitlement-engine/internal/middleware"
)

// User mirrors an identity-provider account. Rows are created on first
// authentication and are never deleted here.
type User struct {
	ID             string     `db:"id"`
	Email          string     `db:"email"`
	Name           string     `db:"name"`
	Role           string     `db:"role"`
	WorksheetCount int        `db:"worksheet_count"`
	LastSeenAt     *time.Time `db:"last_seen_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdministrator
}

const (
	RoleStandard      = middleware.RoleStandard
	RoleAdministrator = middleware.RoleAdministrator
)

func ValidRole(role string) bool {
	return role == RoleStandard || role == RoleAdministrator
}
