package model

import (
	"time"

	"github.com/google/uuid"
)

// OperatorRole is the RBAC role assigned to a control-API operator.
type OperatorRole string

const (
	RoleAdmin    OperatorRole = "admin"
	RoleOperator OperatorRole = "operator"
	RoleViewer   OperatorRole = "viewer"
)

// Operator is a human (or service) identity allowed to use the control API.
type Operator struct {
	ID         uuid.UUID    `json:"id"`
	Name       string       `json:"name"`
	Role       OperatorRole `json:"role"`
	APIKeyHash string       `json:"-"`
	CreatedAt  time.Time    `json:"created_at"`
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters — RoleAtLeast uses >= comparison.
func RoleRank(r OperatorRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleOperator:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole OperatorRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}
