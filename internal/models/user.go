package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Role represents user roles in the system
type Role string

const (
	RoleAdmin        Role = "admin"
	RoleFleetManager Role = "fleet_manager"
	RoleAuditor      Role = "auditor"
	RoleViewer       Role = "viewer"
)

// Actions checked by HasPermission.
const (
	ActionViewFlags          = "view_flags"
	ActionExportFlags        = "export_flags"
	ActionStartInvestigation = "start_investigation"
	ActionResolveFlags       = "resolve_flags"
	ActionUploadAttachments  = "upload_attachments"
)

// User represents a user in the system
type User struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Username     string             `bson:"username" json:"username"`
	Email        string             `bson:"email" json:"email"`
	PasswordHash string             `bson:"password_hash" json:"-"`
	Role         Role               `bson:"role" json:"role"`
	FirstName    string             `bson:"first_name" json:"first_name"`
	LastName     string             `bson:"last_name" json:"last_name"`
	IsActive     bool               `bson:"is_active" json:"is_active"`
	LastLogin    *time.Time         `bson:"last_login,omitempty" json:"last_login,omitempty"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at" json:"updated_at"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse represents a successful login response
type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Claims represents JWT claims
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Exp      int64  `json:"exp"`
}

// IsValidRole checks if a role is valid
func IsValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleFleetManager, RoleAuditor, RoleViewer:
		return true
	default:
		return false
	}
}

// HasPermission checks if a role may perform an action
func (r Role) HasPermission(action string) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleFleetManager:
		return action != ActionResolveFlags
	case RoleAuditor:
		return action == ActionViewFlags || action == ActionExportFlags ||
			action == ActionStartInvestigation || action == ActionResolveFlags ||
			action == ActionUploadAttachments
	case RoleViewer:
		return action == ActionViewFlags
	default:
		return false
	}
}

// HasPermission checks if a user has permission for a specific action
func (u *User) HasPermission(action string) bool {
	return u.Role.HasPermission(action)
}
