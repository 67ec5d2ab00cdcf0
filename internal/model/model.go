// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserStatus is the account state of a user.
type UserStatus int

const (
	UserDisabled UserStatus = 0
	UserEnabled  UserStatus = 1
)

// User represents an account that owns workspaces.
type User struct {
	ID             string     `gorm:"primaryKey;type:text" json:"id"`
	Username       string     `gorm:"uniqueIndex;not null;type:varchar(64)" json:"username"`
	PasswordDigest *string    `gorm:"column:password_digest;type:varchar(255)" json:"-"`
	Status         UserStatus `gorm:"not null;index" json:"status"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"createdAt"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// Enabled reports whether the account may authenticate.
func (u *User) Enabled() bool {
	return u.Status == UserEnabled
}

// WorkspaceStatus mirrors the state reported by the container runtime.
type WorkspaceStatus string

const (
	WorkspaceCreated    WorkspaceStatus = "created"
	WorkspaceRunning    WorkspaceStatus = "running"
	WorkspacePaused     WorkspaceStatus = "paused"
	WorkspaceRestarting WorkspaceStatus = "restarting"
	WorkspaceExited     WorkspaceStatus = "exited"
	WorkspaceDead       WorkspaceStatus = "dead"

	// WorkspaceRemoved is terminal. Rows are deleted on removal, so it is
	// never read back from the database.
	WorkspaceRemoved WorkspaceStatus = "removed"
)

// Workspace is a managed container plus its allocated host ports.
// OwnerID is not a database-enforced foreign key; orphaned rows are tolerated.
type Workspace struct {
	ID             string          `gorm:"primaryKey;type:text" json:"id"`
	Name           string          `gorm:"not null;type:text;index;uniqueIndex:idx_owner_name" json:"name"`
	Image          string          `gorm:"not null;type:text" json:"image"`
	SSHPort        int             `gorm:"column:ssh_port;not null" json:"sshPort"`
	CodeServerPort int             `gorm:"column:code_server_port;not null" json:"codeServerPort"`
	ContainerID    string          `gorm:"column:container_id;not null;type:text;uniqueIndex" json:"containerId"`
	Status         WorkspaceStatus `gorm:"not null;type:text" json:"status"`
	OwnerID        string          `gorm:"column:owner_id;not null;type:text;uniqueIndex:idx_owner_name" json:"ownerId"`
	GPU            bool            `gorm:"column:gpu;not null;default:false" json:"gpu"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"createdAt"`
}

func (Workspace) TableName() string { return "workspaces" }

func (w *Workspace) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	return nil
}

// AllModels returns all models for auto-migration
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Workspace{},
	}
}
