// Package store provides database operations using GORM.
package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/lengjing/docker-workspace-manager/internal/model"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// UsedPorts is the set of host ports recorded by non-removed workspaces.
type UsedPorts struct {
	SSH map[int]struct{}
	IDE map[int]struct{}
}

// --- Users ---

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

func (s *Store) UpdateUser(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Save(user).Error
}

// --- Workspaces ---

func (s *Store) CreateWorkspace(ctx context.Context, ws *model.Workspace) error {
	return s.db.WithContext(ctx).Create(ws).Error
}

func (s *Store) GetWorkspaceByID(ctx context.Context, id string) (*model.Workspace, error) {
	var ws model.Workspace
	if err := s.db.WithContext(ctx).First(&ws, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ws, nil
}

// GetWorkspaceByRef looks a workspace up by its ID or by its container ID.
func (s *Store) GetWorkspaceByRef(ctx context.Context, ref string) (*model.Workspace, error) {
	var ws model.Workspace
	if err := s.db.WithContext(ctx).First(&ws, "id = ? OR container_id = ?", ref, ref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ws, nil
}

// ListWorkspacesByName returns every workspace with the given name, across owners.
func (s *Store) ListWorkspacesByName(ctx context.Context, name string) ([]*model.Workspace, error) {
	var workspaces []*model.Workspace
	err := s.db.WithContext(ctx).Where("name = ?", name).Find(&workspaces).Error
	return workspaces, err
}

func (s *Store) GetWorkspaceByOwnerAndName(ctx context.Context, ownerID, name string) (*model.Workspace, error) {
	var ws model.Workspace
	if err := s.db.WithContext(ctx).First(&ws, "owner_id = ? AND name = ?", ownerID, name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ws, nil
}

func (s *Store) ListWorkspacesByOwner(ctx context.Context, ownerID string) ([]*model.Workspace, error) {
	var workspaces []*model.Workspace
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&workspaces).Error
	return workspaces, err
}

func (s *Store) ListWorkspaces(ctx context.Context) ([]*model.Workspace, error) {
	var workspaces []*model.Workspace
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&workspaces).Error
	return workspaces, err
}

// GetUsedPorts returns the ssh and ide ports held by workspaces that are not removed.
func (s *Store) GetUsedPorts(ctx context.Context) (*UsedPorts, error) {
	var rows []struct {
		SSHPort        int
		CodeServerPort int
	}
	err := s.db.WithContext(ctx).
		Model(&model.Workspace{}).
		Select("ssh_port, code_server_port").
		Where("status <> ?", model.WorkspaceRemoved).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	used := &UsedPorts{
		SSH: make(map[int]struct{}, len(rows)),
		IDE: make(map[int]struct{}, len(rows)),
	}
	for _, r := range rows {
		used.SSH[r.SSHPort] = struct{}{}
		used.IDE[r.CodeServerPort] = struct{}{}
	}
	return used, nil
}

func (s *Store) UpdateWorkspaceStatus(ctx context.Context, id string, status model.WorkspaceStatus) error {
	result := s.db.WithContext(ctx).
		Model(&model.Workspace{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&model.Workspace{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
