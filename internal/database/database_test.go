package database

import (
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/lengjing/docker-workspace-manager/internal/config"
	"github.com/lengjing/docker-workspace-manager/internal/logger"
	"github.com/lengjing/docker-workspace-manager/internal/model"
)

func setupTestDB(t *testing.T, cfg *config.Config) *DB {
	t.Helper()

	cfg.DatabaseDSN = "sqlite3://" + filepath.Join(t.TempDir(), "seed.db")
	cfg.DatabaseDriver = "sqlite"

	db, err := New(cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

func TestSeed_Idempotent(t *testing.T) {
	cfg := config.Default()
	cfg.AdminUsername = "admin"
	cfg.AdminPassword = "s3cret"
	db := setupTestDB(t, cfg)

	if err := db.Seed(cfg); err != nil {
		t.Fatalf("first Seed failed: %v", err)
	}
	var first model.User
	if err := db.DB.Where("username = ?", "admin").First(&first).Error; err != nil {
		t.Fatalf("admin not created: %v", err)
	}

	if err := db.Seed(cfg); err != nil {
		t.Fatalf("second Seed failed: %v", err)
	}

	var count int64
	if err := db.DB.Model(&model.User{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("user count = %d, want 2 (anonymous and admin)", count)
	}

	var admin model.User
	if err := db.DB.Where("username = ?", "admin").First(&admin).Error; err != nil {
		t.Fatalf("admin lookup failed: %v", err)
	}
	if admin.ID != first.ID {
		t.Errorf("admin recreated: id %q, was %q", admin.ID, first.ID)
	}
	if admin.Status != model.UserEnabled {
		t.Errorf("admin status = %q", admin.Status)
	}
	if admin.PasswordDigest == nil {
		t.Fatal("admin has no password digest")
	}
	if *admin.PasswordDigest != *first.PasswordDigest {
		t.Error("admin digest rewritten by second Seed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*admin.PasswordDigest), []byte("s3cret")); err != nil {
		t.Errorf("admin digest does not match password: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*admin.PasswordDigest), []byte("wrong")); err == nil {
		t.Error("admin digest matches wrong password")
	}

	var anon model.User
	if err := db.DB.Where("id = ?", model.AnonymousUserID).First(&anon).Error; err != nil {
		t.Fatalf("anonymous user missing: %v", err)
	}
	if anon.Username != model.AnonymousUsername {
		t.Errorf("anonymous username = %q", anon.Username)
	}
	if anon.PasswordDigest != nil {
		t.Error("anonymous user should have no password digest")
	}
}

func TestSeed_WithoutAdmin(t *testing.T) {
	cfg := config.Default()
	db := setupTestDB(t, cfg)

	if err := db.Seed(cfg); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	var users []model.User
	if err := db.DB.Find(&users).Error; err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 || users[0].ID != model.AnonymousUserID {
		t.Errorf("users = %+v, want only the anonymous user", users)
	}
}
