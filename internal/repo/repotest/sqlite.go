// Package repotest opens throwaway SQLite stores for package tests.
package repotest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/richardliu001/parcel-service/internal/model"
	"github.com/richardliu001/parcel-service/internal/repo"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB returns a migrated in-memory database private to t. The pool holds a
// single connection, so concurrent callers queue on it the way row locks
// queue writers in Postgres.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, repo.Migrate(db))
	return db
}

// SeedUser inserts an active directory entry.
func SeedUser(t testing.TB, db *gorm.DB, id string, role model.Role) *model.User {
	t.Helper()
	u := &model.User{ID: id, Role: role, AccountStatus: model.AccountActive}
	require.NoError(t, db.Create(u).Error)
	return u
}
