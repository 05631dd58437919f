package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"schedd/internal/config"
	"schedd/internal/errors"
)

func adminDSN(cfg config.DBConfig) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.SSLMode)
}

func DSN(cfg config.DBConfig) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)
}

// ensureDatabaseExists checks if the database exists, and creates it if not
func ensureDatabaseExists(ctx context.Context, cfg config.DBConfig, log *zap.SugaredLogger) error {
	adminDB, err := sql.Open("postgres", adminDSN(cfg))
	if err != nil {
		return errors.Wrap(err, "connect to postgres")
	}
	defer adminDB.Close()

	var exists bool
	err = adminDB.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", cfg.Name).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "check database existence")
	}
	if exists {
		return nil
	}

	// CREATE DATABASE takes no bind parameters.
	if _, err := adminDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %q", cfg.Name)); err != nil {
		return errors.Wrapf(err, "create database %s", cfg.Name)
	}
	log.Infow("Database created", "database", cfg.Name)
	return nil
}

// ConnectDatabase opens the token database, creating and migrating it as needed.
func ConnectDatabase(ctx context.Context, cfg config.DBConfig, log *zap.SugaredLogger) (*gorm.DB, error) {
	if err := ensureDatabaseExists(ctx, cfg, log); err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(postgres.Open(DSN(cfg)), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := gdb.WithContext(ctx).AutoMigrate(&UserToken{}); err != nil {
		return nil, errors.Wrap(err, "migrate schemas")
	}
	log.Infow("Database connected", "database", cfg.Name)
	return gdb, nil
}

// TokenRepository persists owners' bearer tokens.
type TokenRepository struct {
	db *gorm.DB
}

func NewTokenRepository(gdb *gorm.DB) *TokenRepository {
	return &TokenRepository{db: gdb}
}

// GetUserToken returns the stored token for userID, or an ErrNotFound-kind
// error when the user has none (the user was deleted).
func (r *TokenRepository) GetUserToken(ctx context.Context, userID int64) (*UserToken, error) {
	var tok UserToken
	if err := r.db.WithContext(ctx).First(&tok, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFoundf("no token stored for user %d", userID)
		}
		return nil, errors.Wrapf(err, "load token for user %d", userID)
	}
	return &tok, nil
}

// SaveUserToken upserts tok.
func (r *TokenRepository) SaveUserToken(ctx context.Context, tok *UserToken) error {
	if err := r.db.WithContext(ctx).Save(tok).Error; err != nil {
		return errors.Wrapf(err, "save token for user %d", tok.UserID)
	}
	return nil
}
