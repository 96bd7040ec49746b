// Command migrate-tokens encrypts stored platform OAuth tokens in place.
//
// Rows with encryption_version=0 (plaintext) are rewritten as version=1
// (AES-256-GCM). Requires ENCRYPTION_KEY.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider PROVIDER]
//
// Environment variables:
//
//	DB_DSN          Postgres connection string (required)
//	ENCRYPTION_KEY  base64-encoded 32-byte key (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/chat-relay/crypto"
)

type tokenRow struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "show what would be migrated without making changes")
	provider := flag.String("provider", "", "migrate one provider only (default: all)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}

	encryptor, err := crypto.NewAESEncryptor(key)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	if err := migrateTokens(ctx, database, encryptor, *dryRun, *provider); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

func migrateTokens(ctx context.Context, database *sql.DB, encryptor crypto.Encryptor, dryRun bool, providerFilter string) error {
	query := `
		SELECT provider, access_token, refresh_token, expires_at, scope
		FROM oauth_tokens
		WHERE COALESCE(encryption_version, 0) = 0
	`
	args := []any{}
	if providerFilter != "" {
		query += " AND provider = $1"
		args = append(args, providerFilter)
	}
	query += " ORDER BY provider"

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query plaintext tokens: %w", err)
	}
	defer rows.Close()

	var tokens []tokenRow
	for rows.Next() {
		var t tokenRow
		if err := rows.Scan(&t.Provider, &t.AccessToken, &t.RefreshToken, &t.ExpiresAt, &t.Scope); err != nil {
			return fmt.Errorf("failed to scan token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating token rows: %w", err)
	}

	if len(tokens) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return nil
	}
	slog.Info("found plaintext tokens to migrate",
		slog.Int("count", len(tokens)),
		slog.Bool("dry_run", dryRun))

	migrated, failed := 0, 0
	for _, t := range tokens {
		logger := slog.With(slog.String("provider", t.Provider))
		if dryRun {
			logger.Info("would migrate token (dry-run)")
			migrated++
			continue
		}
		if err := migrateToken(ctx, database, encryptor, t); err != nil {
			logger.Error("failed to migrate token", slog.Any("error", err))
			failed++
			continue
		}
		logger.Info("migrated token")
		migrated++
	}

	slog.Info("migration summary",
		slog.Int("total", len(tokens)),
		slog.Int("migrated", migrated),
		slog.Int("errors", failed),
		slog.Bool("dry_run", dryRun))
	if failed > 0 {
		return fmt.Errorf("migration completed with %d errors", failed)
	}
	return nil
}

func migrateToken(ctx context.Context, database *sql.DB, encryptor crypto.Encryptor, t tokenRow) error {
	var encAccess, encRefresh string
	var err error
	if t.AccessToken != "" {
		if encAccess, err = crypto.EncryptString(encryptor, t.AccessToken); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
	}
	if t.RefreshToken != "" {
		if encRefresh, err = crypto.EncryptString(encryptor, t.RefreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	// Conditional on version 0 so a concurrent writer cannot be double-encrypted.
	res, err := database.ExecContext(ctx, `
		UPDATE oauth_tokens
		SET access_token = $1,
		    refresh_token = $2,
		    encryption_version = 1,
		    encryption_key_id = 'default',
		    updated_at = NOW()
		WHERE provider = $3 AND COALESCE(encryption_version, 0) = 0`,
		encAccess, encRefresh, t.Provider)
	if err != nil {
		return fmt.Errorf("update token row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("row for provider %s changed underneath migration", t.Provider)
	}
	return nil
}
