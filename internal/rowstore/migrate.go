// Package rowstore provides database schema migration management.
package rowstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	appErrors "rowsync/internal/errors"
)

// Migration is one applied schema migration as recorded in the
// schema_migrations table.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migrationFile is one pending V<n>__<description>.up.sql file on disk.
type migrationFile struct {
	version     int
	description string
	path        string
	content     []byte
	checksum    string
}

// Migrator applies versioned .up.sql/.down.sql file pairs from a
// directory, recording each applied version with a content checksum so
// drift between the recorded migration and the file on disk is caught
// before any further migration runs.
type Migrator struct {
	db         *sql.DB
	migrateDir string
}

// NewMigrator returns a Migrator reading migration files from migrateDir.
func NewMigrator(db *sql.DB, migrateDir string) *Migrator {
	return &Migrator{db: db, migrateDir: migrateDir}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	if _, err := m.db.Exec(query); err != nil {
		return appErrors.Wrap(appErrors.ErrMigration, "failed to create schema_migrations table", err)
	}
	return nil
}

// CurrentVersion returns the highest applied schema version, 0 when no
// migration has run yet.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, appErrors.Wrap(appErrors.ErrMigration, "failed to read current schema version", err)
	}
	return version, nil
}

// GetAppliedMigrations returns every applied migration in version order.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, appErrors.Wrap(appErrors.ErrMigration, "failed to list applied migrations", err)
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, appErrors.Wrap(appErrors.ErrMigration, "failed to scan migration row", err)
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, nil
}

// Up applies all pending migrations in version order. For versions
// already applied it verifies the on-disk file still matches the
// recorded checksum, so an edited historical migration fails loudly
// instead of leaving the schema's provenance ambiguous.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return err
	}
	appliedChecksums := make(map[int]string, len(applied))
	for _, mig := range applied {
		appliedChecksums[mig.Version] = mig.Checksum
	}

	files, err := m.pendingFiles()
	if err != nil {
		return err
	}

	for _, f := range files {
		if recorded, ok := appliedChecksums[f.version]; ok {
			if recorded != f.checksum {
				return appErrors.New(appErrors.ErrMigration,
					fmt.Sprintf("migration V%d changed on disk after being applied", f.version))
			}
			continue
		}
		if err := m.apply(f); err != nil {
			return err
		}
	}
	return nil
}

// pendingFiles scans migrateDir for V<n>__<description>.up.sql files,
// returning them sorted by version with content and checksum loaded.
func (m *Migrator) pendingFiles() ([]migrationFile, error) {
	entries, err := os.ReadDir(m.migrateDir)
	if err != nil {
		return nil, appErrors.Wrap(appErrors.ErrMigration, "failed to read migrations directory", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), ".up.sql")
		parts := strings.SplitN(base, "__", 2)
		if len(parts) < 2 || !strings.HasPrefix(parts[0], "V") {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
		if err != nil {
			continue
		}

		path := filepath.Join(m.migrateDir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, appErrors.Wrap(appErrors.ErrMigration, "failed to read migration file", err)
		}
		hash := sha256.Sum256(content)
		files = append(files, migrationFile{
			version:     version,
			description: parts[1],
			path:        path,
			content:     content,
			checksum:    hex.EncodeToString(hash[:]),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// apply runs one migration file and records it, in one transaction.
func (m *Migrator) apply(f migrationFile) error {
	tx, err := m.db.Begin()
	if err != nil {
		return appErrors.Wrap(appErrors.ErrMigration, "failed to begin migration transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(f.content)); err != nil {
		return appErrors.Wrap(appErrors.ErrMigration,
			fmt.Sprintf("failed to apply migration V%d", f.version), err)
	}

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, f.version, time.Now().Unix(), f.description, f.checksum); err != nil {
		return appErrors.Wrap(appErrors.ErrMigration,
			fmt.Sprintf("failed to record migration V%d", f.version), err)
	}

	if err := tx.Commit(); err != nil {
		return appErrors.Wrap(appErrors.ErrMigration,
			fmt.Sprintf("failed to commit migration V%d", f.version), err)
	}
	return nil
}

// Down rolls back the most recently applied migration using its
// V<n>__*.down.sql counterpart.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return appErrors.New(appErrors.ErrMigration, "no migrations to rollback")
	}

	pattern := fmt.Sprintf("V%d__*.down.sql", current)
	matches, err := filepath.Glob(filepath.Join(m.migrateDir, pattern))
	if err != nil {
		return appErrors.Wrap(appErrors.ErrMigration, "failed to search for rollback migration", err)
	}
	if len(matches) == 0 {
		return appErrors.New(appErrors.ErrMigration,
			fmt.Sprintf("no rollback migration found for version %d", current))
	}

	content, err := os.ReadFile(matches[0])
	if err != nil {
		return appErrors.Wrap(appErrors.ErrMigration, "failed to read rollback migration", err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return appErrors.Wrap(appErrors.ErrMigration, "failed to begin rollback transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return appErrors.Wrap(appErrors.ErrMigration,
			fmt.Sprintf("failed to roll back migration V%d", current), err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return appErrors.Wrap(appErrors.ErrMigration, "failed to remove migration record", err)
	}

	if err := tx.Commit(); err != nil {
		return appErrors.Wrap(appErrors.ErrMigration,
			fmt.Sprintf("failed to commit rollback of V%d", current), err)
	}
	return nil
}
