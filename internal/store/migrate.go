package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

// dialect holds what differs between drivers when recording migrations.
type dialect struct {
	dir       string
	table     string
	timeType  string
	insert    string
	formatNow func(time.Time) any
}

var dialects = map[DBDriver]dialect{
	DBSQLite: {
		dir:       "migrations/sqlite",
		table:     "schema_migrations",
		timeType:  "TEXT",
		insert:    "INSERT INTO %s(version, applied_at) VALUES(?, ?) ON CONFLICT(version) DO NOTHING",
		formatNow: func(t time.Time) any { return t.Format(time.RFC3339) },
	},
	DBPostgres: {
		dir:       "migrations/postgres",
		table:     "kp_schema_migrations",
		timeType:  "TIMESTAMPTZ",
		insert:    "INSERT INTO %s(version, applied_at) VALUES($1, $2) ON CONFLICT(version) DO NOTHING",
		formatNow: func(t time.Time) any { return t },
	},
}

func dialectFor(driver DBDriver) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported db driver: %s", driver)
	}
	return d, nil
}

// Migrate applies the embedded migrations for driver in lexical order. Each
// file runs in its own transaction together with the row recording it, so a
// rerun skips what is already applied.
func Migrate(db *sql.DB, driver DBDriver) error {
	if db == nil {
		return errors.New("missing db")
	}
	d, err := dialectFor(driver)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(db, driver); err != nil {
		return err
	}
	files, err := listMigrationFiles(d.dir)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, file := range files {
		if err := applyMigration(db, d, file, now); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, d dialect, file string, now time.Time) (err error) {
	version := strings.TrimSuffix(path.Base(file), ".sql")
	contents, err := fs.ReadFile(migrationsFS, file)
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.Exec(fmt.Sprintf(d.insert, d.table), version, d.formatNow(now))
	if err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Already applied.
		return tx.Rollback()
	}
	if _, err = tx.Exec(string(contents)); err != nil {
		return fmt.Errorf("apply migration %s: %w", version, err)
	}
	return tx.Commit()
}

func ensureMigrationsTable(db *sql.DB, driver DBDriver) error {
	d, err := dialectFor(driver)
	if err != nil {
		return err
	}
	_, err = db.Exec(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  version TEXT PRIMARY KEY,\n  applied_at %s NOT NULL\n)", d.table, d.timeType))
	return err
}

// AppliedMigrations lists the versions recorded for driver, oldest first.
func AppliedMigrations(db *sql.DB, driver DBDriver) ([]string, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(fmt.Sprintf("SELECT version FROM %s ORDER BY version", d.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func listMigrationFiles(dir string) ([]string, error) {
	files, err := fs.Glob(migrationsFS, path.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no migrations under %s", dir)
	}
	sort.Strings(files)
	return files, nil
}
