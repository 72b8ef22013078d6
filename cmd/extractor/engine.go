package extractor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

const stageTable = "stage"

var stagePragmas = []string{
	"PRAGMA journal_mode = OFF",
	"PRAGMA synchronous = OFF",
	"PRAGMA temp_store = FILE",
	"PRAGMA cache_size = -65536",
}

// engine stages projected rows in SQLite and reads them back in input order,
// optionally collapsed to distinct rows.
type engine struct {
	db      *sql.DB
	columns int
}

// openStage opens a file-backed staging database in dir.
func openStage(ctx context.Context, dir string) (*engine, func(), error) {
	tmp, err := os.MkdirTemp(dir, ".ziptable-stage-")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	remove := func() { os.RemoveAll(tmp) }

	db, err := sql.Open("sqlite", filepath.Join(tmp, "stage.db"))
	if err != nil {
		remove()
		return nil, nil, fmt.Errorf("failed to open staging database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, p := range stagePragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			remove()
			return nil, nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &engine{db: db}, func() {
		db.Close()
		remove()
	}, nil
}

func stageColumn(i int) string {
	return "c" + strconv.Itoa(i)
}

func (e *engine) columnList() string {
	cols := make([]string, e.columns)
	for i := range cols {
		cols[i] = stageColumn(i)
	}
	return strings.Join(cols, ", ")
}

// create makes the staging table with n nullable text columns.
func (e *engine) create(ctx context.Context, n int) error {
	e.columns = n
	defs := make([]string, n)
	for i := range defs {
		defs[i] = stageColumn(i) + " TEXT"
	}
	//nolint:gosec // column names are generated
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", stageTable, strings.Join(defs, ", "))
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}
	return nil
}

// insert appends a batch of rows in one transaction.
func (e *engine) insert(ctx context.Context, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin staging batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	marks := strings.TrimSuffix(strings.Repeat("?, ", e.columns), ", ")
	//nolint:gosec // column names are generated
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", stageTable, e.columnList(), marks))
	if err != nil {
		return fmt.Errorf("failed to prepare staging insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("failed to stage row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit staging batch: %w", err)
	}
	return nil
}

func (e *engine) selectQuery(dedupe bool) string {
	cols := e.columnList()
	if dedupe {
		// NULLs group together; each group sorts by its first rowid.
		return fmt.Sprintf("SELECT %s FROM %s GROUP BY %s ORDER BY MIN(rowid)", cols, stageTable, cols)
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid", cols, stageTable)
}

// scan streams the staged rows to fn in batches keyed by names.
func (e *engine) scan(ctx context.Context, dedupe bool, names []string, batch int, fn func([]map[string]interface{}) error) (uint64, error) {
	rows, err := e.db.QueryContext(ctx, e.selectQuery(dedupe))
	if err != nil {
		return 0, fmt.Errorf("failed to query staged rows: %w", err)
	}
	defer rows.Close()

	values := make([]sql.NullString, len(names))
	dest := make([]any, len(names))
	for i := range values {
		dest[i] = &values[i]
	}

	var count uint64
	chunk := make([]map[string]interface{}, 0, batch)
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return count, fmt.Errorf("failed to scan staged row: %w", err)
		}
		row := make(map[string]interface{}, len(names))
		for i, name := range names {
			if values[i].Valid {
				row[name] = values[i].String
			} else {
				row[name] = nil
			}
		}
		chunk = append(chunk, row)
		count++

		if len(chunk) == batch {
			if err := fn(chunk); err != nil {
				return count, err
			}
			chunk = make([]map[string]interface{}, 0, batch)
		}
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("failed to read staged rows: %w", err)
	}
	if len(chunk) > 0 {
		if err := fn(chunk); err != nil {
			return count, err
		}
	}
	return count, nil
}
