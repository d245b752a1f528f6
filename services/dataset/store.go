package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"quantlab_backend/models"
)

// Meta keys stored in dataset_meta.
const (
	MetaPreset    = "preset"
	MetaCreatedAt = "created_at"
	MetaUpdatedAt = "updated_at"
	MetaRange     = "range"
)

// File is one dataset sqlite database. Writes go through a single connection.
type File struct {
	db   *sql.DB
	path string
}

// Open opens or creates the dataset at path and ensures its schema.
func Open(path string) (*File, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=5000;`} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure dataset: %w", err)
		}
	}

	f := &File{db: db, path: path}
	if err := f.createTables(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return f, nil
}

// OpenReadOnly opens an existing dataset for reading. It never creates the
// file or touches its schema, so it is safe while a build holds the dataset.
// A missing file yields ErrNotFound.
func OpenReadOnly(path string) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	// sql.Open is lazy; connect now so a file removed after the stat is reported here.
	if err := db.Ping(); err != nil {
		db.Close()
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	return &File{db: db, path: path}, nil
}

func (f *File) Close() error {
	if f.db != nil {
		return f.db.Close()
	}
	return nil
}

func (f *File) Path() string { return f.path }

func (f *File) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS quotes (
		symbol TEXT NOT NULL,
		date TEXT NOT NULL,
		open TEXT NOT NULL,
		high TEXT NOT NULL,
		low TEXT NOT NULL,
		close TEXT NOT NULL,
		volume INTEGER NOT NULL,
		PRIMARY KEY (symbol, date)
	);
	CREATE TABLE IF NOT EXISTS statements (
		symbol TEXT NOT NULL,
		period_end TEXT NOT NULL,
		fiscal_period TEXT NOT NULL,
		revenue TEXT,
		operating_income TEXT,
		net_income TEXT,
		eps TEXT,
		total_assets TEXT,
		equity TEXT,
		PRIMARY KEY (symbol, period_end)
	);
	CREATE TABLE IF NOT EXISTS margin (
		symbol TEXT NOT NULL,
		date TEXT NOT NULL,
		long_balance INTEGER NOT NULL,
		short_balance INTEGER NOT NULL,
		PRIMARY KEY (symbol, date)
	);
	CREATE TABLE IF NOT EXISTS fetch_log (
		symbol TEXT NOT NULL,
		category TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		rows INTEGER NOT NULL,
		fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_fetch_log_symbol ON fetch_log(category, symbol);
	CREATE TABLE IF NOT EXISTS dataset_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := f.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create dataset tables: %w", err)
	}
	return nil
}

// Coverage returns the fetched ranges recorded in fetch_log. A fetched range
// counts as covered even when the source had no rows for it.
func (f *File) Coverage(ctx context.Context) (models.Coverage, error) {
	rows, err := f.db.QueryContext(ctx, `SELECT category, symbol, start_date, end_date FROM fetch_log`)
	if err != nil {
		return nil, fmt.Errorf("failed to read coverage: %w", err)
	}
	defer rows.Close()

	cov := models.Coverage{}
	for rows.Next() {
		var cat, symbol, start, end string
		if err := rows.Scan(&cat, &symbol, &start, &end); err != nil {
			return nil, err
		}
		r, err := models.ParseDateRange(start, end)
		if err != nil {
			return nil, fmt.Errorf("corrupt fetch_log entry for %s: %w", symbol, err)
		}
		cov.Add(models.Category(cat), symbol, r)
	}
	return cov, rows.Err()
}

// WriteQuotes stores quotes and records r as fetched in one transaction.
func (f *File) WriteQuotes(ctx context.Context, symbol string, r models.DateRange, quotes []models.Quote) error {
	return f.writeBatch(ctx, symbol, models.CategoryQuotes, r, len(quotes), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO quotes (symbol, date, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, q := range quotes {
			if _, err := stmt.ExecContext(ctx, symbol, q.Date.Format(models.DateLayout),
				q.Open.String(), q.High.String(), q.Low.String(), q.Close.String(), q.Volume); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteStatements stores statements and records r as fetched.
func (f *File) WriteStatements(ctx context.Context, symbol string, r models.DateRange, stmts []models.Statement) error {
	return f.writeBatch(ctx, symbol, models.CategoryStatements, r, len(stmts), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO statements
			(symbol, period_end, fiscal_period, revenue, operating_income, net_income, eps, total_assets, equity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, s := range stmts {
			if _, err := stmt.ExecContext(ctx, symbol, s.PeriodEnd.Format(models.DateLayout), s.FiscalPeriod,
				s.Revenue.String(), s.OperatingIncome.String(), s.NetIncome.String(),
				s.EPS.String(), s.TotalAssets.String(), s.Equity.String()); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteMargin stores margin balances and records r as fetched.
func (f *File) WriteMargin(ctx context.Context, symbol string, r models.DateRange, balances []models.MarginBalance) error {
	return f.writeBatch(ctx, symbol, models.CategoryMargin, r, len(balances), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO margin (symbol, date, long_balance, short_balance) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range balances {
			if _, err := stmt.ExecContext(ctx, symbol, m.Date.Format(models.DateLayout), m.LongBalance, m.ShortBalance); err != nil {
				return err
			}
		}
		return nil
	})
}

func (f *File) writeBatch(ctx context.Context, symbol string, cat models.Category, r models.DateRange, n int, write func(*sql.Tx) error) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	if err := write(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to write %s for %s: %w", cat, symbol, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fetch_log (symbol, category, start_date, end_date, rows) VALUES (?, ?, ?, ?, ?)`,
		symbol, string(cat), r.Start.Format(models.DateLayout), r.End.Format(models.DateLayout), n); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to log batch: %w", err)
	}
	return tx.Commit()
}

// SetMeta upserts a metadata value.
func (f *File) SetMeta(ctx context.Context, key, value string) error {
	_, err := f.db.ExecContext(ctx, `INSERT OR REPLACE INTO dataset_meta (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// Meta returns a metadata value and whether it was set.
func (f *File) Meta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := f.db.QueryRowContext(ctx, `SELECT value FROM dataset_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, true, nil
}

// Symbols lists symbols with any quotes, sorted.
func (f *File) Symbols(ctx context.Context) ([]string, error) {
	rows, err := f.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM quotes ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Quotes returns a symbol's bars in date order, limited to r when given.
func (f *File) Quotes(ctx context.Context, symbol string, r *models.DateRange) ([]models.Quote, error) {
	query := `SELECT date, open, high, low, close, volume FROM quotes WHERE symbol = ?`
	args := []any{symbol}
	if r != nil {
		query += ` AND date >= ? AND date <= ?`
		args = append(args, r.Start.Format(models.DateLayout), r.End.Format(models.DateLayout))
	}
	query += ` ORDER BY date`

	rows, err := f.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read quotes: %w", err)
	}
	defer rows.Close()

	var out []models.Quote
	for rows.Next() {
		var date, open, high, low, closePrice string
		q := models.Quote{Symbol: symbol}
		if err := rows.Scan(&date, &open, &high, &low, &closePrice, &q.Volume); err != nil {
			return nil, err
		}
		if q.Date, err = time.Parse(models.DateLayout, date); err != nil {
			return nil, err
		}
		if q.Open, err = decimal.NewFromString(open); err != nil {
			return nil, err
		}
		if q.High, err = decimal.NewFromString(high); err != nil {
			return nil, err
		}
		if q.Low, err = decimal.NewFromString(low); err != nil {
			return nil, err
		}
		if q.Close, err = decimal.NewFromString(closePrice); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// RowCounts returns the number of rows per category.
func (f *File) RowCounts(ctx context.Context) (map[models.Category]int64, error) {
	counts := make(map[models.Category]int64, len(models.AllCategories))
	for _, cat := range models.AllCategories {
		var n int64
		// table names come from the fixed category list
		if err := f.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+string(cat)).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", cat, err)
		}
		counts[cat] = n
	}
	return counts, nil
}
