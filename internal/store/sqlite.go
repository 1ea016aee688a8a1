package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RunStore = (*SQLiteStore)(nil)

// Fixed-width so that text ordering matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id                    TEXT PRIMARY KEY,
		symbol                TEXT NOT NULL,
		strategy              TEXT NOT NULL,
		start_date            TEXT NOT NULL,
		end_date              TEXT NOT NULL,
		initial_cash          REAL NOT NULL,
		final_value           REAL NOT NULL,
		total_return          REAL NOT NULL,
		sharpe_ratio          REAL NOT NULL,
		max_drawdown          REAL NOT NULL,
		max_drawdown_duration INTEGER NOT NULL,
		beta                  REAL NOT NULL,
		alpha                 REAL NOT NULL,
		win_rate              REAL NOT NULL,
		profit_factor         REAL,
		periods               INTEGER NOT NULL,
		skipped               INTEGER NOT NULL,
		trades                INTEGER NOT NULL,
		created_at            TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS runs_symbol_strategy ON runs (symbol, strategy)`,
	`CREATE INDEX IF NOT EXISTS runs_created_at ON runs (created_at)`,
}

// SQLiteStore implements RunStore backed by a SQLite database.
type SQLiteStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, timeout: 10 * time.Second}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// runRow is the on-disk shape of a RunRecord. Times are stored as RFC 3339
// text and an infinite profit factor as NULL.
type runRow struct {
	ID                  string          `db:"id"`
	Symbol              string          `db:"symbol"`
	Strategy            string          `db:"strategy"`
	Start               string          `db:"start_date"`
	End                 string          `db:"end_date"`
	InitialCash         float64         `db:"initial_cash"`
	FinalValue          float64         `db:"final_value"`
	TotalReturn         float64         `db:"total_return"`
	SharpeRatio         float64         `db:"sharpe_ratio"`
	MaxDrawdown         float64         `db:"max_drawdown"`
	MaxDrawdownDuration int             `db:"max_drawdown_duration"`
	Beta                float64         `db:"beta"`
	Alpha               float64         `db:"alpha"`
	WinRate             float64         `db:"win_rate"`
	ProfitFactor        sql.NullFloat64 `db:"profit_factor"`
	Periods             int             `db:"periods"`
	Skipped             int             `db:"skipped"`
	Trades              int             `db:"trades"`
	CreatedAt           string          `db:"created_at"`
}

func fromRecord(r *RunRecord) runRow {
	row := runRow{
		ID:                  r.ID,
		Symbol:              r.Symbol,
		Strategy:            r.Strategy,
		Start:               r.Start.UTC().Format(timeLayout),
		End:                 r.End.UTC().Format(timeLayout),
		InitialCash:         r.InitialCash,
		FinalValue:          r.FinalValue,
		TotalReturn:         r.TotalReturn,
		SharpeRatio:         r.SharpeRatio,
		MaxDrawdown:         r.MaxDrawdown,
		MaxDrawdownDuration: r.MaxDrawdownDuration,
		Beta:                r.Beta,
		Alpha:               r.Alpha,
		WinRate:             r.WinRate,
		Periods:             r.Periods,
		Skipped:             r.Skipped,
		Trades:              r.Trades,
		CreatedAt:           r.CreatedAt.UTC().Format(timeLayout),
	}
	if !math.IsInf(r.ProfitFactor, 0) && !math.IsNaN(r.ProfitFactor) {
		row.ProfitFactor = sql.NullFloat64{Float64: r.ProfitFactor, Valid: true}
	}
	return row
}

func (row runRow) toRecord() (RunRecord, error) {
	rec := RunRecord{
		ID:                  row.ID,
		Symbol:              row.Symbol,
		Strategy:            row.Strategy,
		InitialCash:         row.InitialCash,
		FinalValue:          row.FinalValue,
		TotalReturn:         row.TotalReturn,
		SharpeRatio:         row.SharpeRatio,
		MaxDrawdown:         row.MaxDrawdown,
		MaxDrawdownDuration: row.MaxDrawdownDuration,
		Beta:                row.Beta,
		Alpha:               row.Alpha,
		WinRate:             row.WinRate,
		ProfitFactor:        math.Inf(1),
		Periods:             row.Periods,
		Skipped:             row.Skipped,
		Trades:              row.Trades,
	}
	if row.ProfitFactor.Valid {
		rec.ProfitFactor = row.ProfitFactor.Float64
	}

	var err error
	if rec.Start, err = time.Parse(timeLayout, row.Start); err != nil {
		return rec, fmt.Errorf("run %s start_date: %w", row.ID, err)
	}
	if rec.End, err = time.Parse(timeLayout, row.End); err != nil {
		return rec, fmt.Errorf("run %s end_date: %w", row.ID, err)
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, row.CreatedAt); err != nil {
		return rec, fmt.Errorf("run %s created_at: %w", row.ID, err)
	}
	return rec, nil
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

// SaveRun inserts the run, replacing any existing row with the same ID.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	if run == nil || run.ID == "" {
		return errors.New("save run: missing id")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT OR REPLACE INTO runs
		(id, symbol, strategy, start_date, end_date, initial_cash, final_value,
		 total_return, sharpe_ratio, max_drawdown, max_drawdown_duration, beta,
		 alpha, win_rate, profit_factor, periods, skipped, trades, created_at)
		VALUES
		(:id, :symbol, :strategy, :start_date, :end_date, :initial_cash, :final_value,
		 :total_return, :sharpe_ratio, :max_drawdown, :max_drawdown_duration, :beta,
		 :alpha, :win_rate, :profit_factor, :periods, :skipped, :trades, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, query, fromRecord(run)); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}

	rec, err := row.toRecord()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRuns returns runs matching filter, most recently created first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT * FROM runs WHERE 1 = 1`
	var args []any
	if filter.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, filter.Symbol)
	}
	if filter.Strategy != "" {
		query += ` AND strategy = ?`
		args = append(args, filter.Strategy)
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	out := make([]RunRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
