package history

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSource reads bars recorded in a local SQLite file. Used for offline
// replay and development without the REST service.
//
// Expected table:
//
//	CREATE TABLE bars (symbol TEXT, interval TEXT, ts_ms INTEGER,
//	    open TEXT, high TEXT, low TEXT, close TEXT, volume TEXT)
type SQLiteSource struct {
	db *sql.DB
}

// SQLiteSchema creates the bars table when missing.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS bars (
	symbol   TEXT    NOT NULL,
	interval TEXT    NOT NULL,
	ts_ms    INTEGER NOT NULL,
	open     TEXT    NOT NULL,
	high     TEXT    NOT NULL,
	low      TEXT    NOT NULL,
	close    TEXT    NOT NULL,
	volume   TEXT    NOT NULL DEFAULT '0',
	PRIMARY KEY (symbol, interval, ts_ms)
);`

// OpenSQLite opens path read-mostly and ensures the schema exists.
func OpenSQLite(path string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "sqlite open")
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if _, err := db.Exec(SQLiteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlite schema")
	}
	return &SQLiteSource{db: db}, nil
}

// DB exposes the handle, e.g. for recording bars.
func (s *SQLiteSource) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLiteSource) Close() error { return s.db.Close() }

func (s *SQLiteSource) FetchBars(ctx context.Context, req Request) ([]RawBar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts_ms, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND interval = ? AND ts_ms BETWEEN ? AND ?
		ORDER BY ts_ms ASC
	`, req.Symbol, req.Timeframe.Label(), req.From*1000, req.To*1000+999)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite query bars")
	}
	defer rows.Close()

	var bars []RawBar
	for rows.Next() {
		var b RawBar
		var o, h, l, c, v string
		if err := rows.Scan(&b.Time, &o, &h, &l, &c, &v); err != nil {
			return nil, errors.Wrap(err, "sqlite scan bars")
		}
		b.Open, b.High, b.Low, b.Close, b.Volume = flexString(o), flexString(h), flexString(l), flexString(c), flexString(v)
		bars = append(bars, b)
	}
	return bars, errors.Wrap(rows.Err(), "sqlite rows")
}
