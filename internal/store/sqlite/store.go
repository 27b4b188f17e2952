// Package sqlite implements model.Store over SQLite, the way the
// teacher's internal/store/sqlite package backs its candle/TF-candle
// tables: WAL journal mode, a single-writer connection, and batched
// transactions. Unlike the teacher (separate Writer/Reader types split
// across two *sql.DB handles for a single-writer hot path), this
// archive's write volume is bounded by batch-paced ingestion and
// one-candle-at-a-time realtime closes, so one Store type owns a single
// connection pool sized for a handful of concurrent series.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"candlevault/internal/model"
	"candlevault/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a model.Store backed by a SQLite database file.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Config configures the SQLite-backed Store.
type Config struct {
	// Path is the database file path, e.g. "data/BTCUSDT.db". The
	// per-symbol file layout is a deployment choice (spec §1); this
	// package is agnostic to how many symbols share one file.
	Path string

	// MaxOpenConns bounds the connection pool. SQLite serializes
	// writers regardless, but readers benefit from a small pool.
	// Defaults to 4.
	MaxOpenConns int
}

// New opens (creating if absent) the SQLite database at cfg.Path, sets
// WAL mode, and ensures the schema exists.
func New(cfg Config, log *slog.Logger) (*Store, error) {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if log == nil {
		log = slog.Default()
	}

	dsn := cfg.Path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, store.Backend("open", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, store.Backend("schema", err)
	}

	log.Info("sqlite store opened", slog.String("path", cfg.Path))
	return &Store{db: db, log: log}, nil
}

// DB exposes the underlying *sql.DB for health checks only.
func (s *Store) DB() *sql.DB { return s.db }

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			provider          TEXT    NOT NULL,
			symbol            TEXT    NOT NULL,
			timeframe         TEXT    NOT NULL,
			open_time         INTEGER NOT NULL,
			close_time        INTEGER NOT NULL,
			open              REAL    NOT NULL,
			high              REAL    NOT NULL,
			low               REAL    NOT NULL,
			close             REAL    NOT NULL,
			volume            REAL    NOT NULL DEFAULT 0,
			quote_asset_volume         REAL NOT NULL DEFAULT 0,
			taker_buy_base_asset_volume  REAL NOT NULL DEFAULT 0,
			taker_buy_quote_asset_volume REAL NOT NULL DEFAULT 0,
			number_of_trades  INTEGER NOT NULL DEFAULT 0,
			interpolated      INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (provider, symbol, timeframe, open_time)
		);

		CREATE TABLE IF NOT EXISTS timeframe_status (
			provider           TEXT    NOT NULL,
			symbol             TEXT    NOT NULL,
			timeframe          TEXT    NOT NULL,
			oldest_candle_time INTEGER,
			is_complete        INTEGER NOT NULL DEFAULT 0,
			reason             TEXT    NOT NULL DEFAULT '',
			last_updated       INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (provider, symbol, timeframe)
		);

		CREATE TABLE IF NOT EXISTS indicator_snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			series_key TEXT    NOT NULL,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%%s', 'now'))
		);
		CREATE INDEX IF NOT EXISTS idx_indicator_snapshots_series
			ON indicator_snapshots(series_key, created_at DESC);
	`)
	return err
}

// InsertCandles idempotently inserts a batch in one transaction.
// Existing rows are left untouched (INSERT OR IGNORE); the returned
// count reflects only genuinely new rows, per spec §4.1.
func (s *Store) InsertCandles(ctx context.Context, candles []model.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, store.Backend("insert_candles: begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO candles (
			provider, symbol, timeframe, open_time, close_time,
			open, high, low, close,
			volume, quote_asset_volume, taker_buy_base_asset_volume, taker_buy_quote_asset_volume,
			number_of_trades, interpolated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, store.Backend("insert_candles: prepare", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range candles {
		res, err := stmt.ExecContext(ctx,
			c.Provider, c.Symbol, c.Timeframe, c.OpenTime, c.CloseTime,
			c.Open, c.High, c.Low, c.Close,
			c.Volume, c.QuoteAssetVolume, c.TakerBuyBaseAssetVolume, c.TakerBuyQuoteVolume,
			c.NumberOfTrades, boolToInt(c.Interpolated),
		)
		if err != nil {
			return 0, store.Backend("insert_candles: exec", err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, store.Backend("insert_candles: commit", err)
	}
	return inserted, nil
}

// RangeQuery returns ascending candles in [startMS, endMS], bounded by
// limit. nil bounds mean "earliest"/"now" per spec §4.1.
func (s *Store) RangeQuery(ctx context.Context, series model.Series, startMS, endMS *int64, limit int) ([]model.Candle, error) {
	lo := int64(0)
	if startMS != nil {
		lo = *startMS
	}
	hi := int64(1<<62 - 1)
	if endMS != nil {
		hi = *endMS
	}
	if limit <= 0 {
		limit = 5000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time, close_time, open, high, low, close,
			volume, quote_asset_volume, taker_buy_base_asset_volume, taker_buy_quote_asset_volume,
			number_of_trades, interpolated
		FROM candles
		WHERE provider = ? AND symbol = ? AND timeframe = ?
			AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC
		LIMIT ?
	`, series.Provider, series.Symbol, series.Timeframe, lo, hi, limit)
	if err != nil {
		return nil, store.Backend("range_query", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		c := model.Candle{Provider: series.Provider, Symbol: series.Symbol, Timeframe: series.Timeframe}
		var interp int
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close,
			&c.Volume, &c.QuoteAssetVolume, &c.TakerBuyBaseAssetVolume, &c.TakerBuyQuoteVolume,
			&c.NumberOfTrades, &interp); err != nil {
			return nil, store.Backend("range_query: scan", err)
		}
		c.Interpolated = interp != 0
		out = append(out, c)
	}
	return out, store.Backend("range_query: rows", rows.Err())
}

// MaxOpenTime returns the largest stored open_time for series.
func (s *Store) MaxOpenTime(ctx context.Context, series model.Series) (int64, bool, error) {
	return s.extremeOpenTime(ctx, series, "MAX")
}

// MinOpenTime returns the smallest stored open_time for series.
func (s *Store) MinOpenTime(ctx context.Context, series model.Series) (int64, bool, error) {
	return s.extremeOpenTime(ctx, series, "MIN")
}

func (s *Store) extremeOpenTime(ctx context.Context, series model.Series, agg string) (int64, bool, error) {
	query := fmt.Sprintf(`SELECT %s(open_time) FROM candles WHERE provider = ? AND symbol = ? AND timeframe = ?`, agg)
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, series.Provider, series.Symbol, series.Timeframe).Scan(&v)
	if err != nil {
		return 0, false, store.Backend("extreme_open_time", err)
	}
	if !v.Valid {
		return 0, false, nil
	}
	return v.Int64, true, nil
}

// SetStatus writes the completion status for a series (insert-or-replace).
func (s *Store) SetStatus(ctx context.Context, st model.TimeframeStatus) error {
	var oldest sql.NullInt64
	if st.HasOldest {
		oldest = sql.NullInt64{Int64: st.OldestCandleTime, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timeframe_status (provider, symbol, timeframe, oldest_candle_time, is_complete, reason, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, symbol, timeframe) DO UPDATE SET
			oldest_candle_time = excluded.oldest_candle_time,
			is_complete = excluded.is_complete,
			reason = excluded.reason,
			last_updated = excluded.last_updated
	`, st.Provider, st.Symbol, st.Timeframe, oldest, boolToInt(st.IsComplete), string(st.Reason), st.LastUpdated)
	return store.Backend("set_status", err)
}

// GetStatus reads the completion status for a series.
func (s *Store) GetStatus(ctx context.Context, series model.Series) (model.TimeframeStatus, bool, error) {
	var st model.TimeframeStatus
	var oldest sql.NullInt64
	var isComplete int
	var reason string
	err := s.db.QueryRowContext(ctx, `
		SELECT oldest_candle_time, is_complete, reason, last_updated
		FROM timeframe_status
		WHERE provider = ? AND symbol = ? AND timeframe = ?
	`, series.Provider, series.Symbol, series.Timeframe).Scan(&oldest, &isComplete, &reason, &st.LastUpdated)
	if err == sql.ErrNoRows {
		return model.TimeframeStatus{}, false, nil
	}
	if err != nil {
		return model.TimeframeStatus{}, false, store.Backend("get_status", err)
	}
	st.Provider, st.Symbol, st.Timeframe = series.Provider, series.Symbol, series.Timeframe
	st.HasOldest = oldest.Valid
	st.OldestCandleTime = oldest.Int64
	st.IsComplete = isComplete != 0
	st.Reason = model.CompletionReason(reason)
	return st, true, nil
}

// SaveSnapshotJSON persists a JSON-encoded indicator engine snapshot for
// seriesKey, pruning all but the most recent 10 — same convention as the
// teacher's Writer.SaveSnapshot.
func (s *Store) SaveSnapshotJSON(ctx context.Context, seriesKey string, data []byte) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO indicator_snapshots (series_key, data) VALUES (?, ?)`, seriesKey, string(data)); err != nil {
		return store.Backend("save_snapshot", err)
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM indicator_snapshots
		WHERE series_key = ? AND id NOT IN (
			SELECT id FROM indicator_snapshots WHERE series_key = ? ORDER BY id DESC LIMIT 10
		)
	`, seriesKey, seriesKey)
	if err != nil {
		s.log.Warn("prune snapshots failed", slog.String("series", seriesKey), slog.Any("err", err))
	}
	return nil
}

// ReadLatestSnapshotJSON loads the most recent snapshot for seriesKey.
// Returns nil, nil if none exists.
func (s *Store) ReadLatestSnapshotJSON(ctx context.Context, seriesKey string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM indicator_snapshots WHERE series_key = ? ORDER BY id DESC LIMIT 1
	`, seriesKey).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, store.Backend("read_snapshot", err)
	}
	return []byte(data), nil
}

// ListSeries returns the distinct (provider, symbol, timeframe) triples
// the tracker has ever recorded status for, i.e. every series the
// ingestion engine or realtime merger has touched. Used by the query
// surface's pairs() endpoint (spec §4.8, §6).
func (s *Store) ListSeries(ctx context.Context) ([]model.Series, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT provider, symbol, timeframe FROM timeframe_status
		ORDER BY provider, symbol, timeframe
	`)
	if err != nil {
		return nil, store.Backend("list_series", err)
	}
	defer rows.Close()

	var out []model.Series
	for rows.Next() {
		var sr model.Series
		if err := rows.Scan(&sr.Provider, &sr.Symbol, &sr.Timeframe); err != nil {
			return nil, store.Backend("list_series: scan", err)
		}
		out = append(out, sr)
	}
	return out, store.Backend("list_series: rows", rows.Err())
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
