package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"

	"github.com/zirunbi/zirunbi/internal/book"
	"github.com/zirunbi/zirunbi/internal/candle"
	"github.com/zirunbi/zirunbi/internal/journal"
)

// schema is written in the dialect subset sqlite and Postgres share.
// Timestamps are stored as unix seconds so both drivers round-trip them
// identically.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id       TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL DEFAULT '',
	balance       DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS user_holdings (
	user_id    TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	quantity   BIGINT NOT NULL DEFAULT 0,
	cost_basis DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, symbol)
);
CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	kind        TEXT NOT NULL,
	quantity    BIGINT NOT NULL,
	limit_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	fill_price  DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at  BIGINT NOT NULL,
	resolved_at BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS ix_orders_status ON orders (status);
CREATE INDEX IF NOT EXISTS ix_orders_user_created ON orders (user_id, created_at);
CREATE TABLE IF NOT EXISTS market_history (
	symbol TEXT NOT NULL,
	ts     BIGINT NOT NULL,
	open   DOUBLE PRECISION NOT NULL,
	high   DOUBLE PRECISION NOT NULL,
	low    DOUBLE PRECISION NOT NULL,
	close  DOUBLE PRECISION NOT NULL,
	volume BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (symbol, ts)
);
CREATE TABLE IF NOT EXISTS events (
	ts          BIGINT NOT NULL,
	type        TEXT NOT NULL,
	description TEXT NOT NULL,
	data        TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS ix_events_type_ts ON events (type, ts);
`

// SQLStorage implements Storage on top of database/sql with either the
// sqlite or the Postgres driver.
type SQLStorage struct {
	db       *sql.DB
	postgres bool
}

// NewSQLite opens (or creates) a sqlite database at path with WAL mode.
func NewSQLite(path string) (*SQLStorage, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := d.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	s := &SQLStorage{db: d}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgres connects to Postgres with the given pool limits.
func NewPostgres(connStr string, maxOpen, maxIdle int) (*SQLStorage, error) {
	d, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	d.SetMaxOpenConns(maxOpen)
	d.SetMaxIdleConns(maxIdle)
	if err := d.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s := &SQLStorage{db: d, postgres: true}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStorage) migrate() error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// rebind converts ?-style placeholders to $n for Postgres.
func (s *SQLStorage) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStorage) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func (s *SQLStorage) Close() error { return s.db.Close() }

// -------- state --------

func (s *SQLStorage) LoadState(ctx context.Context, recentWindow int) (*State, error) {
	st := &State{
		RecentCandles: make(map[string][]candle.Candle),
		LastPrices:    make(map[string]float64),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT user_id, password_hash, balance FROM users`)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.PasswordHash, &u.Balance); err != nil {
			rows.Close()
			return nil, err
		}
		st.Users = append(st.Users, u)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT user_id, symbol, quantity, cost_basis FROM user_holdings WHERE quantity > 0`)
	if err != nil {
		return nil, fmt.Errorf("load holdings: %w", err)
	}
	for rows.Next() {
		var h Holding
		if err := rows.Scan(&h.UserID, &h.Symbol, &h.Quantity, &h.CostBasis); err != nil {
			rows.Close()
			return nil, err
		}
		st.Holdings = append(st.Holdings, h)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, s.rebind(
		`SELECT id, user_id, symbol, side, kind, quantity, limit_price, status, fill_price, created_at, resolved_at
		 FROM orders WHERE status = ? ORDER BY created_at`), string(book.Pending))
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		st.PendingOrders = append(st.PendingOrders, o)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	symbols, err := s.symbols(ctx)
	if err != nil {
		return nil, err
	}
	for _, sym := range symbols {
		candles, err := s.recentCandles(ctx, sym, recentWindow)
		if err != nil {
			return nil, err
		}
		if len(candles) == 0 {
			continue
		}
		st.RecentCandles[sym] = candles
		st.LastPrices[sym] = candles[len(candles)-1].Close
	}

	return st, nil
}

func (s *SQLStorage) symbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM market_history`)
	if err != nil {
		return nil, fmt.Errorf("load symbols: %w", err)
	}
	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, sym)
	}
	return out, closeRows(rows)
}

func (s *SQLStorage) recentCandles(ctx context.Context, symbol string, limit int) ([]candle.Candle, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT symbol, ts, open, high, low, close, volume FROM market_history
		 WHERE symbol = ? ORDER BY ts DESC LIMIT ?`), symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("load candles for %s: %w", symbol, err)
	}
	var out []candle.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	// Reverse to oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// -------- candles --------

func (s *SQLStorage) SaveCandle(ctx context.Context, c candle.Candle) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return s.exec(ctx,
		`INSERT INTO market_history (symbol, ts, open, high, low, close, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (symbol, ts) DO UPDATE SET
		 open = excluded.open, high = excluded.high, low = excluded.low,
		 close = excluded.close, volume = excluded.volume`,
		c.Symbol, c.Timestamp.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume)
}

func (s *SQLStorage) GetCandles(ctx context.Context, symbol string, since time.Time, limit int) ([]candle.Candle, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT symbol, ts, open, high, low, close, volume FROM market_history
		 WHERE symbol = ? AND ts > ? ORDER BY ts LIMIT ?`),
		symbol, since.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("get candles for %s: %w", symbol, err)
	}
	var out []candle.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	return out, closeRows(rows)
}

// -------- orders --------

func (s *SQLStorage) SaveOrder(ctx context.Context, o book.Order) error {
	var resolved int64
	if !o.ResolvedAt.IsZero() {
		resolved = o.ResolvedAt.Unix()
	}
	return s.exec(ctx,
		`INSERT INTO orders (id, user_id, symbol, side, kind, quantity, limit_price, status, fill_price, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		 status = excluded.status, fill_price = excluded.fill_price, resolved_at = excluded.resolved_at`,
		o.ID, o.UserID, o.Symbol, string(o.Side), string(o.Kind), o.Quantity,
		o.LimitPrice, string(o.Status), o.FillPrice, o.CreatedAt.Unix(), resolved)
}

// -------- accounts --------

func (s *SQLStorage) SaveBalance(ctx context.Context, userID string, balance float64) error {
	return s.exec(ctx,
		`INSERT INTO users (user_id, balance) VALUES (?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET balance = excluded.balance`,
		userID, balance)
}

func (s *SQLStorage) SaveHolding(ctx context.Context, userID, symbol string, quantity int64, costBasis float64) error {
	return s.exec(ctx,
		`INSERT INTO user_holdings (user_id, symbol, quantity, cost_basis) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, symbol) DO UPDATE SET
		 quantity = excluded.quantity, cost_basis = excluded.cost_basis`,
		userID, symbol, quantity, costBasis)
}

func (s *SQLStorage) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT user_id, password_hash, balance FROM users WHERE user_id = ?`), userID).
		Scan(&u.ID, &u.PasswordHash, &u.Balance)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return &u, nil
}

func (s *SQLStorage) SetPassword(ctx context.Context, userID, passwordHash string) error {
	return s.exec(ctx,
		`UPDATE users SET password_hash = ? WHERE user_id = ?`, passwordHash, userID)
}

// -------- journal --------

func (s *SQLStorage) LogEvent(ctx context.Context, event journal.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	return s.exec(ctx,
		`INSERT INTO events (ts, type, description, data) VALUES (?, ?, ?, ?)`,
		event.Time.Unix(), event.Type, event.Description, string(data))
}

func (s *SQLStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT ts, type, description, data FROM events
		 WHERE type = ? AND ts >= ? AND ts < ? ORDER BY ts`),
		eventType, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	var out []journal.Event
	for rows.Next() {
		var (
			ts   int64
			e    journal.Event
			data string
		)
		if err := rows.Scan(&ts, &e.Type, &e.Description, &data); err != nil {
			rows.Close()
			return nil, err
		}
		e.Time = time.Unix(ts, 0).UTC()
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, e)
	}
	return out, closeRows(rows)
}

// -------- row helpers --------

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}

func scanCandle(rows *sql.Rows) (candle.Candle, error) {
	var (
		c  candle.Candle
		ts int64
	)
	if err := rows.Scan(&c.Symbol, &ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
		return candle.Candle{}, err
	}
	c.Timestamp = time.Unix(ts, 0).UTC()
	c.Sealed = true
	return c, nil
}

func scanOrder(rows *sql.Rows) (book.Order, error) {
	var (
		o                  book.Order
		side, kind, status string
		created, resolved  int64
	)
	if err := rows.Scan(&o.ID, &o.UserID, &o.Symbol, &side, &kind, &o.Quantity,
		&o.LimitPrice, &status, &o.FillPrice, &created, &resolved); err != nil {
		return book.Order{}, err
	}
	o.Side = book.Side(side)
	o.Kind = book.Kind(kind)
	o.Status = book.Status(status)
	o.CreatedAt = time.Unix(created, 0).UTC()
	if resolved != 0 {
		o.ResolvedAt = time.Unix(resolved, 0).UTC()
	}
	return o, nil
}
