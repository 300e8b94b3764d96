package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"shiftroute/internal/model"
)

// SQL persists routes in Postgres or SQLite. Stops are stored as a JSON
// document on the route row; history lives in its own append-only table.
type SQL struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens and migrates a database. For sqlite, dsn is a file path
// (":memory:" for a private in-memory database).
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	switch driver {
	case "sqlite":
		return openSQLite(ctx, dsn)
	case "postgres":
		return openPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

func openSQLite(ctx context.Context, path string) (*SQL, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQL{db: db, driver: "sqlite"}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func openPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &SQL{db: db, driver: "postgres"}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return s, nil
}

func (s *SQL) Driver() string { return s.driver }

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// q rewrites ? placeholders to $n for Postgres.
func (s *SQL) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	return Rebind(query)
}

// Rebind converts ? placeholders to $1, $2, ...
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQL) migrate(ctx context.Context) error {
	stmts := schemaSQLite
	if s.driver == "postgres" {
		stmts = schemaPostgres
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const routeColumns = `id, driver_id, version, created_at, ended_at, origin_lat, origin_lng, origin_visits, stops,
	total_distance_km, total_time_min, completed_distance_km, completed_time_min, history_count`

func (s *SQL) GetRoute(ctx context.Context, routeID string) (model.Route, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+routeColumns+` FROM routes WHERE id = ?`), routeID)
	r, n, err := scanRoute(row)
	if err != nil {
		return model.Route{}, err
	}
	if err := s.loadHistory(ctx, &r, n); err != nil {
		return model.Route{}, err
	}
	return r, nil
}

func (s *SQL) GetActiveRoute(ctx context.Context, driverID string) (model.Route, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+routeColumns+` FROM routes WHERE driver_id = ? AND ended_at IS NULL`), driverID)
	r, n, err := scanRoute(row)
	if err != nil {
		return model.Route{}, err
	}
	if err := s.loadHistory(ctx, &r, n); err != nil {
		return model.Route{}, err
	}
	return r, nil
}

func (s *SQL) ListDriverRoutes(ctx context.Context, driverID string, limit int) ([]model.Route, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+routeColumns+` FROM routes WHERE driver_id = ? ORDER BY created_at DESC, id LIMIT ?`),
		driverID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	var out []model.Route
	var counts []int
	for rows.Next() {
		r, n, err := scanRoute(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, r)
		counts = append(counts, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range out {
		if err := s.loadHistory(ctx, &out[i], counts[i]); err != nil {
			return nil, err
		}
	}
	if out == nil {
		out = []model.Route{}
	}
	return out, nil
}

func (s *SQL) CreateRoute(ctx context.Context, r model.Route) error {
	stops, err := json.Marshal(r.Stops)
	if err != nil {
		return fmt.Errorf("encode stops: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if r.EndedAt == nil {
		var existing string
		err = tx.QueryRowContext(ctx, s.q(`SELECT id FROM routes WHERE driver_id = ? AND ended_at IS NULL`), r.DriverID).Scan(&existing)
		if err == nil {
			return ErrActiveRouteExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check active route: %w", err)
		}
	}
	lat, lng := originArgs(r.Origin)
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO routes (`+routeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		r.ID, r.DriverID, r.Version, r.CreatedAt.UTC(), timeArg(r.EndedAt), lat, lng, r.OriginVisits, string(stops),
		r.TotalDistanceKm, r.TotalTimeMin, r.CompletedDistanceKm, r.CompletedTimeMin, len(r.History))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveRouteExists
		}
		return fmt.Errorf("insert route: %w", err)
	}
	if err := s.insertHistory(ctx, tx, r.ID, 0, r.History); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQL) SaveRoute(ctx context.Context, r model.Route) (model.Route, error) {
	stops, err := json.Marshal(r.Stops)
	if err != nil {
		return model.Route{}, fmt.Errorf("encode stops: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		version int
		ended   nullTime
		stored  int
	)
	err = tx.QueryRowContext(ctx, s.q(`SELECT version, ended_at, history_count FROM routes WHERE id = ?`), r.ID).
		Scan(&version, &ended, &stored)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, ErrNotFound
	}
	if err != nil {
		return model.Route{}, fmt.Errorf("load route version: %w", err)
	}
	switch {
	case version != r.Version:
		return model.Route{}, ErrConflict
	case ended.Valid:
		return model.Route{}, ErrArchived
	case len(r.History) < stored:
		return model.Route{}, ErrHistoryRewrite
	}

	lat, lng := originArgs(r.Origin)
	res, err := tx.ExecContext(ctx, s.q(`UPDATE routes SET version = ?, ended_at = ?, origin_lat = ?, origin_lng = ?, origin_visits = ?, stops = ?,
		total_distance_km = ?, total_time_min = ?, completed_distance_km = ?, completed_time_min = ?, history_count = ?
		WHERE id = ? AND version = ?`),
		r.Version+1, timeArg(r.EndedAt), lat, lng, r.OriginVisits, string(stops),
		r.TotalDistanceKm, r.TotalTimeMin, r.CompletedDistanceKm, r.CompletedTimeMin, len(r.History),
		r.ID, r.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Route{}, ErrActiveRouteExists
		}
		return model.Route{}, fmt.Errorf("update route: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Route{}, ErrConflict
	}
	if err := s.insertHistory(ctx, tx, r.ID, stored, r.History[stored:]); err != nil {
		return model.Route{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, fmt.Errorf("commit route: %w", err)
	}
	saved := r.Clone()
	saved.Version = r.Version + 1
	saved.Warnings = nil
	return saved, nil
}

func (s *SQL) insertHistory(ctx context.Context, tx *sql.Tx, routeID string, seq int, entries []model.HistoryEntry) error {
	for i, h := range entries {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO route_history (id, route_id, seq, ts, action, description, stop_count, total_distance_km, total_time_min)
			VALUES (?,?,?,?,?,?,?,?,?)`),
			h.ID, routeID, seq+i, h.Timestamp.UTC(), string(h.Action), h.Description, h.StopCount, h.TotalDistanceKm, h.TotalTimeMin)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert history: %w", err)
		}
	}
	return nil
}

// loadHistory reads the first n history rows; n comes from the route row so
// the entries match the snapshot of stops that was read.
func (s *SQL) loadHistory(ctx context.Context, r *model.Route, n int) error {
	r.History = []model.HistoryEntry{}
	if n == 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, ts, action, description, stop_count, total_distance_km, total_time_min
		FROM route_history WHERE route_id = ? AND seq < ? ORDER BY seq`), r.ID, n)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			h      model.HistoryEntry
			ts     nullTime
			action string
		)
		if err := rows.Scan(&h.ID, &ts, &action, &h.Description, &h.StopCount, &h.TotalDistanceKm, &h.TotalTimeMin); err != nil {
			return fmt.Errorf("scan history: %w", err)
		}
		h.Timestamp = ts.Time
		h.Action = model.HistoryAction(action)
		r.History = append(r.History, h)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoute(row rowScanner) (model.Route, int, error) {
	var (
		r         model.Route
		created   nullTime
		ended     nullTime
		lat, lng  sql.NullFloat64
		stopsJSON []byte
		n         int
	)
	err := row.Scan(&r.ID, &r.DriverID, &r.Version, &created, &ended, &lat, &lng, &r.OriginVisits, &stopsJSON,
		&r.TotalDistanceKm, &r.TotalTimeMin, &r.CompletedDistanceKm, &r.CompletedTimeMin, &n)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, 0, ErrNotFound
	}
	if err != nil {
		return model.Route{}, 0, fmt.Errorf("scan route: %w", err)
	}
	r.CreatedAt = created.Time
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	if lat.Valid && lng.Valid {
		r.Origin = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	if err := json.Unmarshal(stopsJSON, &r.Stops); err != nil {
		return model.Route{}, 0, fmt.Errorf("decode stops for route %s: %w", r.ID, err)
	}
	if r.Stops == nil {
		r.Stops = []model.Stop{}
	}
	return r, n, nil
}

func originArgs(p *model.GeoPoint) (any, any) {
	if p == nil {
		return nil, nil
	}
	return p.Lat, p.Lng
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// nullTime scans timestamps from either driver. pgx yields time.Time; sqlite
// may hand back text depending on the column affinity.
type nullTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func (nt *nullTime) Scan(v any) error {
	switch t := v.(type) {
	case nil:
		*nt = nullTime{}
		return nil
	case time.Time:
		*nt = nullTime{Time: t.UTC(), Valid: true}
		return nil
	case []byte:
		return nt.parse(string(t))
	case string:
		return nt.parse(t)
	}
	return fmt.Errorf("unsupported timestamp type %T", v)
}

func (nt *nullTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*nt = nullTime{Time: t.UTC(), Valid: true}
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
