package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/developingchet/meeting-scheduler/internal/guard"
)

// SQLiteFile is the booking database file name inside the data directory.
const SQLiteFile = "bookings.sqlite"

// SQLiteStore implements Store on a single SQLite file. Instants are stored
// as Unix seconds and returned in the store's location.
type SQLiteStore struct {
	db  *sql.DB
	loc *time.Location
}

// OpenSQLite opens (or creates) dataDir/bookings.sqlite and runs migrations.
func OpenSQLite(ctx context.Context, dataDir string, loc *time.Location) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}
	path := filepath.Join(dataDir, SQLiteFile)
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// One writer keeps SQLITE_BUSY out of the request path.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, loc: loc}
	if err := s.migrate(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bookings (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			start_at INTEGER NOT NULL,
			end_at INTEGER NOT NULL,
			duration_minutes INTEGER NOT NULL CHECK(duration_minutes > 0),
			status TEXT NOT NULL CHECK(status IN ('PENDING','ACCEPTED','REJECTED','CANCELLED')),
			location_type TEXT NOT NULL CHECK(location_type IN ('ONLINE','IN_PERSON')),
			location_details TEXT NOT NULL DEFAULT '',
			calendar_event_id TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_bookings_email ON bookings(email);",
		"CREATE INDEX IF NOT EXISTS idx_bookings_start_at ON bookings(start_at);",
		`CREATE TABLE IF NOT EXISTS blocks (
			id TEXT PRIMARY KEY,
			start_at INTEGER NOT NULL,
			end_at INTEGER NOT NULL CHECK(end_at > start_at),
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_blocks_start_at ON blocks(start_at);",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const bookingColumns = `id, name, email, topic, start_at, duration_minutes, status, location_type,
	location_details, calendar_event_id, address, user_agent, tier, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanBooking(r rowScanner) (Booking, error) {
	var (
		b                             Booking
		startAt, createdAt, updatedAt int64
		status, locationType          string
	)
	err := r.Scan(&b.ID, &b.Name, &b.Email, &b.Topic, &startAt, &b.DurationMinutes, &status, &locationType,
		&b.LocationDetails, &b.CalendarEventID, &b.Address, &b.UserAgent, &b.Tier, &createdAt, &updatedAt)
	if err != nil {
		return Booking{}, err
	}
	b.Start = time.Unix(startAt, 0).In(s.loc)
	b.CreatedAt = time.Unix(createdAt, 0).In(s.loc)
	b.UpdatedAt = time.Unix(updatedAt, 0).In(s.loc)
	b.Status = Status(status)
	b.LocationType = LocationType(locationType)
	return b, nil
}

func (s *SQLiteStore) queryBookings(ctx context.Context, query string, args ...any) ([]Booking, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Booking
	for rows.Next() {
		b, err := s.scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateBooking(ctx context.Context, b Booking) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bookings (`+bookingColumns+`, end_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, guard.NormalizeEmail(b.Email), b.Topic, b.Start.Unix(), b.DurationMinutes, string(b.Status),
		string(b.LocationType), b.LocationDetails, b.CalendarEventID, b.Address, b.UserAgent, b.Tier,
		b.CreatedAt.Unix(), b.UpdatedAt.Unix(), b.End().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBooking(ctx context.Context, id string) (*Booking, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	b, err := s.scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return &b, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status, at time.Time) error {
	return s.updateOne(ctx, id, "UPDATE bookings SET status = ?, updated_at = ? WHERE id = ?", string(status), at.Unix(), id)
}

func (s *SQLiteStore) SetCalendarEventID(ctx context.Context, id, eventID string, at time.Time) error {
	return s.updateOne(ctx, id, "UPDATE bookings SET calendar_event_id = ?, updated_at = ? WHERE id = ?", eventID, at.Unix(), id)
}

func (s *SQLiteStore) updateOne(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

func (s *SQLiteStore) ListBookings(ctx context.Context, status Status) ([]Booking, error) {
	if status == "" {
		return s.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings ORDER BY start_at, id`)
	}
	return s.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE status = ? ORDER BY start_at, id`, string(status))
}

func (s *SQLiteStore) BookingsInRange(ctx context.Context, from, to time.Time) ([]Booking, error) {
	out, err := s.queryBookings(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		 WHERE start_at < ? AND end_at > ? AND status IN ('PENDING','ACCEPTED')
		 ORDER BY start_at`,
		to.Unix(), from.Unix())
	if err != nil {
		return nil, fmt.Errorf("bookings in range: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SpamStats(ctx context.Context, email string, since time.Time) (guard.SpamStats, error) {
	var st guard.SpamStats
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'REJECTED' AND updated_at >= ? THEN 1 ELSE 0 END), 0)
		 FROM bookings WHERE email = ?`,
		since.Unix(), guard.NormalizeEmail(email),
	).Scan(&st.Pending, &st.RejectedRecent)
	if err != nil {
		return guard.SpamStats{}, fmt.Errorf("spam stats: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) DeleteBookingsByEmail(ctx context.Context, email string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM bookings WHERE email = ?", guard.NormalizeEmail(email))
	if err != nil {
		return 0, fmt.Errorf("delete bookings: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) CreateBlock(ctx context.Context, b Block) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO blocks (id, start_at, end_at, reason, created_at) VALUES (?, ?, ?, ?, ?)",
		b.ID, b.Start.Unix(), b.End.Unix(), b.Reason, b.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

func (s *SQLiteStore) BlocksInRange(ctx context.Context, from, to time.Time) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, start_at, end_at, reason, created_at FROM blocks WHERE start_at < ? AND end_at > ? ORDER BY start_at",
		to.Unix(), from.Unix())
	if err != nil {
		return nil, fmt.Errorf("blocks in range: %w", err)
	}
	defer rows.Close()
	var out []Block
	for rows.Next() {
		var (
			b                         Block
			startAt, endAt, createdAt int64
		)
		if err := rows.Scan(&b.ID, &startAt, &endAt, &b.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.Start = time.Unix(startAt, 0).In(s.loc)
		b.End = time.Unix(endAt, 0).In(s.loc)
		b.CreatedAt = time.Unix(createdAt, 0).In(s.loc)
		out = append(out, b)
	}
	return out, rows.Err()
}
