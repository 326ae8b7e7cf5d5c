// Package drivelog persists drive sessions and sampled telemetry to
// SQLite for offline review and plotting.
package drivelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Session is one recorded drive.
type Session struct {
	ID        int64
	StartedAt time.Time
	Endpoint  string
}

// Sample is one persisted telemetry row. Nil fields were unknown when the
// sample was taken and are stored as NULL.
type Sample struct {
	Timestamp time.Time

	RollDeg  *float64
	PitchDeg *float64
	YawDeg   *float64

	GroundSpeed *float64
	Heading     *float64

	Voltage          *float64
	Current          *float64
	RemainingPercent *float64

	Latitude  *float64
	Longitude *float64
}

// Store handles database operations. Writes and reads use separate lazily
// opened connections so a recorder and a reader do not contend.
type Store struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewStore creates a store around the SQLite database at dbPath. The file
// and schema are created on first write.
func NewStore(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *Store) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *Store) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

// CreateSession starts a new drive session and returns its identifier.
func (s *Store) CreateSession(ctx context.Context, endpoint string) (sessionID int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx, time.Now().UTC(), endpoint)
	if err != nil {
		err = fmt.Errorf("inserting session: %w", err)
		return
	}

	sessionID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting session ID: %w", err)
	}
	return
}

// Sessions returns all recorded sessions, oldest first.
func (s *Store) Sessions(ctx context.Context) (sessions []Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		err = fmt.Errorf("querying sessions: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess Session
		if err = rows.Scan(&sess.ID, &sess.StartedAt, &sess.Endpoint); err != nil {
			err = fmt.Errorf("scanning session: %w", err)
			return
		}
		sessions = append(sessions, sess)
	}
	err = rows.Err()
	return
}

// StoreSamples writes a batch of samples for one session in a single
// transaction.
func (s *Store) StoreSamples(ctx context.Context, sessionID int64, samples []Sample) (err error) {
	if len(samples) == 0 {
		return
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	values := make([]any, 0, len(samples)*12)
	valuesPlaceholder := "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

	var sb strings.Builder
	sb.WriteString(insertSampleSQL)

	for i, sample := range samples {
		values = append(values,
			sessionID,
			sample.Timestamp.UTC(),
			toNullFloat(sample.RollDeg),
			toNullFloat(sample.PitchDeg),
			toNullFloat(sample.YawDeg),
			toNullFloat(sample.GroundSpeed),
			toNullFloat(sample.Heading),
			toNullFloat(sample.Voltage),
			toNullFloat(sample.Current),
			toNullFloat(sample.RemainingPercent),
			toNullFloat(sample.Latitude),
			toNullFloat(sample.Longitude),
		)

		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(valuesPlaceholder)
	}

	if _, err = tx.ExecContext(ctx, sb.String(), values...); err != nil {
		return fmt.Errorf("batch inserting samples: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// ReadSamples returns the samples of one session within [from, to],
// oldest first. Zero bounds mean unbounded on that side.
func (s *Store) ReadSamples(ctx context.Context, sessionID int64, from, to time.Time) (samples []Sample, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	if from.IsZero() {
		from = time.Unix(0, 0)
	}
	if to.IsZero() {
		to = time.Now().Add(24 * time.Hour)
	}

	rows, err := db.QueryContext(ctx, selectSamplesSQL, sessionID, from.UTC(), to.UTC())
	if err != nil {
		err = fmt.Errorf("querying samples: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var row sampleRow
		if err = rows.Scan(
			&row.Timestamp,
			&row.RollDeg,
			&row.PitchDeg,
			&row.YawDeg,
			&row.GroundSpeed,
			&row.Heading,
			&row.Voltage,
			&row.Current,
			&row.RemainingPercent,
			&row.Latitude,
			&row.Longitude,
		); err != nil {
			err = fmt.Errorf("scanning sample: %w", err)
			return
		}
		samples = append(samples, row.toSample())
	}
	err = rows.Err()
	return
}

// Close releases both database connections. Indexes are created on close
// so bulk inserts during recording stay cheap. Safe to call more than
// once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			_ = runSQLCommand(s.writeDB, initIndexesSQL)

			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		s.closeErr = errors.Join(writeErr, readErr)
	})

	return s.closeErr
}

type sampleRow struct {
	Timestamp        time.Time
	RollDeg          sql.NullFloat64
	PitchDeg         sql.NullFloat64
	YawDeg           sql.NullFloat64
	GroundSpeed      sql.NullFloat64
	Heading          sql.NullFloat64
	Voltage          sql.NullFloat64
	Current          sql.NullFloat64
	RemainingPercent sql.NullFloat64
	Latitude         sql.NullFloat64
	Longitude        sql.NullFloat64
}

func (r *sampleRow) toSample() Sample {
	return Sample{
		Timestamp:        r.Timestamp,
		RollDeg:          fromNullFloat(r.RollDeg),
		PitchDeg:         fromNullFloat(r.PitchDeg),
		YawDeg:           fromNullFloat(r.YawDeg),
		GroundSpeed:      fromNullFloat(r.GroundSpeed),
		Heading:          fromNullFloat(r.Heading),
		Voltage:          fromNullFloat(r.Voltage),
		Current:          fromNullFloat(r.Current),
		RemainingPercent: fromNullFloat(r.RemainingPercent),
		Latitude:         fromNullFloat(r.Latitude),
		Longitude:        fromNullFloat(r.Longitude),
	}
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}

func toNullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func fromNullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
