// Package catalog keeps an sqlite index of scanning sessions, their recorded frames and poses.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	// registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"go.viam.com/rgbd/logging"
	"go.viam.com/rgbd/spatialmath"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUnknownSession is returned for a session id that is not in the catalog.
var ErrUnknownSession = errors.New("unknown session")

// Catalog is an open catalog database.
type Catalog struct {
	db     *sql.DB
	logger logging.Logger
}

// Session is one run of the scanner.
type Session struct {
	ID        string
	CreatedAt time.Time
	Prefix    string
	Device    string
}

// FrameEntry is a recorded frame of a session.
type FrameEntry struct {
	Index      int
	CapturedAt time.Time
	Path       string
}

// Open opens or creates the catalog at path and migrates it to the latest schema.
func Open(ctx context.Context, path string, logger logging.Logger) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open catalog %q", path)
	}
	// sqlite serializes writers; a single connection avoids busy errors.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Wrapf(closeOnError(err, db), "cannot open catalog %q", path)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, closeOnError(err, db)
	}
	c := &Catalog{db: db, logger: logger}
	if err := c.migrateUp(); err != nil {
		return nil, closeOnError(err, db)
	}
	return c, nil
}

func closeOnError(err error, db *sql.DB) error {
	if cerr := db.Close(); cerr != nil {
		return errors.Wrapf(err, "closing catalog also failed: %v", cerr)
	}
	return err
}

func (c *Catalog) newMigrate() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "cannot read embedded migrations")
	}
	driver, err := sqlite.WithInstance(c.db, &sqlite.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "cannot create sqlite migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create migrate instance")
	}
	m.Log = &migrateLogger{logger: c.logger}
	return m, nil
}

// migrateUp applies the pending migrations. The migrate instance is not closed because that would
// close the shared database.
func (c *Catalog) migrateUp() error {
	m, err := c.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "catalog migration failed")
	}
	return nil
}

// Version is the schema version of the catalog.
func (c *Catalog) Version() (uint, error) {
	m, err := c.newMigrate()
	if err != nil {
		return 0, err
	}
	version, dirty, err := m.Version()
	if err != nil {
		return 0, err
	}
	if dirty {
		return version, errors.Errorf("catalog schema version %d is dirty", version)
	}
	return version, nil
}

type migrateLogger struct {
	logger logging.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debugf(format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// NewSession registers a new session and returns it.
func (c *Catalog) NewSession(ctx context.Context, prefix, device string) (Session, error) {
	s := Session{ID: uuid.NewString(), CreatedAt: time.Now().UTC(), Prefix: prefix, Device: device}
	_, err := c.db.ExecContext(ctx,
		"INSERT INTO sessions (id, created_at, prefix, device) VALUES (?, ?, ?, ?)",
		s.ID, s.CreatedAt.UnixNano(), s.Prefix, s.Device)
	if err != nil {
		return Session{}, errors.Wrap(err, "cannot create session")
	}
	c.logger.Infow("new catalog session", "id", s.ID, "prefix", prefix, "device", device)
	return s, nil
}

// Sessions lists the sessions, oldest first.
func (c *Catalog) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT id, created_at, prefix, device FROM sessions ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			c.logger.Debugw("closing rows", "error", cerr)
		}
	}()
	var sessions []Session
	for rows.Next() {
		var s Session
		var created int64
		if err := rows.Scan(&s.ID, &created, &s.Prefix, &s.Device); err != nil {
			return nil, err
		}
		s.CreatedAt = time.Unix(0, created).UTC()
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (c *Catalog) checkSession(ctx context.Context, id string) error {
	var n int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", id).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrUnknownSession, "%q", id)
	}
	return nil
}

// AddFrame records the view directory a frame was written to. Recording the same index again
// replaces it.
func (c *Catalog) AddFrame(ctx context.Context, sessionID string, index int, capturedAt time.Time, path string) error {
	if err := c.checkSession(ctx, sessionID); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO frames (session_id, idx, captured_at, path) VALUES (?, ?, ?, ?)",
		sessionID, index, capturedAt.UnixNano(), path)
	return errors.Wrapf(err, "cannot add frame %d", index)
}

// Frames lists the frames of a session by index.
func (c *Catalog) Frames(ctx context.Context, sessionID string) ([]FrameEntry, error) {
	if err := c.checkSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx,
		"SELECT idx, captured_at, path FROM frames WHERE session_id = ? ORDER BY idx", sessionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			c.logger.Debugw("closing rows", "error", cerr)
		}
	}()
	var frames []FrameEntry
	for rows.Next() {
		var f FrameEntry
		var captured int64
		if err := rows.Scan(&f.Index, &captured, &f.Path); err != nil {
			return nil, err
		}
		f.CapturedAt = time.Unix(0, captured).UTC()
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// AddPose records the estimated pose of a frame. Recording the same index again replaces it.
func (c *Catalog) AddPose(ctx context.Context, sessionID string, index int, pose spatialmath.Pose) error {
	if err := c.checkSession(ctx, sessionID); err != nil {
		return err
	}
	p, q := pose.Point(), pose.Orientation()
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO poses (session_id, idx, tx, ty, tz, qw, qx, qy, qz)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, index, p.X, p.Y, p.Z, q.Real, q.Imag, q.Jmag, q.Kmag)
	return errors.Wrapf(err, "cannot add pose of frame %d", index)
}

// Poses returns the poses of a session by frame index.
func (c *Catalog) Poses(ctx context.Context, sessionID string) (map[int]spatialmath.Pose, error) {
	if err := c.checkSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx,
		"SELECT idx, tx, ty, tz, qw, qx, qy, qz FROM poses WHERE session_id = ?", sessionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			c.logger.Debugw("closing rows", "error", cerr)
		}
	}()
	poses := map[int]spatialmath.Pose{}
	for rows.Next() {
		var idx int
		var tx, ty, tz float64
		var q quat.Number
		if err := rows.Scan(&idx, &tx, &ty, &tz, &q.Real, &q.Imag, &q.Jmag, &q.Kmag); err != nil {
			return nil, err
		}
		poses[idx] = spatialmath.NewPose(r3.Vector{X: tx, Y: ty, Z: tz}, q)
	}
	return poses, rows.Err()
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}
