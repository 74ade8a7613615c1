// Package store persists desktop sessions in a SQL database through gorm.
// SQLite (pure Go) serves single-node deployments and tests; Postgres serves
// replicated gateways.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-logr/logr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
	"github.com/deskgate/deskgate/pkg/gateway/session"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the database.
type Config struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

type sessionRow struct {
	ID             string    `gorm:"primaryKey;size:128"`
	OwnerID        string    `gorm:"size:256;not null;index"`
	Status         string    `gorm:"size:16;not null;index"`
	CreatedAt      time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime:false"`
	TimeoutAt      time.Time `gorm:"not null;index"`
	StreamEndpoint string    `gorm:"size:1024"`
	LastError      string    `gorm:"size:2048"`
	StoppedAt      *time.Time
}

func (sessionRow) TableName() string { return "desktop_sessions" }

// SQLStore implements session.Store on a gorm database.
type SQLStore struct {
	db  *gorm.DB
	log logr.Logger
}

var _ session.Store = (*SQLStore)(nil)

// Open connects to the configured database and migrates the schema.
func Open(ctx context.Context, cfg Config, log logr.Logger) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, apperrors.New(apperrors.ErrCodeConfig, fmt.Sprintf("unsupported store driver %q", cfg.Driver), nil)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStore, "failed to open database", err)
	}

	if cfg.Driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCodeStore, "failed to access sqlite handle", err)
		}
		// One writer; also keeps ":memory:" databases on a single connection.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.WithContext(ctx).AutoMigrate(&sessionRow{}); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStore, "failed to migrate schema", err)
	}

	log = log.WithName("store")
	log.V(1).Info("Opened session store", "driver", cfg.Driver)
	return &SQLStore{db: db, log: log}, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Create(ctx context.Context, sess *session.Session) error {
	row := toRow(sess)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperrors.New(apperrors.ErrCodeStore, fmt.Sprintf("session %s already exists", sess.ID), err)
		}
		return apperrors.New(apperrors.ErrCodeStore, "failed to insert session", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id, ownerID string) (*session.Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound(nil)
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStore, "failed to load session", err)
	}
	return fromRow(row), nil
}

// Transition is a single conditional UPDATE. Zero affected rows means either
// the record is missing (or foreign) or its status moved; a follow-up read
// tells the two apart.
func (s *SQLStore) Transition(ctx context.Context, id, ownerID string, from []session.Status, upd session.Update) (*session.Session, error) {
	cols := updateColumns(upd)
	if len(cols) == 0 {
		sess, err := s.Get(ctx, id, ownerID)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(from, sess.Status) {
			return nil, session.ErrStatusConflict
		}
		return sess, nil
	}

	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}

	res := s.db.WithContext(ctx).
		Model(&sessionRow{}).
		Where("id = ? AND owner_id = ? AND status IN ?", id, ownerID, statuses).
		Updates(cols)
	if res.Error != nil {
		return nil, apperrors.New(apperrors.ErrCodeStore, "failed to update session", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id, ownerID); err != nil {
			return nil, err
		}
		return nil, session.ErrStatusConflict
	}
	return s.Get(ctx, id, ownerID)
}

func (s *SQLStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*session.Session, error) {
	q := s.db.WithContext(ctx).
		Where("status IN ? AND timeout_at < ?",
			[]string{string(session.StatusPending), string(session.StatusRunning)}, now.UTC()).
		Order("timeout_at")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []sessionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStore, "failed to list expired sessions", err)
	}

	out := make([]*session.Session, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

func updateColumns(upd session.Update) map[string]any {
	cols := map[string]any{}
	if upd.Status != "" {
		cols["status"] = string(upd.Status)
	}
	if upd.StreamEndpoint != nil {
		cols["stream_endpoint"] = *upd.StreamEndpoint
	}
	if upd.LastError != nil {
		cols["last_error"] = *upd.LastError
	}
	if upd.StoppedAt != nil {
		cols["stopped_at"] = upd.StoppedAt.UTC()
	}
	if !upd.UpdatedAt.IsZero() {
		cols["updated_at"] = upd.UpdatedAt.UTC()
	}
	return cols
}

func toRow(sess *session.Session) sessionRow {
	row := sessionRow{
		ID:             sess.ID,
		OwnerID:        sess.OwnerID,
		Status:         string(sess.Status),
		CreatedAt:      sess.CreatedAt.UTC(),
		UpdatedAt:      sess.UpdatedAt.UTC(),
		TimeoutAt:      sess.TimeoutAt.UTC(),
		StreamEndpoint: sess.StreamEndpoint,
		LastError:      sess.LastError,
	}
	if sess.StoppedAt != nil {
		t := sess.StoppedAt.UTC()
		row.StoppedAt = &t
	}
	return row
}

func fromRow(row sessionRow) *session.Session {
	sess := &session.Session{
		ID:             row.ID,
		OwnerID:        row.OwnerID,
		Status:         session.Status(row.Status),
		CreatedAt:      row.CreatedAt.UTC(),
		UpdatedAt:      row.UpdatedAt.UTC(),
		TimeoutAt:      row.TimeoutAt.UTC(),
		StreamEndpoint: row.StreamEndpoint,
		LastError:      row.LastError,
	}
	if row.StoppedAt != nil {
		t := row.StoppedAt.UTC()
		sess.StoppedAt = &t
	}
	return sess
}
