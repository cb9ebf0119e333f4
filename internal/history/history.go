// Package history keeps an audit trail of room lifecycles: when each game
// was opened and closed and how busy it was. Room state itself is never
// written here and nothing is restored from it.
package history

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/tile-table/internal/room"
)

type Recorder interface {
	RoomOpened(ctx context.Context, gameID string) error
	RoomClosed(ctx context.Context, gameID string, stats room.Stats) error
}

// Nop discards everything. Used when no database is configured.
type Nop struct{}

func (Nop) RoomOpened(context.Context, string) error             { return nil }
func (Nop) RoomClosed(context.Context, string, room.Stats) error { return nil }

// Session is one row per game.
type Session struct {
	ID        uint   `gorm:"primaryKey"`
	GameID    string `gorm:"size:16;index"`
	OpenedAt  time.Time
	ClosedAt  *time.Time
	Joins     int
	Batches   int
	Resyncs   int
	Dropped   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Store struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// Open connects to Postgres and migrates the sessions table.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return NewStore(ctx, db, log)
}

// NewStore wraps an existing gorm handle.
func NewStore(ctx context.Context, db *gorm.DB, log *zap.Logger) (*Store, error) {
	if err := db.WithContext(ctx).AutoMigrate(&Session{}); err != nil {
		return nil, err
	}
	log.Info("history store ready")
	return &Store{db: db, log: log, now: time.Now}, nil
}

func (s *Store) RoomOpened(ctx context.Context, gameID string) error {
	return s.db.WithContext(ctx).Create(&Session{GameID: gameID, OpenedAt: s.now()}).Error
}

// RoomClosed stamps the most recent open session for gameID. Game ids can be
// reused once a room is gone, so only the open row is touched.
func (s *Store) RoomClosed(ctx context.Context, gameID string, stats room.Stats) error {
	closed := s.now()
	res := s.db.WithContext(ctx).Model(&Session{}).
		Where("game_id = ? AND closed_at IS NULL", gameID).
		Updates(map[string]any{
			"closed_at": closed,
			"joins":     stats.Joins,
			"batches":   stats.Batches,
			"resyncs":   stats.Resyncs,
			"dropped":   stats.Dropped,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		s.log.Debug("no open session to close", zap.String("game_id", gameID))
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
