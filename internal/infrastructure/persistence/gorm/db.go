package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/narwhalmedia/backbone/pkg/config"
	"github.com/narwhalmedia/backbone/pkg/database"
	"github.com/narwhalmedia/backbone/pkg/interfaces"
	"github.com/narwhalmedia/backbone/pkg/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// NewDB opens the ledger database and applies pending migrations. The
// cleanup func closes the connection pool.
func NewDB(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, func(), error) {
	level := gormlogger.Warn
	if cfg.Debug {
		level = gormlogger.Info
	}

	db, err := database.Open(cfg.ToDatabaseConfig(), newSQLLogger(log, level))
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if err := AutoMigrate(db); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("migrate %s: %w", cfg.Driver, err)
	}

	return db, func() { sqlDB.Close() }, nil
}

// AutoMigrate applies the ledger migrations that are still pending.
func AutoMigrate(db *gorm.DB) error {
	return database.RunMigrations(db, Migrations()...)
}

// sqlLogger routes GORM output to zap. Statements issued while recording an
// event carry its correlation id.
type sqlLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

func newSQLLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	return &sqlLogger{log: log.Named("gorm"), level: level}
}

func (l *sqlLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &sqlLogger{log: l.log, level: level}
}

func (l *sqlLogger) with(ctx context.Context) *zap.Logger {
	if id := logger.CorrelationID(ctx); id != "" {
		return l.log.With(zap.String(interfaces.KeyCorrelationID, id))
	}
	return l.log
}

func (l *sqlLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.with(ctx).Sugar().Infof(msg, data...)
	}
}

func (l *sqlLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.with(ctx).Sugar().Warnf(msg, data...)
	}
}

func (l *sqlLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.with(ctx).Sugar().Errorf(msg, data...)
	}
}

func (l *sqlLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level == gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		l.with(ctx).Error("sql error", append(fields, zap.Error(err))...)
	case elapsed > slowQueryThreshold && l.level >= gormlogger.Warn:
		l.with(ctx).Warn("slow sql query", fields...)
	case l.level >= gormlogger.Info:
		l.with(ctx).Debug("sql trace", fields...)
	}
}
