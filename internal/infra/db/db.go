// Package db открывает общий пул соединений gorm. DSN вида postgres://...
// (или key=value с host=) ведёт в PostgreSQL, всё остальное трактуется как
// путь к файлу SQLite.
package db

import (
	"context"
	"strings"
	"time"

	"tg-forwarder/internal/domain/models"
	"tg-forwarder/internal/infra/storage"

	"github.com/glebarez/sqlite"
	"github.com/go-faster/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Dialect — диалект SQL выбранного бэкенда.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// sqlitePragmas включают WAL и 30-секундное ожидание блокировки.
const sqlitePragmas = "_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// DB — пул соединений с известным диалектом.
type DB struct {
	*gorm.DB
	Dialect Dialect
}

// Open открывает пул по DSN и настраивает его под диалект.
func Open(dsn string) (*DB, error) {
	dialect := DetectDialect(dsn)
	cfg := newConfig()

	var (
		conn *gorm.DB
		err  error
	)
	switch dialect {
	case DialectPostgres:
		conn, err = gorm.Open(postgres.Open(dsn), cfg)
	default:
		conn, err = OpenSQLite(dsn, cfg)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", dialect)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get underlying db")
	}
	if dialect == DialectSQLite {
		// SQLite сериализует запись; один коннект исключает SQLITE_BUSY между своими же горутинами.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(20) //nolint:mnd
		sqlDB.SetMaxIdleConns(5)  //nolint:mnd
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}
	return &DB{DB: conn, Dialect: dialect}, nil
}

// OpenSQLite открывает файл SQLite с прагмами WAL/busy_timeout.
func OpenSQLite(path string, cfg *gorm.Config) (*gorm.DB, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = newConfig()
	}
	return gorm.Open(sqlite.Open(SQLiteDSN(path)), cfg)
}

// newConfig — общая конфигурация gorm. Временные метки пишутся в UTC: SQLite
// сравнивает их как строки.
func newConfig() *gorm.Config {
	return &gorm.Config{
		Logger:  NewGormLogger(200 * time.Millisecond), //nolint:mnd
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// SQLiteDSN добавляет прагмы к пути файла.
func SQLiteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + sqlitePragmas
}

// DetectDialect определяет диалект по DSN.
func DetectDialect(dsn string) Dialect {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") || strings.Contains(d, "host=") {
		return DialectPostgres
	}
	return DialectSQLite
}

// Migrate создаёт или обновляет схему всех таблиц форвардера.
func (d *DB) Migrate(ctx context.Context) error {
	if err := d.WithContext(ctx).AutoMigrate(models.All()...); err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	return nil
}

// Close закрывает пул.
func (d *DB) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
