// Package storage — файловые операции локального состояния форвардера:
// MTProto-сессия, снимок bloom-фильтра, встроенный SQLite-кеш.
package storage

import (
	"os"
	"path/filepath"

	"tg-forwarder/internal/infra/logger"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

const (
	filePerm = 0o600
	dirPerm  = 0o700
)

// sqliteSidecars — журналы, которые SQLite держит рядом с файлом базы.
var sqliteSidecars = [...]string{"-wal", "-shm", "-journal"}

// EnsureDir создаёт родительский каталог файла path.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	return nil
}

// AtomicWriteFile пишет data во временный файл рядом с path и переименовывает
// его поверх path. Читатель видит либо старое содержимое, либо новое целиком.
func AtomicWriteFile(path string, data []byte) (err error) {
	path = filepath.Clean(path)
	if err := EnsureDir(path); err != nil {
		return err
	}
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp")
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return errors.Wrap(err, "write temp")
	}
	if err := tmp.Chmod(filePerm); err != nil {
		return errors.Wrap(err, "chmod temp")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync temp")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "rename temp")
	}
	syncDir(dir)
	return nil
}

// syncDir фиксирует запись имени файла. Не на всех ФС это поддерживается.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		logger.Debug("dir sync skipped", zap.String("dir", dir), zap.Error(err))
	}
}

// RemoveWithSideFiles удаляет файл SQLite вместе с журналами. Отсутствие
// файла ошибкой не считается; возвращается первая реальная ошибка.
func RemoveWithSideFiles(path string) error {
	path = filepath.Clean(path)
	var first error
	remove := func(name string) {
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) && first == nil {
			first = errors.Wrapf(err, "remove %s", name)
		}
	}
	remove(path)
	for _, suffix := range sqliteSidecars {
		remove(path + suffix)
	}
	return first
}
