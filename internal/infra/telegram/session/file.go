// Package session хранит MTProto-сессию аккаунта в локальном файле.
package session

import (
	"context"
	"os"
	"sync"

	"tg-forwarder/internal/infra/storage"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"
)

// File — tdsession.Storage на одном файле. Запись атомарная; после каждой
// успешной записи вызывается onStored (сессия обновилась, значит связь есть).
type File struct {
	path     string
	onStored func()

	mu sync.Mutex
}

var _ tdsession.Storage = (*File)(nil)

// NewFile создаёт хранилище; onStored может быть nil.
func NewFile(path string, onStored func()) *File {
	return &File{path: path, onStored: onStored}
}

func (f *File) LoadSession(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, tdsession.ErrNotFound
	case err != nil:
		return nil, errors.Wrap(err, "read session")
	case len(data) == 0:
		return nil, tdsession.ErrNotFound
	}
	return data, nil
}

func (f *File) StoreSession(_ context.Context, data []byte) error {
	f.mu.Lock()
	err := storage.AtomicWriteFile(f.path, data)
	f.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "store session")
	}
	if f.onStored != nil {
		f.onStored()
	}
	return nil
}

// Exists сообщает, сохранена ли сессия (был ли выполнен вход).
func (f *File) Exists() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, err := os.Stat(f.path)
	return err == nil && info.Size() > 0
}

// Reset удаляет сохранённую сессию; следующий запуск потребует входа заново.
func (f *File) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "remove session")
	}
	return nil
}
