// Package peersmgr держит access_hash известных чатов: gotd peers.Manager в
// памяти плюс его копия в bbolt, чтобы после рестарта источники и получатели
// разрешались без лишних RPC.
package peersmgr

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"tg-forwarder/internal/infra/logger"
	"tg-forwarder/internal/infra/storage"
	"tg-forwarder/internal/tgutil"

	"github.com/go-faster/errors"
	bboltdb "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	openTimeout  = time.Second
	fileMode     = os.FileMode(0o600)
	resolvedSize = 4096
)

var bucket = []byte("peers")

// ErrPeerNotFound — идентификатор не разрешился ни в одну известную сущность.
var ErrPeerNotFound = errors.New("peersmgr: peer not found")

// resolveOrder — в каком порядке пробуем вид чата по голому идентификатору.
// Форварды почти всегда идут между каналами и супергруппами.
var resolveOrder = [...]tgutil.PeerKind{tgutil.PeerChannel, tgutil.PeerChat, tgutil.PeerUser}

// Service — менеджер пиров с персистентной копией.
type Service struct {
	db    *bbolt.DB
	store contribstorage.PeerStorage
	Mgr   *peers.Manager

	resolved *lru.Cache[int64, tg.InputPeerClass]
}

// New открывает bbolt-файл и собирает менеджер. Сетевых запросов не делает.
func New(api *tg.Client, dbPath string) (*Service, error) {
	if api == nil {
		return nil, errors.New("peersmgr: api client is nil")
	}
	path := strings.TrimSpace(dbPath)
	if path == "" {
		return nil, errors.New("peersmgr: db path is empty")
	}
	if err := storage.EnsureDir(path); err != nil {
		return nil, errors.Wrap(err, "peersmgr")
	}
	db, err := bbolt.Open(path, fileMode, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "peersmgr: open db")
	}
	resolved, err := lru.New[int64, tg.InputPeerClass](resolvedSize)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "peersmgr: resolved cache")
	}
	return &Service{
		db:       db,
		store:    bboltdb.NewPeerStorage(db, bucket),
		Mgr:      peers.Options{}.Build(api),
		resolved: resolved,
	}, nil
}

// Close закрывает файл базы.
func (s *Service) Close() error {
	return s.db.Close()
}

// Store — персистентное хранилище для contrib UpdateHook.
func (s *Service) Store() contribstorage.PeerStorage {
	return s.store
}

// Apply запоминает сущности из ответа API в менеджере и в bbolt.
func (s *Service) Apply(ctx context.Context, users []tg.UserClass, chats []tg.ChatClass) error {
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	if err := s.Mgr.Apply(ctx, users, chats); err != nil {
		return errors.Wrap(err, "apply to manager")
	}
	for _, u := range users {
		var p contribstorage.Peer
		if p.FromUser(u) {
			s.persist(ctx, p)
		}
	}
	for _, c := range chats {
		var p contribstorage.Peer
		if p.FromChat(c) {
			s.persist(ctx, p)
		}
	}
	return nil
}

func (s *Service) persist(ctx context.Context, p contribstorage.Peer) {
	if err := s.store.Add(ctx, p); err != nil {
		logger.Debug("persist peer failed", zap.Int64("id", p.Key.ID), zap.Error(err))
	}
}

// InputPeer разрешает идентификатор чата из каталога правил. Удачный
// результат запоминается до Forget.
func (s *Service) InputPeer(ctx context.Context, id int64) (tg.InputPeerClass, error) {
	if p, ok := s.resolved.Get(id); ok {
		return p, nil
	}

	var failures []error
	for _, kind := range resolveOrder {
		p, err := s.resolve(ctx, kind, id)
		switch {
		case err == nil:
			input := p.InputPeer()
			s.resolved.Add(id, input)
			return input, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case !errors.Is(err, ErrPeerNotFound):
			failures = append(failures, errors.Wrap(err, kind.String()))
		}
	}
	if len(failures) == 0 {
		return nil, ErrPeerNotFound
	}
	return nil, errors.Wrapf(failures[0], "peersmgr: resolve %d", id)
}

// Forget сбрасывает запомненный InputPeer (например, после CHANNEL_INVALID).
func (s *Service) Forget(id int64) {
	s.resolved.Remove(id)
}

func (s *Service) resolve(ctx context.Context, kind tgutil.PeerKind, id int64) (peers.Peer, error) {
	var (
		p   peers.Peer
		err error
	)
	switch kind {
	case tgutil.PeerUser:
		p, err = s.Mgr.ResolveUserID(ctx, id)
	case tgutil.PeerChat:
		p, err = s.Mgr.ResolveChatID(ctx, id)
	case tgutil.PeerChannel:
		p, err = s.Mgr.ResolveChannelID(ctx, id)
	default:
		return nil, errors.Errorf("unsupported peer kind %s", kind)
	}
	var nf *peers.PeerNotFoundError
	if errors.As(err, &nf) {
		return nil, ErrPeerNotFound
	}
	return p, err
}

// LoadFromStorage переносит сохранённые пиры из bbolt в менеджер.
// Нечитаемый бакет пересоздаётся пустым.
func (s *Service) LoadFromStorage(ctx context.Context) error {
	empty, err := s.isEmpty()
	if err != nil || empty {
		return err
	}

	users, chats, err := s.readStored(ctx)
	if isCorrupted(err) {
		logger.Warn("peers storage is corrupted, resetting", zap.Error(err))
		return s.resetBucket()
	}
	if err != nil {
		return errors.Wrap(err, "peersmgr: read stored peers")
	}
	logger.Debug("peers loaded from storage", zap.Int("users", len(users)), zap.Int("chats", len(chats)))
	return s.Apply(ctx, users, chats)
}

func (s *Service) readStored(ctx context.Context) (users []tg.UserClass, chats []tg.ChatClass, err error) {
	iter, err := s.store.Iterate(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = iter.Close() }()

	for iter.Next(ctx) {
		v := iter.Value()
		key := v.Key
		switch key.Kind {
		case dialogs.User:
			if v.User != nil {
				users = append(users, v.User)
			} else {
				users = append(users, &tg.User{ID: key.ID, AccessHash: key.AccessHash})
			}
		case dialogs.Chat:
			if v.Chat != nil {
				chats = append(chats, v.Chat)
			} else {
				chats = append(chats, &tg.Chat{ID: key.ID})
			}
		case dialogs.Channel:
			if v.Channel != nil {
				chats = append(chats, v.Channel)
			} else {
				chats = append(chats, &tg.Channel{ID: key.ID, AccessHash: key.AccessHash})
			}
		}
	}
	return users, chats, iter.Err()
}

func isCorrupted(err error) bool {
	if err == nil {
		return false
	}
	var (
		typeErr   *json.UnmarshalTypeError
		syntaxErr *json.SyntaxError
	)
	return errors.As(err, &typeErr) || errors.As(err, &syntaxErr) || strings.Contains(err.Error(), "json:")
}

func (s *Service) isEmpty() (bool, error) {
	empty := true
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucket); b != nil {
			k, _ := b.Cursor().First()
			empty = k == nil
		}
		return nil
	})
	return empty, err
}

func (s *Service) resetBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucket)
		return err
	})
}
