package peersmgr

import (
	"context"

	"tg-forwarder/internal/infra/logger"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/query"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

const dialogsPage = 100

// WarmupIfEmpty при пустой базе обходит диалоги аккаунта, чтобы access_hash
// источников и получателей был известен до первого апдейта.
func (s *Service) WarmupIfEmpty(ctx context.Context, api *tg.Client) error {
	empty, err := s.isEmpty()
	if err != nil {
		return errors.Wrap(err, "peersmgr: check storage")
	}
	if !empty {
		return nil
	}
	return s.RefreshDialogs(ctx, api)
}

// RefreshDialogs выгружает все диалоги и применяет их сущности.
func (s *Service) RefreshDialogs(ctx context.Context, api *tg.Client) error {
	if api == nil {
		api = s.Mgr.API()
	}

	var (
		users []tg.UserClass
		chats []tg.ChatClass
		seen  = make(map[int64]struct{})
	)
	add := func(id int64) bool {
		if _, ok := seen[id]; ok {
			return false
		}
		seen[id] = struct{}{}
		return true
	}

	iter := query.GetDialogs(api).BatchSize(dialogsPage).Iter()
	for iter.Next(ctx) {
		e := iter.Value().Entities
		for id, u := range e.Users() {
			if add(id) {
				users = append(users, u)
			}
		}
		for id, c := range e.Chats() {
			if add(-id) {
				chats = append(chats, c)
			}
		}
		for id, c := range e.Channels() {
			if add(-id) {
				chats = append(chats, c)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "peersmgr: fetch dialogs")
	}

	logger.Info("Dialogs fetched", zap.Int("users", len(users)), zap.Int("chats", len(chats)))
	if err := s.Apply(ctx, users, chats); err != nil {
		return errors.Wrap(err, "peersmgr: apply dialogs")
	}
	return nil
}
