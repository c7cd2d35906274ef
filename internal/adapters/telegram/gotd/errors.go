package gotd

import (
	"context"
	"math"

	"tg-forwarder/internal/errs"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"
)

// permanentTypes — ошибки RPC, повтор которых не поможет, даже если код не 4xx.
var permanentTypes = []string{
	"PEER_FLOOD",
	"PEER_ID_INVALID",
	"CHANNEL_INVALID",
	"CHANNEL_PRIVATE",
	"CHAT_ID_INVALID",
	"CHAT_WRITE_FORBIDDEN",
	"USER_BANNED_IN_CHANNEL",
}

// networkChecker сообщает монитору соединения о сетевых сбоях.
type networkChecker interface {
	HandleError(err error) bool
}

// classify приводит ошибку gotd к классам errs: FLOOD_WAIT и SLOWMODE_WAIT
// превращаются в TransientError с секундами, 4xx и известные «мертвые»
// адресаты — в PermanentError, остальное считается временным сбоем.
func classify(err error, net networkChecker) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return errs.FloodWait(int(math.Ceil(d.Seconds())), err)
	}
	if rpcErr, ok := tgerr.As(err); ok {
		switch {
		case rpcErr.IsType("SLOWMODE_WAIT"):
			return errs.FloodWait(rpcErr.Argument, err)
		case rpcErr.IsOneOf(permanentTypes...):
			return errs.Permanent(err)
		case rpcErr.Code >= 400 && rpcErr.Code < 500:
			return errs.Permanent(err)
		}
		return errs.Transient(err)
	}
	if net != nil {
		net.HandleError(err)
	}
	return errs.Transient(err)
}
