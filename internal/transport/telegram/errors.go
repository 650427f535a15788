package telegram

import (
	"errors"

	tele "gopkg.in/telebot.v4"
)

var (
	ErrNoToken     = errors.New("telegram: no token for bot")
	ErrUnavailable = errors.New("telegram: bot api unavailable")
	ErrFlood       = errors.New("telegram: flood control")
)

// IsRecipientError reports whether err concerns only the addressed user
// (blocked the bot, deleted account, never started a chat).
func IsRecipientError(err error) bool {
	return errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrUserIsDeactivated) ||
		errors.Is(err, tele.ErrChatNotFound) ||
		errors.Is(err, tele.ErrNotStartedByUser)
}
