package session

import (
	"github.com/rs/zerolog"
)

// Notifier receives the few failures and notices that reach the user.
// Transport errors never do.
type Notifier interface {
	AccessDenied(roomID string, err error)
	RoomClosed(roomID string)
	SendFailed(roomID string, err error)
	Mention(alert MentionAlert)
}

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	Log *zerolog.Logger
}

func (n LogNotifier) AccessDenied(roomID string, err error) {
	n.Log.Warn().Err(err).Str("room_id", roomID).Msg("room access denied")
}

func (n LogNotifier) RoomClosed(roomID string) {
	n.Log.Warn().Str("room_id", roomID).Msg("room was deleted")
}

func (n LogNotifier) SendFailed(roomID string, err error) {
	n.Log.Error().Err(err).Str("room_id", roomID).Msg("message not sent")
}

func (n LogNotifier) Mention(alert MentionAlert) {
	n.Log.Info().Str("room_id", alert.RoomID).Str("sender", alert.SenderName).Msg(alert.Preview)
}

type nopNotifier struct{}

func (nopNotifier) AccessDenied(string, error) {}
func (nopNotifier) RoomClosed(string)          {}
func (nopNotifier) SendFailed(string, error)   {}
func (nopNotifier) Mention(MentionAlert)       {}
