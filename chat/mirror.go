package chat

import (
	"context"
	"log/slog"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/nightcast/livechat/backend/config"
	"github.com/nightcast/livechat/backend/presence"
)

// StartTwitchMirror relays the broadcaster's Twitch chat into the public room
// so embedded visitors see one combined conversation. Mirrored posts go
// through the normal write path (filter, store, cache, fan-out) but carry no
// origin address, which exempts them from per-origin rate accounting like
// synthetic identities. The Twitch message id doubles as the dedupe key so an
// IRC reconnect replay can never duplicate a message.
func StartTwitchMirror(ctx context.Context, svc *Service, cfg *config.Config) {
	if err := cfg.ValidateMirrorReady(); err != nil {
		slog.Info("twitch mirror disabled", slog.Any("reason", err))
		return
	}
	client := twitch.NewClient(cfg.TwitchBotUsername, cfg.TwitchOAuthToken)

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		id := presence.Identity{
			Username:  msg.User.DisplayName,
			SessionID: "twitch-mirror",
			Role:      presence.RoleGuest,
		}
		if _, err := svc.PostMessage(ctx, id, msg.Message, nil, "twitch:"+msg.ID); err != nil {
			slog.Warn("failed to mirror twitch message", slog.Any("err", err))
		}
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()

	client.Join(cfg.TwitchChannel)
	slog.Info("twitch mirror connecting", slog.String("channel", cfg.TwitchChannel))
	if err := client.Connect(); err != nil {
		slog.Error("twitch mirror connect error", slog.Any("err", err))
	}
	<-done
}
