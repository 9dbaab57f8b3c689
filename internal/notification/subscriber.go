package notification

import (
	"context"
	"fmt"
	"log"

	"github.com/azapokou-art/realtime-notifications/internal/hub"
	"github.com/azapokou-art/realtime-notifications/internal/relay"
	"github.com/azapokou-art/realtime-notifications/pkg/envelope"
)

// Subscriber はリレーチャンネルの購読を設定し、届いたメッセージを
// ローカルのライブ接続へ転送する。通知を受理したプロセスがどれであっても、
// 宛先の接続を保持しているプロセスがこの経路で配信を完了させる。
type Subscriber struct {
	// relay は購読先のリレー。
	relay *relay.Relay
	// hub は転送先の接続レジストリ。
	hub *hub.Hub
}

// NewSubscriber は新しいサブスクライバを生成する。
func NewSubscriber(r *relay.Relay, h *hub.Hub) *Subscriber {
	return &Subscriber{relay: r, hub: h}
}

// Start はグローバルチャンネルと宛先別チャンネルパターンの購読を開始する。
func (s *Subscriber) Start(ctx context.Context) error {
	if err := s.relay.Subscribe(ctx, envelope.GlobalChannel, s.handleGlobal); err != nil {
		return fmt.Errorf("グローバルチャンネルの購読に失敗: %w", err)
	}
	if err := s.relay.Subscribe(ctx, envelope.UserChannelPattern, s.handleUser); err != nil {
		return fmt.Errorf("宛先別チャンネルの購読に失敗: %w", err)
	}
	log.Printf("[Subscriber] リレー購読を開始しました: %s, %s", envelope.GlobalChannel, envelope.UserChannelPattern)
	return nil
}

// handleGlobal はグローバルチャンネルのメッセージを全接続へ転送する。
func (s *Subscriber) handleGlobal(message any, _ string) {
	s.hub.Broadcast(envelope.EventNotificationGlobal, message)
}

// handleUser は宛先別チャンネルのメッセージを該当ユーザーの接続へ転送する。
// チャンネル名に埋め込まれたユーザーIDを取り出して配信先を決める。
func (s *Subscriber) handleUser(message any, channel string) {
	userID, ok := envelope.UserIDFromChannel(channel)
	if !ok {
		log.Printf("[Subscriber] 宛先別チャンネル名が不正: channel=%s", channel)
		return
	}
	s.hub.SendToUser(userID, envelope.EventNotificationPersonal, message)
}
