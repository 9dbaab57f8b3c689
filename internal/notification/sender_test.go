package notification

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/azapokou-art/realtime-notifications/pkg/envelope"
)

// stubStore はSender単体テスト用のストア。保存呼び出しを記録する。
type stubStore struct {
	Store
	saved   []*Notification
	saveErr error
}

func (s *stubStore) Save(_ context.Context, n *Notification) (*Notification, error) {
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	saved := *n
	saved.ID = "stub-id"
	s.saved = append(s.saved, &saved)
	return &saved, nil
}

// stubPusher はライブ接続への直接配信を記録するフェイク。
type stubPusher struct {
	connected bool
	sent      []string // 送信されたイベント名
}

func (p *stubPusher) IsUserConnected(_ string) bool { return p.connected }

func (p *stubPusher) SendToUser(_, event string, _ any) bool {
	p.sent = append(p.sent, event)
	return true
}

// stubPublisher はリレー発行を記録するフェイク。
type stubPublisher struct {
	channels   []string
	publishErr error
}

func (p *stubPublisher) Publish(_ context.Context, channel string, _ any) (int64, error) {
	if p.publishErr != nil {
		return 0, p.publishErr
	}
	p.channels = append(p.channels, channel)
	return 1, nil
}

func TestSenderExecute(t *testing.T) {
	t.Parallel()

	t.Run("検証・永続化・直接配信・リレー発行の順に処理される", func(t *testing.T) {
		t.Parallel()

		store := &stubStore{}
		pusher := &stubPusher{connected: true}
		publisher := &stubPublisher{}
		sender := NewSender(store, pusher, publisher)

		result, err := sender.Execute(testContext(t), SendRequest{
			Message:   "  こんにちは  ",
			Type:      "MESSAGE",
			Recipient: "user-1",
		})
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}

		if len(store.saved) != 1 {
			t.Fatalf("保存回数が一致しない: got=%d, want=1", len(store.saved))
		}
		if store.saved[0].Message != "こんにちは" {
			t.Errorf("メッセージがトリムされていない: %q", store.saved[0].Message)
		}
		if store.saved[0].Priority != PriorityNormal {
			t.Errorf("デフォルト優先度がNORMALでない: %q", store.saved[0].Priority)
		}

		if !result.Delivered {
			t.Error("接続中ユーザーへの直接配信が行われなかった")
		}
		if len(pusher.sent) != 1 || pusher.sent[0] != envelope.EventNotificationNew {
			t.Errorf("直接配信のイベント名が一致しない: %v", pusher.sent)
		}

		if !result.Relayed {
			t.Error("リレー発行が行われなかった")
		}
		want := envelope.UserChannel("user-1")
		if len(publisher.channels) != 1 || publisher.channels[0] != want {
			t.Errorf("リレー発行先が一致しない: got=%v, want=%s", publisher.channels, want)
		}
	})

	t.Run("空白のみのメッセージは副作用なしで拒否される", func(t *testing.T) {
		t.Parallel()

		store := &stubStore{}
		pusher := &stubPusher{connected: true}
		publisher := &stubPublisher{}
		sender := NewSender(store, pusher, publisher)

		_, err := sender.Execute(testContext(t), SendRequest{
			Message:   "   ",
			Type:      "MESSAGE",
			Recipient: "user-1",
		})

		var validationErr *ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("ValidationErrorが返らなかった: %v", err)
		}
		if len(store.saved) != 0 || len(pusher.sent) != 0 || len(publisher.channels) != 0 {
			t.Error("検証失敗後に副作用が発生した")
		}
	})

	t.Run("トリム後500文字を超えるメッセージは拒否される", func(t *testing.T) {
		t.Parallel()

		store := &stubStore{}
		sender := NewSender(store, &stubPusher{}, &stubPublisher{})

		// マルチバイト文字で501文字（バイト数は500を大きく超える）
		_, err := sender.Execute(testContext(t), SendRequest{
			Message:   strings.Repeat("あ", 501),
			Type:      "MESSAGE",
			Recipient: "user-1",
		})

		var validationErr *ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("ValidationErrorが返らなかった: %v", err)
		}
		if len(store.saved) != 0 {
			t.Error("検証失敗後に保存が行われた")
		}
	})

	t.Run("ちょうど500文字のメッセージは受理される", func(t *testing.T) {
		t.Parallel()

		sender := NewSender(&stubStore{}, &stubPusher{}, &stubPublisher{})

		_, err := sender.Execute(testContext(t), SendRequest{
			Message:   strings.Repeat("あ", 500),
			Type:      "MESSAGE",
			Recipient: "user-1",
		})
		if err != nil {
			t.Fatalf("500文字のメッセージが拒否された: %v", err)
		}
	})

	t.Run("不正な通知種類と優先度は拒否される", func(t *testing.T) {
		t.Parallel()

		sender := NewSender(&stubStore{}, &stubPusher{}, &stubPublisher{})

		cases := map[string]SendRequest{
			"種類なし":  {Message: "m", Recipient: "user-1"},
			"不正な種類": {Message: "m", Type: "INVALID", Recipient: "user-1"},
			"宛先なし":  {Message: "m", Type: "MESSAGE"},
			"不正な優先度": {Message: "m", Type: "MESSAGE", Recipient: "user-1", Priority: "CRITICAL"},
		}
		for name, req := range cases {
			var validationErr *ValidationError
			if _, err := sender.Execute(testContext(t), req); !errors.As(err, &validationErr) {
				t.Errorf("%s: ValidationErrorが返らなかった: %v", name, err)
			}
		}
	})

	t.Run("未接続のユーザーには直接配信されないがリレー発行は行われる", func(t *testing.T) {
		t.Parallel()

		pusher := &stubPusher{connected: false}
		publisher := &stubPublisher{}
		sender := NewSender(&stubStore{}, pusher, publisher)

		result, err := sender.Execute(testContext(t), SendRequest{
			Message:   "オフライン宛",
			Type:      "ALERT",
			Recipient: "user-2",
		})
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}

		if result.Delivered {
			t.Error("未接続ユーザーへの直接配信が報告された")
		}
		if len(pusher.sent) != 0 {
			t.Errorf("未接続ユーザーへ送信が行われた: %v", pusher.sent)
		}
		if !result.Relayed {
			t.Error("リレー発行が行われなかった")
		}
	})

	t.Run("永続化の失敗は配信もリレーも行わずエラーになる", func(t *testing.T) {
		t.Parallel()

		store := &stubStore{saveErr: errors.New("db down")}
		pusher := &stubPusher{connected: true}
		publisher := &stubPublisher{}
		sender := NewSender(store, pusher, publisher)

		_, err := sender.Execute(testContext(t), SendRequest{
			Message:   "保存できない",
			Type:      "MESSAGE",
			Recipient: "user-1",
		})
		if err == nil {
			t.Fatal("エラーが返らなかった")
		}
		if len(pusher.sent) != 0 || len(publisher.channels) != 0 {
			t.Error("永続化失敗後に配信またはリレー発行が行われた")
		}
	})

	t.Run("リレー発行の失敗はリクエストを失敗させない", func(t *testing.T) {
		t.Parallel()

		publisher := &stubPublisher{publishErr: errors.New("relay down")}
		sender := NewSender(&stubStore{}, &stubPusher{connected: true}, publisher)

		result, err := sender.Execute(testContext(t), SendRequest{
			Message:   "リレー停止中",
			Type:      "MESSAGE",
			Recipient: "user-1",
		})
		if err != nil {
			t.Fatalf("リレー失敗がリクエストを失敗させた: %v", err)
		}
		if result.Relayed {
			t.Error("失敗したリレー発行が成功と報告された")
		}
		if !result.Delivered {
			t.Error("直接配信まで失敗と報告された")
		}
	})

	t.Run("ブロードキャスト指定でグローバルチャンネルにも発行される", func(t *testing.T) {
		t.Parallel()

		publisher := &stubPublisher{}
		sender := NewSender(&stubStore{}, &stubPusher{}, publisher)

		_, err := sender.Execute(testContext(t), SendRequest{
			Message:   "全員向け",
			Type:      "SYSTEM",
			Recipient: "user-1",
			Broadcast: true,
		})
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}

		if len(publisher.channels) != 2 {
			t.Fatalf("発行先の数が一致しない: %v", publisher.channels)
		}
		if publisher.channels[1] != envelope.GlobalChannel {
			t.Errorf("グローバルチャンネルへ発行されていない: %v", publisher.channels)
		}
	})

	t.Run("有効期限時間の指定が反映される", func(t *testing.T) {
		t.Parallel()

		store := &stubStore{}
		sender := NewSender(store, &stubPusher{}, &stubPublisher{})

		_, err := sender.Execute(testContext(t), SendRequest{
			Message:        "期限付き",
			Type:           "REMINDER",
			Recipient:      "user-1",
			ExpiresInHours: 24,
		})
		if err != nil {
			t.Fatalf("予期しないエラー: %v", err)
		}
		if store.saved[0].ExpiresAt == nil {
			t.Error("有効期限が設定されていない")
		}
	})
}
