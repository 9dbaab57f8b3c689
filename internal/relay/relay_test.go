package relay

import (
	"context"
	"sync"
	"testing"
	"time"
)

// received はハンドラが受け取ったメッセージの記録。
type received struct {
	message any
	channel string
}

// newTestRelay はループバックトランスポート上のリレーを構築し、受信ループを開始する。
func newTestRelay(t *testing.T) *Relay {
	t.Helper()

	transport := NewLoopback()
	r := New(transport)
	r.Start(testContext(t))
	t.Cleanup(func() {
		if err := r.Close(); err != nil {
			t.Errorf("リレーのクローズに失敗: %v", err)
		}
	})
	return r
}

// waitReceived はハンドラの受信を最大2秒待つ。
func waitReceived(t *testing.T, ch <-chan received) received {
	t.Helper()

	select {
	case got := <-ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("メッセージの受信がタイムアウトした")
		return received{}
	}
}

// assertNotReceived は一定時間メッセージが届かないことを確認する。
func assertNotReceived(t *testing.T, ch <-chan received) {
	t.Helper()

	select {
	case got := <-ch:
		t.Fatalf("届かないはずのメッセージを受信した: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestExactSubscription は完全一致購読の配送を検証する。
func TestExactSubscription(t *testing.T) {
	t.Parallel()

	t.Run("発行したメッセージが購読者に1回だけ届く", func(t *testing.T) {
		t.Parallel()

		r := newTestRelay(t)
		ch := make(chan received, 4)
		if err := r.Subscribe(testContext(t), "notifications:global", func(msg any, channel string) {
			ch <- received{message: msg, channel: channel}
		}); err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}

		count, err := r.Publish(testContext(t), "notifications:global", map[string]string{"hello": "world"})
		if err != nil {
			t.Fatalf("Publish()でエラーが発生: %v", err)
		}
		if count != 1 {
			t.Errorf("受信者数: got %d, want 1", count)
		}

		got := waitReceived(t, ch)
		if got.channel != "notifications:global" {
			t.Errorf("channel = %q, want %q", got.channel, "notifications:global")
		}
		decoded, ok := got.message.(map[string]any)
		if !ok {
			t.Fatalf("メッセージがデコードされていない: %T", got.message)
		}
		if decoded["hello"] != "world" {
			t.Errorf("hello = %v, want world", decoded["hello"])
		}

		assertNotReceived(t, ch)
	})

	t.Run("購読していないチャンネルへの発行は受信者0", func(t *testing.T) {
		t.Parallel()

		r := newTestRelay(t)
		count, err := r.Publish(testContext(t), "notifications:nobody", "msg")
		if err != nil {
			t.Fatalf("Publish()でエラーが発生: %v", err)
		}
		if count != 0 {
			t.Errorf("受信者数: got %d, want 0", count)
		}
	})

	t.Run("同じチャンネルへの再購読はハンドラを置き換える", func(t *testing.T) {
		t.Parallel()

		r := newTestRelay(t)
		oldCh := make(chan received, 4)
		newCh := make(chan received, 4)

		if err := r.Subscribe(testContext(t), "ch", func(msg any, channel string) {
			oldCh <- received{message: msg, channel: channel}
		}); err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		if err := r.Subscribe(testContext(t), "ch", func(msg any, channel string) {
			newCh <- received{message: msg, channel: channel}
		}); err != nil {
			t.Fatalf("再購読でエラーが発生: %v", err)
		}

		if _, err := r.Publish(testContext(t), "ch", "msg"); err != nil {
			t.Fatalf("Publish()でエラーが発生: %v", err)
		}

		waitReceived(t, newCh)
		assertNotReceived(t, oldCh)
	})
}

// TestPatternSubscription はパターン購読の配送を検証する。
func TestPatternSubscription(t *testing.T) {
	t.Parallel()

	t.Run("パターン購読者には実際のチャンネル名が渡される", func(t *testing.T) {
		t.Parallel()

		r := newTestRelay(t)
		ch := make(chan received, 4)
		if err := r.Subscribe(testContext(t), "notifications:user:*", func(msg any, channel string) {
			ch <- received{message: msg, channel: channel}
		}); err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}

		if _, err := r.Publish(testContext(t), "notifications:user:42", "hello"); err != nil {
			t.Fatalf("Publish()でエラーが発生: %v", err)
		}

		got := waitReceived(t, ch)
		if got.channel != "notifications:user:42" {
			t.Errorf("channel = %q, want %q", got.channel, "notifications:user:42")
		}
	})

	t.Run("セグメント数が一致しないチャンネルには反応しない", func(t *testing.T) {
		t.Parallel()

		r := newTestRelay(t)
		ch := make(chan received, 4)
		if err := r.Subscribe(testContext(t), "notifications:user:*", func(msg any, channel string) {
			ch <- received{message: msg, channel: channel}
		}); err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}

		if _, err := r.Publish(testContext(t), "notifications:user:42:extra", "hello"); err != nil {
			t.Fatalf("Publish()でエラーが発生: %v", err)
		}

		assertNotReceived(t, ch)
	})

	t.Run("完全一致とパターンの両方が登録されていれば両方呼ばれる", func(t *testing.T) {
		t.Parallel()

		r := newTestRelay(t)
		exactCh := make(chan received, 4)
		patternCh := make(chan received, 4)

		if err := r.Subscribe(testContext(t), "notifications:user:42", func(msg any, channel string) {
			exactCh <- received{message: msg, channel: channel}
		}); err != nil {
			t.Fatalf("完全一致購読でエラーが発生: %v", err)
		}
		if err := r.Subscribe(testContext(t), "notifications:user:*", func(msg any, channel string) {
			patternCh <- received{message: msg, channel: channel}
		}); err != nil {
			t.Fatalf("パターン購読でエラーが発生: %v", err)
		}

		count, err := r.Publish(testContext(t), "notifications:user:42", "hello")
		if err != nil {
			t.Fatalf("Publish()でエラーが発生: %v", err)
		}
		if count != 2 {
			t.Errorf("受信者数: got %d, want 2", count)
		}

		waitReceived(t, exactCh)
		waitReceived(t, patternCh)
	})
}

// TestUnsubscribe は購読解除を検証する。
func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	t.Run("解除後はメッセージが届かない", func(t *testing.T) {
		t.Parallel()

		r := newTestRelay(t)
		ch := make(chan received, 4)
		if err := r.Subscribe(testContext(t), "ch", func(msg any, channel string) {
			ch <- received{message: msg, channel: channel}
		}); err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}
		if err := r.Unsubscribe(testContext(t), "ch"); err != nil {
			t.Fatalf("Unsubscribe()でエラーが発生: %v", err)
		}

		count, err := r.Publish(testContext(t), "ch", "msg")
		if err != nil {
			t.Fatalf("Publish()でエラーが発生: %v", err)
		}
		if count != 0 {
			t.Errorf("受信者数: got %d, want 0", count)
		}
		assertNotReceived(t, ch)
	})

	t.Run("登録されていない名前の解除はエラーにならない", func(t *testing.T) {
		t.Parallel()

		r := newTestRelay(t)
		if err := r.Unsubscribe(testContext(t), "never-subscribed"); err != nil {
			t.Errorf("Unsubscribe()でエラーが発生: %v", err)
		}
		if err := r.Unsubscribe(testContext(t), "never:subscribed:*"); err != nil {
			t.Errorf("パターンのUnsubscribe()でエラーが発生: %v", err)
		}
	})
}

// feedTransport は受信メッセージをテスト側から直接注入するスタブトランスポート。
// 下回りが届ける受信の件数と形を厳密に制御したいテストで使用する。
type feedTransport struct {
	messages  chan Message
	closeOnce sync.Once
}

func newFeedTransport() *feedTransport {
	return &feedTransport{messages: make(chan Message, 16)}
}

func (f *feedTransport) Publish(_ context.Context, _ string, _ []byte) (int64, error) { return 0, nil }
func (f *feedTransport) Subscribe(_ context.Context, _ string) error                  { return nil }
func (f *feedTransport) PSubscribe(_ context.Context, _ string) error                 { return nil }
func (f *feedTransport) Unsubscribe(_ context.Context, _ string) error                { return nil }
func (f *feedTransport) PUnsubscribe(_ context.Context, _ string) error               { return nil }
func (f *feedTransport) Messages() <-chan Message                                     { return f.messages }

func (f *feedTransport) Close() error {
	f.closeOnce.Do(func() { close(f.messages) })
	return nil
}

// TestReceiptRouting は受信1件につきハンドラが1回だけ呼ばれることを検証する。
// Redisはチャンネル購読とパターン購読の両方に一致する発行を2件の受信として
// 届けるため、受信ごとに発生元の購読へだけ配送しないと二重配送になる。
func TestReceiptRouting(t *testing.T) {
	t.Parallel()

	// 購読と2件の受信注入を行い、各ハンドラの受信チャネルを返す
	setup := func(t *testing.T) (*feedTransport, <-chan received, <-chan received) {
		t.Helper()

		transport := newFeedTransport()
		r := New(transport)
		r.Start(testContext(t))
		t.Cleanup(func() { _ = r.Close() })

		exactCh := make(chan received, 4)
		patternCh := make(chan received, 4)
		if err := r.Subscribe(testContext(t), "notifications:user:42", func(msg any, channel string) {
			exactCh <- received{message: msg, channel: channel}
		}); err != nil {
			t.Fatalf("完全一致購読でエラーが発生: %v", err)
		}
		if err := r.Subscribe(testContext(t), "notifications:user:*", func(msg any, channel string) {
			patternCh <- received{message: msg, channel: channel}
		}); err != nil {
			t.Fatalf("パターン購読でエラーが発生: %v", err)
		}
		return transport, exactCh, patternCh
	}

	t.Run("二重に届いた受信でも各購読は1回ずつしか観測しない", func(t *testing.T) {
		t.Parallel()

		transport, exactCh, patternCh := setup(t)

		// 1回の発行に対してRedisが届ける2件の受信を再現する
		transport.messages <- Message{Channel: "notifications:user:42", Payload: []byte(`"hello"`)}
		transport.messages <- Message{Channel: "notifications:user:42", Pattern: "notifications:user:*", Payload: []byte(`"hello"`)}

		waitReceived(t, exactCh)
		waitReceived(t, patternCh)
		assertNotReceived(t, exactCh)
		assertNotReceived(t, patternCh)
	})

	t.Run("通常受信はパターンハンドラを呼ばない", func(t *testing.T) {
		t.Parallel()

		transport, exactCh, patternCh := setup(t)

		transport.messages <- Message{Channel: "notifications:user:42", Payload: []byte(`"hello"`)}

		waitReceived(t, exactCh)
		assertNotReceived(t, patternCh)
	})

	t.Run("構造的に一致しないパターン受信は破棄される", func(t *testing.T) {
		t.Parallel()

		transport, exactCh, patternCh := setup(t)

		// Redisのグロブはセグメント区切りを越えて一致するため、
		// 過剰に配送された受信はリレー側で落とす
		transport.messages <- Message{Channel: "notifications:user:42:extra", Pattern: "notifications:user:*", Payload: []byte(`"hello"`)}

		assertNotReceived(t, patternCh)
		assertNotReceived(t, exactCh)
	})
}

// TestDispatchRobustness は配送処理の頑健性を検証する。
func TestDispatchRobustness(t *testing.T) {
	t.Parallel()

	t.Run("JSONでないペイロードは生の文字列として渡される", func(t *testing.T) {
		t.Parallel()

		transport := NewLoopback()
		r := New(transport)
		r.Start(testContext(t))
		t.Cleanup(func() { _ = r.Close() })

		ch := make(chan received, 4)
		if err := r.Subscribe(testContext(t), "raw", func(msg any, channel string) {
			ch <- received{message: msg, channel: channel}
		}); err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}

		// リレーのPublishを通さず、トランスポートへ直接不正なJSONを流す
		if _, err := transport.Publish(testContext(t), "raw", []byte("not-json")); err != nil {
			t.Fatalf("トランスポートへの発行に失敗: %v", err)
		}

		got := waitReceived(t, ch)
		raw, ok := got.message.(string)
		if !ok {
			t.Fatalf("メッセージが文字列でない: %T", got.message)
		}
		if raw != "not-json" {
			t.Errorf("message = %q, want %q", raw, "not-json")
		}
	})

	t.Run("ハンドラのパニックが受信ループを止めない", func(t *testing.T) {
		t.Parallel()

		r := newTestRelay(t)
		if err := r.Subscribe(testContext(t), "panic-ch", func(_ any, _ string) {
			panic("テスト用パニック")
		}); err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}

		ch := make(chan received, 4)
		if err := r.Subscribe(testContext(t), "ok-ch", func(msg any, channel string) {
			ch <- received{message: msg, channel: channel}
		}); err != nil {
			t.Fatalf("Subscribe()でエラーが発生: %v", err)
		}

		if _, err := r.Publish(testContext(t), "panic-ch", "boom"); err != nil {
			t.Fatalf("Publish()でエラーが発生: %v", err)
		}
		if _, err := r.Publish(testContext(t), "ok-ch", "alive"); err != nil {
			t.Fatalf("Publish()でエラーが発生: %v", err)
		}

		// パニック後も後続のメッセージが配送されること
		got := waitReceived(t, ch)
		if got.channel != "ok-ch" {
			t.Errorf("channel = %q, want %q", got.channel, "ok-ch")
		}
	})

	t.Run("購読と発行の並行実行が安全である", func(t *testing.T) {
		t.Parallel()

		r := newTestRelay(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					_ = r.Subscribe(testContext(t), "stress", func(_ any, _ string) {})
					_, _ = r.Publish(testContext(t), "stress", j)
					_ = r.Unsubscribe(testContext(t), "stress")
				}
			}()
		}
		wg.Wait()
	})
}
