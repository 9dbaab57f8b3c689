package relay

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// RedisTransport はRedis Pub/Subを伝送路とするトランスポート。
// 発行用のクライアントと購読用のPubSubを分けて保持する（Redisの購読接続は
// 購読系コマンド専用になるため）。
//
// RedisのPSUBSCRIBEのグロブは * がセグメント区切りを越えて一致するが、
// 過剰に配送されたメッセージはリレー側の構造一致チェックで除外される。
type RedisTransport struct {
	// client は発行とヘルスチェックに使用するRedisクライアント。
	client *redis.Client
	// pubsub は購読専用の接続。完全一致とパターンの両方をここで購読する。
	pubsub *redis.PubSub
	// messages は受信メッセージを受信ループへ渡すチャネル。
	messages chan Message
	// cancel は変換ゴルーチンを停止するためのキャンセル関数。
	cancel context.CancelFunc
}

// NewRedisTransport はRedisへ接続し、新しいトランスポートを生成する。
// addrには "localhost:6379" 形式のアドレスを指定する。
func NewRedisTransport(ctx context.Context, addr string) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}

	// 購読チャンネル未指定でPubSubを開き、後からSubscribe/PSubscribeで追加する
	pubsub := client.Subscribe(ctx)

	ctx, cancel := context.WithCancel(ctx)
	t := &RedisTransport{
		client:   client,
		pubsub:   pubsub,
		messages: make(chan Message, loopbackBuffer),
		cancel:   cancel,
	}
	go t.forward(ctx)

	log.Printf("[Relay] Redisトランスポートを初期化しました: addr=%s", addr)
	return t, nil
}

// forward はRedisからの受信メッセージをMessagesストリームへ変換する。
// pmessageで届いた受信は発生元のパターンを保持したまま渡す。
// 同じ発行がチャンネル購読とパターン購読の両方に一致した場合、
// Redisは受信を2件届けるため、どちらの購読の受信かをここで失わせない。
func (t *RedisTransport) forward(ctx context.Context) {
	defer close(t.messages)

	ch := t.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case t.messages <- Message{Channel: msg.Channel, Pattern: msg.Pattern, Payload: []byte(msg.Payload)}:
			default:
				// 受信側が詰まっている場合は破棄する。リレーは永続キューではない。
				log.Printf("[Relay] 受信バッファが満杯のためメッセージを破棄: channel=%s", msg.Channel)
			}
		}
	}
}

// Publish はチャンネルへメッセージを発行し、Redisが報告した受信者数を返す。
func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	count, err := t.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("RedisへのPUBLISHに失敗: %w", err)
	}
	return count, nil
}

// Subscribe は完全一致チャンネルの購読を開始する。
func (t *RedisTransport) Subscribe(ctx context.Context, channel string) error {
	if err := t.pubsub.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("RedisのSUBSCRIBEに失敗: %w", err)
	}
	return nil
}

// PSubscribe はパターン購読を開始する。
func (t *RedisTransport) PSubscribe(ctx context.Context, pattern string) error {
	if err := t.pubsub.PSubscribe(ctx, pattern); err != nil {
		return fmt.Errorf("RedisのPSUBSCRIBEに失敗: %w", err)
	}
	return nil
}

// Unsubscribe は完全一致チャンネルの購読を解除する。
func (t *RedisTransport) Unsubscribe(ctx context.Context, channel string) error {
	if err := t.pubsub.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("RedisのUNSUBSCRIBEに失敗: %w", err)
	}
	return nil
}

// PUnsubscribe はパターン購読を解除する。
func (t *RedisTransport) PUnsubscribe(ctx context.Context, pattern string) error {
	if err := t.pubsub.PUnsubscribe(ctx, pattern); err != nil {
		return fmt.Errorf("RedisのPUNSUBSCRIBEに失敗: %w", err)
	}
	return nil
}

// Messages は受信メッセージのストリームを返す。
func (t *RedisTransport) Messages() <-chan Message {
	return t.messages
}

// Close は購読接続とRedisクライアントを閉じる。
func (t *RedisTransport) Close() error {
	t.cancel()
	if err := t.pubsub.Close(); err != nil {
		return fmt.Errorf("Redis購読接続のクローズに失敗: %w", err)
	}
	if err := t.client.Close(); err != nil {
		return fmt.Errorf("Redisクライアントのクローズに失敗: %w", err)
	}
	return nil
}
