package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// Handler はチャンネルに届いたメッセージを処理するコールバック。
// messageはJSONデコード済みの値（デコード不能な場合は生の文字列）、
// channelは実際に発行されたチャンネル名。パターン購読の場合、
// channelからワイルドカードに束縛された値を取り出せる。
type Handler func(message any, channel string)

// Message はトランスポートから受信した生のメッセージ。
// 同じ発行がチャンネル購読とパターン購読の両方に一致する場合、
// トランスポートは購読ごとに1件のMessageを届ける。
type Message struct {
	// Channel は実際に発行されたチャンネル名。
	Channel string
	// Pattern はこの受信を発生させた購読パターン。
	// 完全一致購読で受信した場合は空文字列。
	Pattern string
	// Payload はシリアライズ済みのメッセージ本文。
	Payload []byte
}

// Transport はリレーの下回りとなるPub/Sub伝送路。
// Redis Pub/Subやテスト用のインプロセス実装がこれを実装する。
type Transport interface {
	// Publish はチャンネルへメッセージを発行し、受信者数を返す。
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	// Subscribe は完全一致チャンネルの購読を開始する。
	Subscribe(ctx context.Context, channel string) error
	// PSubscribe はパターン購読を開始する。
	PSubscribe(ctx context.Context, pattern string) error
	// Unsubscribe は完全一致チャンネルの購読を解除する。
	Unsubscribe(ctx context.Context, channel string) error
	// PUnsubscribe はパターン購読を解除する。
	PUnsubscribe(ctx context.Context, pattern string) error
	// Messages は受信メッセージのストリームを返す。
	// トランスポートが閉じられるとチャネルはクローズされる。
	Messages() <-chan Message
	// Close はトランスポートを閉じ、受信ストリームを終了させる。
	Close() error
}

// Relay はチャンネル名をキーとするプロセス間Pub/Subリレー。
// 完全一致購読とワイルドカードパターン購読の両方をサポートする。
// ファイア・アンド・フォーゲットであり、メッセージの永続化は行わない。
type Relay struct {
	// transport はメッセージの伝送路。
	transport Transport
	// mu は購読テーブルを保護するミューテックス。
	mu sync.RWMutex
	// exact は完全一致チャンネル名からハンドラへのマップ。
	exact map[string]Handler
	// patterns はコンパイル済みパターンからハンドラへのマップ。
	// キーは元のパターン文字列で、同一パターンの再購読はハンドラを置き換える。
	patterns map[string]*patternSubscription
	// cancel は受信ループを停止するためのキャンセル関数。
	cancel context.CancelFunc
}

// patternSubscription はパターン購読のエントリ。
type patternSubscription struct {
	// pattern はコンパイル済みのパターン。
	pattern *pattern
	// handler はパターンに一致したメッセージを処理するハンドラ。
	handler Handler
}

// New は指定されたトランスポートの上に新しいリレーを生成する。
func New(transport Transport) *Relay {
	return &Relay{
		transport: transport,
		exact:     make(map[string]Handler),
		patterns:  make(map[string]*patternSubscription),
	}
}

// Start はバックグラウンドで受信ループを開始する。
// トランスポートから届いたメッセージを購読テーブルに従ってディスパッチする。
func (r *Relay) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go func() {
		log.Println("[Relay] 受信ループを開始します")
		for {
			select {
			case <-ctx.Done():
				log.Println("[Relay] 受信ループを停止しました")
				return
			case msg, ok := <-r.transport.Messages():
				if !ok {
					log.Println("[Relay] トランスポートが閉じられたため受信ループを終了します")
					return
				}
				r.dispatch(msg)
			}
		}
	}()
}

// Stop は受信ループを停止する。
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Close は受信ループを停止し、トランスポートを閉じる。
func (r *Relay) Close() error {
	r.Stop()
	if err := r.transport.Close(); err != nil {
		return fmt.Errorf("トランスポートのクローズに失敗: %w", err)
	}
	return nil
}

// Publish はメッセージをJSONにシリアライズしてチャンネルへ発行する。
// 戻り値はトランスポートが報告した受信者数。リレーは永続キューではないため、
// 購読者が不在であれば0になり得る。
func (r *Relay) Publish(ctx context.Context, channel string, message any) (int64, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return 0, fmt.Errorf("メッセージのシリアライズに失敗: %w", err)
	}

	count, err := r.transport.Publish(ctx, channel, payload)
	if err != nil {
		return 0, fmt.Errorf("チャンネル %s への発行に失敗: %w", channel, err)
	}
	return count, nil
}

// Subscribe はチャンネル名またはパターンにハンドラを登録する。
// 同じ名前・パターンへの再購読はハンドラを置き換える。
func (r *Relay) Subscribe(ctx context.Context, channelOrPattern string, handler Handler) error {
	if isPattern(channelOrPattern) {
		if err := r.transport.PSubscribe(ctx, channelOrPattern); err != nil {
			return fmt.Errorf("パターン %s の購読に失敗: %w", channelOrPattern, err)
		}
		r.mu.Lock()
		r.patterns[channelOrPattern] = &patternSubscription{
			pattern: compilePattern(channelOrPattern),
			handler: handler,
		}
		r.mu.Unlock()
		return nil
	}

	if err := r.transport.Subscribe(ctx, channelOrPattern); err != nil {
		return fmt.Errorf("チャンネル %s の購読に失敗: %w", channelOrPattern, err)
	}
	r.mu.Lock()
	r.exact[channelOrPattern] = handler
	r.mu.Unlock()
	return nil
}

// Unsubscribe はチャンネル名またはパターンの購読を解除する。
// 登録されていない名前を指定してもエラーにならない。
func (r *Relay) Unsubscribe(ctx context.Context, channelOrPattern string) error {
	if isPattern(channelOrPattern) {
		if err := r.transport.PUnsubscribe(ctx, channelOrPattern); err != nil {
			return fmt.Errorf("パターン %s の購読解除に失敗: %w", channelOrPattern, err)
		}
		r.mu.Lock()
		delete(r.patterns, channelOrPattern)
		r.mu.Unlock()
		return nil
	}

	if err := r.transport.Unsubscribe(ctx, channelOrPattern); err != nil {
		return fmt.Errorf("チャンネル %s の購読解除に失敗: %w", channelOrPattern, err)
	}
	r.mu.Lock()
	delete(r.exact, channelOrPattern)
	r.mu.Unlock()
	return nil
}

// dispatch は受信メッセージを、その受信を発生させた購読のハンドラへ配送する。
// 受信1件につきハンドラは1回だけ呼ばれる。パターン受信は構造一致を
// 再検査するため、下回りのグロブが過剰に配送したメッセージはここで落ちる。
func (r *Relay) dispatch(msg Message) {
	r.mu.RLock()
	var handler Handler
	if msg.Pattern != "" {
		if sub, ok := r.patterns[msg.Pattern]; ok && sub.pattern.match(msg.Channel) {
			handler = sub.handler
		}
	} else if h, ok := r.exact[msg.Channel]; ok {
		handler = h
	}
	r.mu.RUnlock()

	if handler == nil {
		return
	}
	r.invoke(handler, decodePayload(msg.Payload), msg.Channel)
}

// invoke はハンドラを1つ実行する。ハンドラ内のパニックは回復してログに記録し、
// 他のハンドラへの配送と受信ループを継続させる。
func (r *Relay) invoke(handler Handler, message any, channel string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[Relay] ハンドラがパニックしました: channel=%s: %v", channel, rec)
		}
	}()
	handler(message, channel)
}

// decodePayload はペイロードのJSONデコードを試みる。
// デコードに失敗した場合は生の文字列をそのまま返し、配送自体は失敗させない。
func decodePayload(payload []byte) any {
	var message any
	if err := json.Unmarshal(payload, &message); err != nil {
		return string(payload)
	}
	return message
}
