package relay

import (
	"context"
	"errors"
	"sync"
)

// Loopback はインプロセスで完結するトランスポート。
// 単一プロセス構成の本番運用とテストで使用する。Redisと同様に、
// 完全一致購読とパターン購読の両方へメッセージを配送し、受信者数を報告する。
type Loopback struct {
	// mu は購読状態とclosedを保護するミューテックス。
	mu sync.Mutex
	// channels は完全一致で購読中のチャンネル名の集合。
	channels map[string]struct{}
	// patterns は購読中のコンパイル済みパターン。キーは元のパターン文字列。
	patterns map[string]*pattern
	// messages は受信メッセージを受信ループへ渡すチャネル。
	messages chan Message
	// closed はトランスポートが閉じられたかどうか。
	closed bool
}

// loopbackBuffer は受信チャネルのバッファサイズ。
// 発行側をブロックさせないための余裕を持たせる。
const loopbackBuffer = 256

// NewLoopback は新しいインプロセストランスポートを生成する。
func NewLoopback() *Loopback {
	return &Loopback{
		channels: make(map[string]struct{}),
		patterns: make(map[string]*pattern),
		messages: make(chan Message, loopbackBuffer),
	}
}

// Publish はチャンネルへメッセージを発行する。
// 一致した購読ごとに1件の受信を届け、その件数を受信者数として返す。
// Redisと同様、完全一致購読とパターン購読の両方に一致する発行は
// それぞれの購読へ別々の受信として配送される。
func (l *Loopback) Publish(_ context.Context, channel string, payload []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, errors.New("トランスポートは閉じられています")
	}

	receipts := make([]Message, 0, 2)
	if _, ok := l.channels[channel]; ok {
		receipts = append(receipts, Message{Channel: channel, Payload: payload})
	}
	for raw, p := range l.patterns {
		if p.match(channel) {
			receipts = append(receipts, Message{Channel: channel, Pattern: raw, Payload: payload})
		}
	}

	for _, msg := range receipts {
		select {
		case l.messages <- msg:
		default:
			// バッファ満杯時は破棄する。リレーは永続キューではない。
			return 0, errors.New("受信バッファが満杯です")
		}
	}
	return int64(len(receipts)), nil
}

// Subscribe は完全一致チャンネルの購読を開始する。
func (l *Loopback) Subscribe(_ context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("トランスポートは閉じられています")
	}
	l.channels[channel] = struct{}{}
	return nil
}

// PSubscribe はパターン購読を開始する。
func (l *Loopback) PSubscribe(_ context.Context, raw string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("トランスポートは閉じられています")
	}
	l.patterns[raw] = compilePattern(raw)
	return nil
}

// Unsubscribe は完全一致チャンネルの購読を解除する。
func (l *Loopback) Unsubscribe(_ context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.channels, channel)
	return nil
}

// PUnsubscribe はパターン購読を解除する。
func (l *Loopback) PUnsubscribe(_ context.Context, raw string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.patterns, raw)
	return nil
}

// Messages は受信メッセージのストリームを返す。
func (l *Loopback) Messages() <-chan Message {
	return l.messages
}

// Close はトランスポートを閉じ、受信ストリームを終了させる。
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.messages)
	return nil
}
