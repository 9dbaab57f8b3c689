package notification

import (
	"context"
	"log"
	"time"
)

// Purger は有効期限を過ぎた通知を定期的に物理削除するバックグラウンドプロセス。
// SQLiteには有効期限による自動削除が無いため、定期実行で代替する。
type Purger struct {
	// store は削除対象を保持するストア。
	store Store
	// interval は掃除の実行間隔。
	interval time.Duration
	// cancel はバックグラウンドゴルーチンを停止するためのキャンセル関数。
	cancel context.CancelFunc
}

// defaultPurgeInterval は掃除のデフォルト実行間隔。
const defaultPurgeInterval = 1 * time.Minute

// NewPurger は新しいPurgerを生成する。
// intervalに0以下を指定した場合はデフォルト間隔を使用する。
func NewPurger(store Store, interval time.Duration) *Purger {
	if interval <= 0 {
		interval = defaultPurgeInterval
	}
	return &Purger{
		store:    store,
		interval: interval,
	}
}

// Start はバックグラウンドで定期掃除を開始する。
func (p *Purger) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	go func() {
		log.Printf("[Purger] 期限切れ通知の定期掃除を開始します: interval=%s", p.interval)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("[Purger] 定期掃除を停止しました")
				return
			case <-ticker.C:
				p.purge(ctx)
			}
		}
	}()
}

// Stop はバックグラウンドの定期掃除を停止する。
func (p *Purger) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// purge は期限切れ通知を1回分削除する。
func (p *Purger) purge(ctx context.Context) {
	deleted, err := p.store.DeleteExpired(ctx)
	if err != nil {
		log.Printf("[Purger] 期限切れ通知の削除エラー: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("[Purger] 期限切れ通知を%d件削除しました", deleted)
	}
}
