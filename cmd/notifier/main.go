// 通知サービスのエントリポイント。
// 通知の受理・永続化・ライブ配信を1プロセスで担当する。
// REDIS_ADDRが設定されている場合はRedis Pub/Subで複数プロセス間の
// 配信を中継し、未設定の場合はプロセス内リレーで動作する。
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/azapokou-art/realtime-notifications/internal/hub"
	"github.com/azapokou-art/realtime-notifications/internal/notification"
	"github.com/azapokou-art/realtime-notifications/internal/relay"
)

func main() {
	// .envが存在すれば読み込む。本番では環境変数を直接設定する。
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf(".envの読み込みをスキップしました: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "notifications.db"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("データベースのオープンに失敗: %v", err)
	}
	defer db.Close()

	store, err := notification.NewSQLiteStore(db)
	if err != nil {
		log.Fatalf("ストアの初期化に失敗: %v", err)
	}

	transport, err := newTransport(ctx)
	if err != nil {
		log.Fatalf("リレートランスポートの初期化に失敗: %v", err)
	}

	r := relay.New(transport)
	r.Start(ctx)
	defer r.Close()

	h := hub.New()
	if err := notification.NewSubscriber(r, h).Start(ctx); err != nil {
		log.Fatalf("リレー購読の開始に失敗: %v", err)
	}

	purger := notification.NewPurger(store, purgeInterval())
	purger.Start(ctx)
	defer purger.Stop()

	server := notification.NewServer(port, store, h, notification.NewSender(store, h, r))

	errCh := make(chan error, 1)
	go func() {
		log.Printf("通知サービスを起動します: :%s", port)
		errCh <- server.Run()
	}()

	select {
	case err := <-errCh:
		log.Fatalf("通知サービスの起動に失敗: %v", err)
	case <-ctx.Done():
		log.Println("シグナルを受信したため通知サービスを停止します")
	}
}

// newTransport はREDIS_ADDRの有無に応じてリレーのトランスポートを選択する。
func newTransport(ctx context.Context) (relay.Transport, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		log.Println("REDIS_ADDRが未設定のためプロセス内リレーで動作します")
		return relay.NewLoopback(), nil
	}
	return relay.NewRedisTransport(ctx, addr)
}

// purgeInterval はPURGE_INTERVALから掃除間隔を読み取る。未設定は0を返し、
// Purger側のデフォルト間隔に委ねる。
func purgeInterval() time.Duration {
	raw := os.Getenv("PURGE_INTERVAL")
	if raw == "" {
		return 0
	}
	interval, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("PURGE_INTERVALの解析に失敗したためデフォルト間隔を使用します: %v", err)
		return 0
	}
	return interval
}
