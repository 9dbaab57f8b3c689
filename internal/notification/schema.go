package notification

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。
const schema = `
CREATE TABLE IF NOT EXISTS notifications (
    -- 通知の一意識別子（UUID）
    id TEXT PRIMARY KEY,
    -- 通知メッセージ（トリム済み、500文字以内）
    message TEXT NOT NULL,
    -- 通知の種類（SYSTEM/MESSAGE/ALERT/PROMOTION/SECURITY/REMINDER）
    type TEXT NOT NULL,
    -- 通知の優先度（LOW/NORMAL/HIGH/URGENT）
    priority TEXT NOT NULL DEFAULT 'NORMAL',
    -- 宛先ユーザーのID
    recipient TEXT NOT NULL,
    -- 既読状態
    read INTEGER NOT NULL DEFAULT 0,
    -- 作成日時
    created_at DATETIME NOT NULL,
    -- 有効期限。NULLは無期限
    expires_at DATETIME
);

-- 宛先ごとの新着順一覧を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_notifications_recipient_created
    ON notifications(recipient, created_at DESC);

-- 未読数の集計と未読一覧を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_notifications_recipient_unread
    ON notifications(recipient, read) WHERE read = 0;

-- 期限切れレコードの掃除を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_notifications_expires_at
    ON notifications(expires_at) WHERE expires_at IS NOT NULL;
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
