package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound は指定されたIDの通知が存在しないことを表す。
var ErrNotFound = errors.New("通知が見つかりません")

// ListOptions は宛先別一覧取得の絞り込み条件。
type ListOptions struct {
	// Limit は取得件数の上限。0以下の場合はデフォルト（50件）。
	Limit int
	// Offset は読み飛ばす件数。
	Offset int
	// Read は既読状態での絞り込み。nilの場合は絞り込まない。
	Read *bool
}

// UpdateFields は更新可能なフィールドの指定。
// 保存後に変更できるのは既読状態と有効期限のみ。
type UpdateFields struct {
	// Read は既読状態の新しい値。nilの場合は変更しない。
	Read *bool
	// ExpiresAt は有効期限の新しい値。
	ExpiresAt *time.Time
	// ClearExpiresAt がtrueの場合、有効期限を取り消して無期限にする。
	ClearExpiresAt bool
}

// Store は通知レコードの永続化を担うストレージコラボレータ。
type Store interface {
	// Save は通知を保存し、IDと作成日時を割り当てた結果を返す。
	Save(ctx context.Context, n *Notification) (*Notification, error)
	// FindByID はIDで通知を取得する。存在しない場合はErrNotFound。
	FindByID(ctx context.Context, id string) (*Notification, error)
	// FindByRecipient は宛先ユーザーの通知を新着順で取得する。
	FindByRecipient(ctx context.Context, recipient string, opts ListOptions) ([]*Notification, error)
	// Update は指定フィールドを更新し、更新後のレコードを返す。
	// 存在しない場合はErrNotFound。
	Update(ctx context.Context, id string, fields UpdateFields) (*Notification, error)
	// Delete は通知を削除し、削除が行われたかを返す。
	Delete(ctx context.Context, id string) (bool, error)
	// MarkAsRead は通知を既読にし、更新後のレコードを返す。冪等。
	MarkAsRead(ctx context.Context, id string) (*Notification, error)
	// MarkAsUnread は通知を未読にし、更新後のレコードを返す。冪等。
	MarkAsUnread(ctx context.Context, id string) (*Notification, error)
	// UnreadCount は宛先ユーザーの未読通知数を返す。
	UnreadCount(ctx context.Context, recipient string) (int64, error)
	// DeleteExpired は有効期限を過ぎた通知を物理削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// defaultListLimit は一覧取得のデフォルト件数。
const defaultListLimit = 50

// SQLiteStore はSQLiteを使用するStoreの実装。
type SQLiteStore struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// インターフェースの実装を強制する。
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore はスキーマ適用済みの新しいストアを生成する。
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := initSchema(db); err != nil {
		return nil, fmt.Errorf("ストアの初期化に失敗: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save は通知を保存する。IDと作成日時はここで割り当てられる。
func (s *SQLiteStore) Save(ctx context.Context, n *Notification) (*Notification, error) {
	saved := *n
	saved.ID = uuid.New().String()
	saved.CreatedAt = time.Now().UTC()

	var expiresAt sql.NullTime
	if saved.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: saved.ExpiresAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, message, type, priority, recipient, read, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		saved.ID, saved.Message, string(saved.Type), string(saved.Priority),
		saved.Recipient, boolToInt(saved.Read), saved.CreatedAt, expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("通知の保存に失敗: %w", err)
	}
	return &saved, nil
}

// FindByID はIDで通知を取得する。
func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message, type, priority, recipient, read, created_at, expires_at
		FROM notifications WHERE id = ?`, id)
	return scanNotification(row)
}

// FindByRecipient は宛先ユーザーの通知を新着順で取得する。
func (s *SQLiteStore) FindByRecipient(ctx context.Context, recipient string, opts ListOptions) ([]*Notification, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, message, type, priority, recipient, read, created_at, expires_at
		FROM notifications WHERE recipient = ?`
	args := []any{recipient}

	if opts.Read != nil {
		query += " AND read = ?"
		args = append(args, boolToInt(*opts.Read))
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	notifications := make([]*Notification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通知一覧の読み取りに失敗: %w", err)
	}
	return notifications, nil
}

// Update は既読状態と有効期限を更新し、更新後のレコードを返す。
func (s *SQLiteStore) Update(ctx context.Context, id string, fields UpdateFields) (*Notification, error) {
	if fields.Read != nil {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE notifications SET read = ? WHERE id = ?", boolToInt(*fields.Read), id); err != nil {
			return nil, fmt.Errorf("既読状態の更新に失敗: %w", err)
		}
	}
	if fields.ClearExpiresAt {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE notifications SET expires_at = NULL WHERE id = ?", id); err != nil {
			return nil, fmt.Errorf("有効期限の取り消しに失敗: %w", err)
		}
	} else if fields.ExpiresAt != nil {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE notifications SET expires_at = ? WHERE id = ?", fields.ExpiresAt.UTC(), id); err != nil {
			return nil, fmt.Errorf("有効期限の更新に失敗: %w", err)
		}
	}
	return s.FindByID(ctx, id)
}

// Delete は通知を削除する。削除対象が存在しなかった場合はfalseを返す。
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM notifications WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("通知の削除に失敗: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return affected > 0, nil
}

// MarkAsRead は通知を既読にする。既に既読でも同じ結果を返す（冪等）。
func (s *SQLiteStore) MarkAsRead(ctx context.Context, id string) (*Notification, error) {
	read := true
	return s.Update(ctx, id, UpdateFields{Read: &read})
}

// MarkAsUnread は通知を未読にする。既に未読でも同じ結果を返す（冪等）。
func (s *SQLiteStore) MarkAsUnread(ctx context.Context, id string) (*Notification, error) {
	read := false
	return s.Update(ctx, id, UpdateFields{Read: &read})
}

// UnreadCount は宛先ユーザーの未読通知数を返す。
func (s *SQLiteStore) UnreadCount(ctx context.Context, recipient string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notifications WHERE recipient = ? AND read = 0", recipient).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("未読数の取得に失敗: %w", err)
	}
	return count, nil
}

// DeleteExpired は有効期限を過ぎた通知を物理削除する。
func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at <= ?", time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("期限切れ通知の削除に失敗: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return deleted, nil
}

// rowScanner はsql.Rowとsql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanNotification は1行を通知レコードに変換する。
func scanNotification(row rowScanner) (*Notification, error) {
	var (
		n         Notification
		typeStr   string
		priority  string
		read      int64
		expiresAt sql.NullTime
	)
	err := row.Scan(&n.ID, &n.Message, &typeStr, &priority, &n.Recipient, &read, &n.CreatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("通知レコードの読み取りに失敗: %w", err)
	}

	// ストレージ由来の値もシステム境界として列挙の検証を通す
	n.Type, err = ParseType(typeStr)
	if err != nil {
		return nil, fmt.Errorf("保存済みレコードの種類が不正: %w", err)
	}
	n.Priority, err = ParsePriority(priority)
	if err != nil {
		return nil, fmt.Errorf("保存済みレコードの優先度が不正: %w", err)
	}

	n.Read = read != 0
	if expiresAt.Valid {
		t := expiresAt.Time
		n.ExpiresAt = &t
	}
	return &n, nil
}

// boolToInt はSQLiteのINTEGER型で表現する真偽値に変換する。
func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
