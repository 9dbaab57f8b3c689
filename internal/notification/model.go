package notification

import (
	"fmt"
	"time"
)

// Type は通知の種類を表す閉じた列挙型。
// プロセス内では検証済みの値のみが流通し、文字列からの変換は
// システム境界（リクエスト受付・ストレージ読み出し）のParseTypeでのみ行う。
type Type string

const (
	// TypeSystem はシステム通知を表す。システム通知は削除できない。
	TypeSystem Type = "SYSTEM"
	// TypeMessage はユーザー間メッセージの通知を表す。
	TypeMessage Type = "MESSAGE"
	// TypeAlert は警告通知を表す。
	TypeAlert Type = "ALERT"
	// TypePromotion はプロモーション通知を表す。
	TypePromotion Type = "PROMOTION"
	// TypeSecurity はセキュリティ関連の通知を表す。
	TypeSecurity Type = "SECURITY"
	// TypeReminder はリマインダー通知を表す。
	TypeReminder Type = "REMINDER"
)

// ParseType は文字列を通知種類に変換する。
// 列挙に含まれない値は拒否し、暗黙の変換は行わない。
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeSystem, TypeMessage, TypeAlert, TypePromotion, TypeSecurity, TypeReminder:
		return Type(s), nil
	default:
		return "", fmt.Errorf("通知種類が不正です: %q", s)
	}
}

// Priority は通知の優先度を表す閉じた列挙型。
type Priority string

const (
	// PriorityLow は低優先度を表す。
	PriorityLow Priority = "LOW"
	// PriorityNormal は標準優先度を表す。未指定時のデフォルト。
	PriorityNormal Priority = "NORMAL"
	// PriorityHigh は高優先度を表す。
	PriorityHigh Priority = "HIGH"
	// PriorityUrgent は緊急を表す。
	PriorityUrgent Priority = "URGENT"
)

// ParsePriority は文字列を優先度に変換する。空文字列はデフォルトのNORMALになる。
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(s), nil
	default:
		return "", fmt.Errorf("優先度が不正です: %q", s)
	}
}

// Notification は永続化される通知レコード。
// IDとCreatedAtはストレージが保存時に割り当て、以後変更されない。
// 保存後に変化するのは既読状態と有効期限のみ。
type Notification struct {
	// ID は通知の一意識別子。保存時にストレージが割り当てる。
	ID string `json:"id"`
	// Message は通知メッセージ。空でなく、トリム後500文字以内。
	Message string `json:"message"`
	// Type は通知の種類。
	Type Type `json:"type"`
	// Priority は通知の優先度。
	Priority Priority `json:"priority"`
	// Recipient は宛先ユーザーのID。
	Recipient string `json:"recipient"`
	// Read は既読状態。既読・未読操作でのみ変更される。
	Read bool `json:"read"`
	// CreatedAt は作成日時。保存時にストレージが割り当てる。
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt は有効期限。nilの場合は無期限。
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsDeletable は通常の削除経路でこの通知を削除できるかを返す。
// システム通知は削除できない。
func (n *Notification) IsDeletable() bool {
	return n.Type != TypeSystem
}

// IsExpired は有効期限が設定されており、かつ現在時刻がそれを過ぎているかを返す。
func (n *Notification) IsExpired() bool {
	if n.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*n.ExpiresAt)
}

// SetExpiration は現在時刻から指定時間後に期限切れとなるよう有効期限を設定する。
func (n *Notification) SetExpiration(hours int) {
	expiresAt := time.Now().UTC().Add(time.Duration(hours) * time.Hour)
	n.ExpiresAt = &expiresAt
}
