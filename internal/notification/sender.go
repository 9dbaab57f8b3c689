package notification

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/azapokou-art/realtime-notifications/pkg/envelope"
)

// maxMessageLength はトリム後のメッセージの最大文字数。
const maxMessageLength = 500

// ValidationError はリクエストが検証で拒否されたことを表す。
// 検証は永続化やネットワーク作用より前に行われるため、
// このエラーが返った時点で副作用は一切発生していない。
type ValidationError struct {
	// Reason は拒否理由。利用者に提示可能なメッセージ。
	Reason string
}

// Error はエラーメッセージを返す。
func (e *ValidationError) Error() string {
	return e.Reason
}

// Pusher はライブ接続への直接配信の能力。*hub.Hubが実装する。
type Pusher interface {
	// IsUserConnected はユーザーがライブ接続を持つかを返す。
	IsUserConnected(userID string) bool
	// SendToUser はユーザーの全ライブ接続へイベントを送信する。
	// 接続が1つでも存在した場合はtrueを返す。
	SendToUser(userID, event string, payload any) bool
}

// Publisher はリレーチャンネルへの発行の能力。*relay.Relayが実装する。
type Publisher interface {
	// Publish はチャンネルへメッセージを発行し、受信者数を返す。
	Publish(ctx context.Context, channel string, message any) (int64, error)
}

// SendRequest は通知送信のリクエスト。
type SendRequest struct {
	// Message は通知メッセージ。必須。前後の空白はトリムされる。
	Message string `json:"message"`
	// Type は通知の種類。必須。
	Type string `json:"type"`
	// Recipient は宛先ユーザーのID。必須。
	Recipient string `json:"recipient"`
	// Priority は通知の優先度。未指定の場合はNORMAL。
	Priority string `json:"priority"`
	// ExpiresInHours は指定時間後に通知を期限切れにする。0は無期限。
	ExpiresInHours int `json:"expires_in_hours"`
	// Broadcast がtrueの場合、宛先別チャンネルに加えて
	// グローバルチャンネルにも発行する。
	Broadcast bool `json:"broadcast"`
}

// SendResult は通知送信の結果。
// 直接配信とリレー発行はベストエフォートであり、その成否は
// リクエスト全体の成否とは独立にここで観測できる。
type SendResult struct {
	// Notification は永続化された通知レコード。
	Notification *Notification
	// Delivered はローカルのライブ接続への直接プッシュが行われたか。
	Delivered bool
	// Relayed はリレーチャンネルへの発行が成功したか。
	Relayed bool
}

// Sender は通知配信のユースケースを実行するオーケストレータ。
// 検証 → 永続化 → 直接配信 → リレー発行 の順に処理し、
// 永続化より前に配信やリレーが行われることはない。
type Sender struct {
	// store は通知レコードの永続化先。
	store Store
	// pusher はローカルのライブ接続への配信経路。
	pusher Pusher
	// publisher はプロセス間リレーへの発行経路。
	publisher Publisher
}

// NewSender は新しいオーケストレータを生成する。
func NewSender(store Store, pusher Pusher, publisher Publisher) *Sender {
	return &Sender{
		store:     store,
		pusher:    pusher,
		publisher: publisher,
	}
}

// Execute は通知を検証・永続化し、配信を試みる。
//
// 検証に失敗した場合は*ValidationErrorを返し、副作用は発生しない。
// 永続化に失敗した場合はエラーを返し、配信・リレーは行われない
// （保存されていない通知は後から取得できないため、配信してはならない）。
// 直接配信とリレー発行の失敗はリクエストを失敗させず、
// ログとSendResultのフラグでのみ観測される。
func (s *Sender) Execute(ctx context.Context, req SendRequest) (*SendResult, error) {
	n, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	saved, err := s.store.Save(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("通知の永続化に失敗: %w", err)
	}

	result := &SendResult{Notification: saved}

	// 宛先がこのプロセスに接続していれば直接プッシュする。
	// 保存済みのレコードは後から取得できるため、ここの失敗は致命的でない。
	if s.pusher.IsUserConnected(saved.Recipient) {
		result.Delivered = s.pusher.SendToUser(saved.Recipient, envelope.EventNotificationNew, saved)
	}

	// 宛先のライブ接続を保持している可能性のある他プロセスへ向けて、
	// ローカル接続の有無にかかわらず必ずリレーへ発行する。
	env, err := envelope.New(envelope.MessageTypeNewNotification, saved)
	if err != nil {
		log.Printf("[Sender] エンベロープの生成に失敗: id=%s: %v", saved.ID, err)
		return result, nil
	}

	if _, err := s.publisher.Publish(ctx, envelope.UserChannel(saved.Recipient), env); err != nil {
		log.Printf("[Sender] リレー発行に失敗: channel=%s: %v", envelope.UserChannel(saved.Recipient), err)
	} else {
		result.Relayed = true
	}

	if req.Broadcast {
		if _, err := s.publisher.Publish(ctx, envelope.GlobalChannel, env); err != nil {
			log.Printf("[Sender] グローバルチャンネルへの発行に失敗: %v", err)
		}
	}

	return result, nil
}

// validate はリクエストを検証し、未保存の通知レコードを構築する。
func (s *Sender) validate(req SendRequest) (*Notification, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, &ValidationError{Reason: "メッセージは必須です"}
	}
	if utf8.RuneCountInString(message) > maxMessageLength {
		return nil, &ValidationError{Reason: fmt.Sprintf("メッセージが長すぎます（最大%d文字）", maxMessageLength)}
	}

	if req.Type == "" {
		return nil, &ValidationError{Reason: "通知種類は必須です"}
	}
	typ, err := ParseType(req.Type)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	if req.Recipient == "" {
		return nil, &ValidationError{Reason: "宛先は必須です"}
	}

	priority, err := ParsePriority(req.Priority)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	n := &Notification{
		Message:   message,
		Type:      typ,
		Priority:  priority,
		Recipient: req.Recipient,
	}
	if req.ExpiresInHours > 0 {
		n.SetExpiration(req.ExpiresInHours)
	}
	return n, nil
}
