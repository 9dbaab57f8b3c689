// Package envelope はリレーチャンネルの命名規則と、プロセス間で交換する
// メッセージエンベロープの型を提供する。
//
// 通知の配信経路（直接プッシュとリレー配信）で使用するイベント名と
// チャンネル名をここで一元管理する。
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// プッシュイベント名。ライブ接続へ送信する際のイベントタグ。
const (
	// EventNotificationNew は永続化直後の直接プッシュを表す。
	EventNotificationNew = "notification:new"
	// EventNotificationPersonal はリレー経由で届いた宛先別通知を表す。
	EventNotificationPersonal = "notification:personal"
	// EventNotificationGlobal はリレー経由で届いた全体通知を表す。
	EventNotificationGlobal = "notification:global"
)

// MessageType はエンベロープの種類を表す。
type MessageType string

// MessageTypeNewNotification は新規通知のエンベロープを表す。
const MessageTypeNewNotification MessageType = "NEW_NOTIFICATION"

// GlobalChannel は全プロセス・全ユーザー向けのリレーチャンネル名。
const GlobalChannel = "notifications:global"

// userChannelPrefix は宛先別リレーチャンネル名のプレフィックス。
const userChannelPrefix = "notifications:user:"

// UserChannelPattern は宛先別チャンネルをまとめて購読するためのパターン。
// ワイルドカードは単一セグメントにのみ一致する。
const UserChannelPattern = userChannelPrefix + "*"

// UserChannel は宛先ユーザーIDに対応するリレーチャンネル名を返す。
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// UserIDFromChannel は宛先別チャンネル名からユーザーIDを取り出す。
// 宛先別チャンネルの形式でない場合はfalseを返す。
func UserIDFromChannel(channel string) (string, bool) {
	userID, found := strings.CutPrefix(channel, userChannelPrefix)
	if !found || userID == "" || strings.Contains(userID, ":") {
		return "", false
	}
	return userID, true
}

// Envelope はリレーチャンネルに流れるメッセージの封筒。
// 通知本体はシリアライズ済みのJSONとして保持する。
type Envelope struct {
	// Type はエンベロープの種類。
	Type MessageType `json:"type"`
	// Notification はシリアライズ済みの通知レコード。
	Notification json.RawMessage `json:"notification"`
	// Timestamp はエンベロープの作成日時（RFC3339形式）。
	Timestamp string `json:"timestamp"`
}

// New は通知レコードを包んだ新しいエンベロープを生成する。
// notificationにはJSONシリアライズ可能な構造体を渡す。
func New(messageType MessageType, notification any) (*Envelope, error) {
	data, err := json.Marshal(notification)
	if err != nil {
		return nil, fmt.Errorf("通知のシリアライズに失敗: %w", err)
	}

	return &Envelope{
		Type:         messageType,
		Notification: data,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}, nil
}
