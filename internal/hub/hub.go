// Package hub はユーザーとライブ接続の対応を管理する接続レジストリを提供する。
//
// 1ユーザーが複数のライブ接続（複数タブ・複数端末）を持つことを前提に、
// ユーザー単位の送信、全体ブロードキャスト、ルーム単位の送信をサポートする。
// 接続の実体（ワイヤートランスポート）はConnインターフェースとして抽象化され、
// レジストリ自体はトランスポートに依存しない。
package hub

import (
	"log"
	"sync"
)

// Conn はレジストリが操作するライブ接続のハンドル。
// 具体的なトランスポート（SSE等）がこのインターフェースを実装する。
type Conn interface {
	// ID は接続の一意識別子を返す。
	ID() string
	// Send はイベント名付きのペイロードをこの接続へ送信する。
	// 送信はブロックしてはならない。送信不能の場合はエラーを返す。
	Send(event string, payload any) error
	// JoinRoom はこの接続を指定ルームに参加させる。
	JoinRoom(roomID string)
	// LeaveRoom はこの接続を指定ルームから退出させる。
	LeaveRoom(roomID string)
	// InRoom はこの接続が指定ルームに参加しているかを返す。
	InRoom(roomID string) bool
}

// Hub はユーザーIDとライブ接続の集合を対応付ける接続レジストリ。
// すべての操作は並行安全であり、送信はロックの外で行われる。
type Hub struct {
	// mu はusersとconnsの両方を保護するミューテックス。
	// 正引きと逆引きは常に同一ロック下で更新され、一貫性が保たれる。
	mu sync.RWMutex
	// users はユーザーIDから接続IDごとの接続ハンドルへの正引きマップ。
	// 接続を1つも持たないユーザーのエントリは存在しない。
	users map[string]map[string]Conn
	// conns は接続IDからユーザーIDへの逆引きマップ。切断処理をO(1)にする。
	conns map[string]string
}

// New は新しい接続レジストリを生成する。
func New() *Hub {
	return &Hub{
		users: make(map[string]map[string]Conn),
		conns: make(map[string]string),
	}
}

// Register はユーザーのライブ接続を登録する。
// 同じ接続を二重に登録しても状態は変わらない（冪等）。
// 別ユーザーに登録済みの接続は以前の束縛を切り離してから登録し直す。
// 切り離しを行わないと、逆引きの上書きにより以前のユーザーの集合へ
// 削除不能なハンドルが残ってしまう。
func (h *Hub) Register(userID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	connID := conn.ID()
	if prev, ok := h.conns[connID]; ok && prev != userID {
		prevSet := h.users[prev]
		delete(prevSet, connID)
		if len(prevSet) == 0 {
			delete(h.users, prev)
		}
	}

	set, ok := h.users[userID]
	if !ok {
		set = make(map[string]Conn)
		h.users[userID] = set
	}
	set[connID] = conn
	h.conns[connID] = userID
}

// Remove は接続IDに対応する接続をレジストリから取り除く。
// ユーザーの最後の接続が取り除かれた場合、ユーザーのエントリ自体を削除する。
// 未登録の接続IDは何もしない。
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(h.conns, connID)

	set := h.users[userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(h.users, userID)
	}
}

// IsUserConnected はユーザーがライブ接続を1つ以上持つかを返す。
func (h *Hub) IsUserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// ConnectedUsers はライブ接続を持つ全ユーザーIDのスナップショットを返す。
func (h *Hub) ConnectedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]string, 0, len(h.users))
	for userID := range h.users {
		users = append(users, userID)
	}
	return users
}

// SendToUser はユーザーの全ライブ接続へイベントを送信する。
// 接続が1つも無い場合は何もせずfalseを返す（エラーではない）。
// 個々の接続への送信失敗はログに記録し、残りの接続への送信は継続する。
func (h *Hub) SendToUser(userID, event string, payload any) bool {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.users[userID]))
	for _, conn := range h.users[userID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return false
	}

	for _, conn := range conns {
		if err := conn.Send(event, payload); err != nil {
			log.Printf("[Hub] 接続への送信に失敗: user=%s, conn=%s, event=%s: %v", userID, conn.ID(), event, err)
		}
	}
	return true
}

// Broadcast は全ユーザーの全ライブ接続へイベントを送信する。
func (h *Hub) Broadcast(event string, payload any) {
	for _, conn := range h.snapshot() {
		if err := conn.Send(event, payload); err != nil {
			log.Printf("[Hub] ブロードキャスト送信に失敗: conn=%s, event=%s: %v", conn.ID(), event, err)
		}
	}
}

// BroadcastToRoom は指定ルームに参加している全接続へイベントを送信する。
func (h *Hub) BroadcastToRoom(roomID, event string, payload any) {
	for _, conn := range h.snapshot() {
		if !conn.InRoom(roomID) {
			continue
		}
		if err := conn.Send(event, payload); err != nil {
			log.Printf("[Hub] ルーム送信に失敗: room=%s, conn=%s, event=%s: %v", roomID, conn.ID(), event, err)
		}
	}
}

// JoinRoom はユーザーの現在の全ライブ接続を指定ルームに参加させる。
// 今後登録される接続には適用されない。
func (h *Hub) JoinRoom(userID, roomID string) {
	for _, conn := range h.userSnapshot(userID) {
		conn.JoinRoom(roomID)
	}
}

// LeaveRoom はユーザーの現在の全ライブ接続を指定ルームから退出させる。
func (h *Hub) LeaveRoom(userID, roomID string) {
	for _, conn := range h.userSnapshot(userID) {
		conn.LeaveRoom(roomID)
	}
}

// snapshot は全接続のスナップショットを取得する。
// 送信をロックの外で行うために使用する。
func (h *Hub) snapshot() []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]Conn, 0, len(h.conns))
	for _, set := range h.users {
		for _, conn := range set {
			conns = append(conns, conn)
		}
	}
	return conns
}

// userSnapshot は指定ユーザーの接続のスナップショットを取得する。
func (h *Hub) userSnapshot(userID string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]Conn, 0, len(h.users[userID]))
	for _, conn := range h.users[userID] {
		conns = append(conns, conn)
	}
	return conns
}
