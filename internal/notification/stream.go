package notification

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/azapokou-art/realtime-notifications/pkg/middleware"
)

// streamBuffer は1接続あたりの送信バッファサイズ。
// 読み取りの遅いクライアントが配信側をブロックしないための余裕。
const streamBuffer = 64

// streamEvent はライブ接続へ送信する1件のイベント。
type streamEvent struct {
	// name はイベント名（例: "notification:new"）。
	name string
	// payload はイベントのデータ。
	payload any
}

// sseConn はServer-Sent Eventsによるライブ接続。hub.Connを実装する。
type sseConn struct {
	// id は接続の一意識別子。
	id string
	// events は送信待ちイベントのバッファ。
	events chan streamEvent
	// mu はroomsを保護するミューテックス。
	mu sync.Mutex
	// rooms はこの接続が参加中のルームの集合。
	rooms map[string]struct{}
}

// newSSEConn は新しいSSE接続を生成する。
func newSSEConn() *sseConn {
	return &sseConn{
		id:     uuid.New().String(),
		events: make(chan streamEvent, streamBuffer),
		rooms:  make(map[string]struct{}),
	}
}

// ID は接続の一意識別子を返す。
func (c *sseConn) ID() string { return c.id }

// Send はイベントを送信バッファに積む。ブロックしない。
// バッファが満杯の場合はエラーを返し、イベントは破棄される。
func (c *sseConn) Send(event string, payload any) error {
	select {
	case c.events <- streamEvent{name: event, payload: payload}:
		return nil
	default:
		return errors.New("接続の送信バッファが満杯です")
	}
}

// JoinRoom はこの接続を指定ルームに参加させる。
func (c *sseConn) JoinRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = struct{}{}
}

// LeaveRoom はこの接続を指定ルームから退出させる。
func (c *sseConn) LeaveRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

// InRoom はこの接続が指定ルームに参加しているかを返す。
func (c *sseConn) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// handleStream はSSEのライブ接続を確立するハンドラ。
// 認証済みユーザーの接続としてレジストリに登録し、切断まで
// プッシュイベントをストリームする。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		conn := newSSEConn()
		s.hub.Register(userID, conn)
		defer s.hub.Remove(conn.ID())

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")

		// 接続確立をクライアントに通知する
		c.SSEvent("connected", gin.H{"connection_id": conn.ID()})
		c.Writer.Flush()

		c.Stream(func(_ io.Writer) bool {
			select {
			case <-c.Request.Context().Done():
				return false
			case ev := <-conn.events:
				c.SSEvent(ev.name, ev.payload)
				return true
			}
		})
	}
}
