package notification

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/azapokou-art/realtime-notifications/internal/hub"
	"github.com/azapokou-art/realtime-notifications/pkg/middleware"
)

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store は通知レコードの永続化先。
	store Store
	// hub はライブ接続のレジストリ。
	hub *hub.Hub
	// sender は通知配信のオーケストレータ。
	sender *Sender
}

// NewServer は新しい通知サーバーを生成する。
// ストア・レジストリ・オーケストレータはプロセス起動時に構築されたものを受け取る。
func NewServer(port string, store Store, h *hub.Hub, sender *Sender) *Server {
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		router.Use(middleware.CORS(strings.Split(origins, ",")))
	}

	s := &Server{
		router: router,
		port:   port,
		store:  store,
		hub:    h,
		sender: sender,
	}
	s.setupRoutes()

	return s
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-key"
	}

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(jwtSecret))
	{
		notifications := api.Group("/notifications")
		{
			// 通知の送信（プロデューサーAPI）
			notifications.POST("", s.handleSend())
			// 自分宛の通知一覧取得
			notifications.GET("", s.handleList())
			// 自分宛の未読通知一覧取得
			notifications.GET("/unread", s.handleListUnread())
			// 自分宛の未読通知数取得
			notifications.GET("/unread/count", s.handleUnreadCount())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 通知を未読に戻す
			notifications.PUT("/:id/unread", s.handleMarkAsUnread())
			// 通知の削除
			notifications.DELETE("/:id", s.handleDelete())
		}

		// ライブ接続（Server-Sent Events）
		api.GET("/stream", s.handleStream())

		rooms := api.Group("/rooms")
		{
			// 自分の全ライブ接続をルームに参加させる
			rooms.POST("/:room/join", s.handleJoinRoom())
			// 自分の全ライブ接続をルームから退出させる
			rooms.POST("/:room/leave", s.handleLeaveRoom())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notifier"})
	})
}

// handleSend は通知を受理して配信パイプラインを実行するハンドラ。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   fmt.Sprintf("リクエストが不正です: %v", err),
			})
			return
		}

		result, err := s.sender.Execute(c.Request.Context(), req)
		if err != nil {
			var validationErr *ValidationError
			if errors.As(err, &validationErr) {
				c.JSON(http.StatusBadRequest, gin.H{
					"success": false,
					"error":   validationErr.Reason,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   "通知の送信に失敗しました",
			})
			log.Printf("通知送信エラー: %v", err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"success":      true,
			"notification": result.Notification,
			"message":      "通知を送信しました",
		})
	}
}

// handleList は認証済みユーザー宛の通知一覧を新着順で返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		opts, err := parseListOptions(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		notifications, err := s.store.FindByRecipient(c.Request.Context(), userID, opts)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			log.Printf("通知一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data":    notifications,
			"pagination": gin.H{
				"limit":  opts.Limit,
				"offset": opts.Offset,
			},
		})
	}
}

// handleListUnread は認証済みユーザー宛の未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		opts, err := parseListOptions(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		unread := false
		opts.Read = &unread

		notifications, err := s.store.FindByRecipient(c.Request.Context(), userID, opts)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読通知一覧の取得に失敗しました"})
			log.Printf("未読通知一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true, "data": notifications})
	}
}

// handleUnreadCount は認証済みユーザー宛の未読通知数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		count, err := s.store.UnreadCount(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読数の取得に失敗しました"})
			log.Printf("未読数取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return s.handleReadState(true)
}

// handleMarkAsUnread は指定された通知を未読に戻すハンドラ。
func (s *Server) handleMarkAsUnread() gin.HandlerFunc {
	return s.handleReadState(false)
}

// handleReadState は既読・未読の切り替えを処理する共通ハンドラ。
func (s *Server) handleReadState(read bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		n, ok := s.ownedNotification(c, userID)
		if !ok {
			return
		}

		var (
			updated *Notification
			err     error
		)
		if read {
			updated, err = s.store.MarkAsRead(c.Request.Context(), n.ID)
		} else {
			updated, err = s.store.MarkAsUnread(c.Request.Context(), n.ID)
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "既読状態の更新に失敗しました"})
			log.Printf("既読状態更新エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true, "notification": updated})
	}
}

// handleDelete は指定された通知を削除するハンドラ。
// システム通知は通常の削除経路では削除できない。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		n, ok := s.ownedNotification(c, userID)
		if !ok {
			return
		}

		if !n.IsDeletable() {
			c.JSON(http.StatusForbidden, gin.H{"error": "システム通知は削除できません"})
			return
		}

		deleted, err := s.store.Delete(c.Request.Context(), n.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の削除に失敗しました"})
			log.Printf("通知削除エラー: %v", err)
			return
		}
		if !deleted {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true, "message": "通知を削除しました"})
	}
}

// handleJoinRoom は認証済みユーザーの全ライブ接続をルームに参加させるハンドラ。
func (s *Server) handleJoinRoom() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		roomID := c.Param("room")
		s.hub.JoinRoom(userID, roomID)
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "ルームに参加しました"})
	}
}

// handleLeaveRoom は認証済みユーザーの全ライブ接続をルームから退出させるハンドラ。
func (s *Server) handleLeaveRoom() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		roomID := c.Param("room")
		s.hub.LeaveRoom(userID, roomID)
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "ルームから退出しました"})
	}
}

// ownedNotification はパスパラメータの通知を取得し、存在と所有者を確認する。
// 検証に失敗した場合はレスポンスを書き込んでfalseを返す。
func (s *Server) ownedNotification(c *gin.Context, userID string) (*Notification, bool) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "通知IDが必要です"})
		return nil, false
	}

	n, err := s.store.FindByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
		log.Printf("通知取得エラー: %v", err)
		return nil, false
	}

	if n.Recipient != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
		return nil, false
	}
	return n, true
}

// parseListOptions はクエリパラメータから一覧取得の条件を組み立てる。
func parseListOptions(c *gin.Context) (ListOptions, error) {
	opts := ListOptions{Limit: 20}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return ListOptions{}, fmt.Errorf("limitが不正です: %q", raw)
		}
		opts.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return ListOptions{}, fmt.Errorf("offsetが不正です: %q", raw)
		}
		opts.Offset = offset
	}
	if raw := c.Query("read"); raw != "" {
		read, err := strconv.ParseBool(raw)
		if err != nil {
			return ListOptions{}, fmt.Errorf("readが不正です: %q", raw)
		}
		opts.Read = &read
	}
	return opts, nil
}
