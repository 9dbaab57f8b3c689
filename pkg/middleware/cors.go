package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS は許可リストに基づいてクロスオリジンリクエストを受け付けるGinミドルウェアを返す。
// ブラウザのEventSourceがストリームへ接続できるよう、許可されたオリジンには
// リクエスト元のオリジンをそのままエコーする。許可リストの各要素は前後の空白を
// 無視し、空の要素は読み飛ばす（CORS_ORIGINSのカンマ区切りをそのまま渡せる）。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		allowed[origin] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := allowed[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")
		}

		// プリフライトはここで完結させ、ハンドラには渡さない
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
