package middleware

import (
	"log"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
)

// Recovery はハンドラ内のパニックを回復するGinミドルウェアを返す。
// 配信ハンドラが1つ落ちてもライブ接続を抱えたプロセスを道連れにしないため、
// パニック値とスタックトレースをログに記録し、クライアントには
// 通知APIの他のエラーと同じ形式で500を返す。
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Recovery] パニックを回復しました: %s %s: %v\n%s",
					c.Request.Method, c.Request.URL.Path, r, debug.Stack())
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "内部サーバーエラーが発生しました",
				})
			}
		}()
		c.Next()
	}
}
