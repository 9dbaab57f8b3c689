package notification

import (
	"context"
	"testing"
)

// testContext はテスト終了時にキャンセルされるコンテキストを返す。
// Go 1.24 の t.Context() 相当の挙動を Go 1.21 で再現する。
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
