// Package relay はチャンネル名をキーとするプロセス間Pub/Subリレーを提供する。
//
// あるプロセスで受理された通知を、宛先ユーザーのライブ接続を保持している
// 別のプロセスへ届けるためのファンアウト経路として使用する。完全一致の
// チャンネル購読に加えて、単一セグメントのワイルドカードによるパターン購読を
// サポートする（例: "notifications:user:*" は "notifications:user:42" に
// 一致するが "notifications:user:42:extra" には一致しない）。
//
// リレーはファイア・アンド・フォーゲットであり、メッセージを永続化しない。
// 伝送路はTransportインターフェースで抽象化され、Redis Pub/Subと
// インプロセスのループバック実装を含む。
package relay
