// Package notification は通知サービスの内部実装を提供する。
//
// 通知の受理から検証・永続化・ライブ配信までのパイプラインを実装する。
// 接続中のユーザーには接続レジストリ経由で即時プッシュし、
// 併せてチャネルリレーへ発行することで他プロセスの購読者にも伝搬させる。
// 通知の一覧取得・既読管理・削除と、期限切れ通知の定期削除も行う。
package notification
