// Package server は、カメラ群を操作するHTTPサーバーを管理します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - カメラ一覧・状態の参照
//   - 取得の開始・停止、ソフトウェアトリガー、再検出、キャリブレーションの差し替え
//   - 保持中フレームのPNG配信とMJPEGストリーミング
//   - Prometheusメトリクスの公開
//
// 仕様:
//   - ginを使用
//   - カメラはユーザー識別子で指定する
//   - エラーは {error, message, op} のJSONで返す
//   - IndexOutOfRange は404、設定ファイル・レジストリの不足は400、状態エラーは409、それ以外は500
package server
