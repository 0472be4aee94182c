// Package camera フレームグラバー上のカメラの制御と一括管理を担う
//
// # 責務
// - ボードとデジタイザーの検出
// - カメラ1台ごとのライフサイクル管理（Open/AcqStart/Grab/AcqStop/Close/Dispose）
// - レジストリとの突き合わせと重複エントリの修復
// - 全カメラへの一括操作と、位置・ユーザー識別子による個別操作
// - 取得中カメラからの連続取り込み
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 導入済みボードの全カメラを1つの単位として扱いたい
// - 1台のカメラを状態遷移に沿って直接制御したい
// - 取り込んだフレームをチャンネルで受け取りたい
//
// # 仕様
// - Device: Closed → Opened → Acquiring。Dispose後は全操作が ClassDisposedError
// - Grab はハードウェアの取り込み完了までブロックする。AcqStop は待機中のGrabを中断する
// - 中断されたGrabはフレームを作らずに成功として戻る
// - Fleet の一括操作は先頭から順に実行し、最初の失敗で打ち切る
// - 同じボードのデジタイザーはボードハンドルを共有し、最後のカメラが閉じた時点で解放する
// - 返すエラーは常に result.Error
//
// # 前提要件
//   - hardware.Capability の実装（実機用ドライバーまたは hardware.Simulator）
//   - キャリブレーションファイルがOpen時点で存在すること
package camera
