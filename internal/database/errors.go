package database

import "errors"

// ErrCommitFailed はトランザクションのコミット失敗を表す。
// 呼び出し側はfn内で行った外部への副作用を取り消す必要がある。
var ErrCommitFailed = errors.New("failed to commit transaction")
