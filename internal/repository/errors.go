package repository

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrNotFound は対象の行が存在しないことを表す。ストア障害とは区別される。
	ErrNotFound = errors.New("record not found")
	// ErrEmailTaken はメールアドレスが既に登録済みであることを表す。
	ErrEmailTaken = errors.New("email already registered")
	// ErrNoImage は投稿に画像が設定されていないことを表す。
	ErrNoImage = errors.New("post has no image")
)

// PostgreSQLのエラーコード
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// isPQCode はerrがpq.Errorかつ指定のエラーコードであるかを判定する。
func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}
