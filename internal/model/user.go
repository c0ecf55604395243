// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// ProfilePicは作成時に1回だけ生成され、以後変更されない。
type User struct {
	ID             int64
	CredentialHash string
	Email          string
	DisplayName    string
	RealName       string
	ProfilePic     []byte
	CreatedAt      time.Time
}

// Registration はユーザー登録の入力。
type Registration struct {
	Email       string
	Password    string
	DisplayName string
	RealName    string
}
