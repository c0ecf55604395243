package auth

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFのinfoラベル。用途ごとに独立した鍵を導出する。
const (
	pepperKeyInfo  = "postboard/credential-pepper/v1"
	sessionKeyInfo = "postboard/session-signing/v1"
	derivedKeySize = 32
)

// Keys はサーバーシークレットから導出した用途別の鍵。
// 起動後は読み取り専用として扱う。
type Keys struct {
	Pepper     []byte
	SessionKey []byte
}

// DeriveKeys はサーバーシークレットからHKDF-SHA256で用途別の鍵を導出する。
func DeriveKeys(secret []byte) (Keys, error) {
	if len(secret) == 0 {
		return Keys{}, fmt.Errorf("server secret is empty")
	}

	pepper, err := deriveKey(secret, pepperKeyInfo)
	if err != nil {
		return Keys{}, err
	}
	sessionKey, err := deriveKey(secret, sessionKeyInfo)
	if err != nil {
		return Keys{}, err
	}

	return Keys{Pepper: pepper, SessionKey: sessionKey}, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", info, err)
	}
	return key, nil
}
