package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "postboard"

// SessionGate はユーザーIDを束縛したセッショントークンの発行と検証を行う。
// トークンはサーバーシークレット由来の鍵でHS256署名され、有効期限を持つ。
// サーバー側にセッションテーブルは持たない。
type SessionGate struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSessionGate はSessionGateを生成する。
func NewSessionGate(key []byte, ttl time.Duration) *SessionGate {
	return &SessionGate{key: key, ttl: ttl, now: time.Now}
}

// TTL はトークンの有効期間を返す。Cookieの有効期間にも使用する。
func (g *SessionGate) TTL() time.Duration {
	return g.ttl
}

// Issue はuserIDを束縛したトークンを発行する。
func (g *SessionGate) Issue(userID int64) (string, error) {
	if userID <= 0 {
		return "", fmt.Errorf("invalid user id: %d", userID)
	}

	now := g.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
	})

	signed, err := token.SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Resolve はトークンから束縛されたユーザーIDを取り出す。
// 空、形式不正、改ざん、期限切れのトークンに対してはfalseを返し、エラーにはしない。
func (g *SessionGate) Resolve(token string) (int64, bool) {
	if token == "" {
		return 0, false
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			return g.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil || !parsed.Valid {
		return 0, false
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, false
	}
	return userID, true
}
