package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrCorruptHash は保存されたハッシュレコードが構造的に壊れていることを表す。
	ErrCorruptHash = errors.New("credential hash record is corrupt")
	// ErrInvalidParams はargon2のパラメータが不正であることを表す。
	ErrInvalidParams = errors.New("invalid credential hash parameters")
)

// 検証時に受け入れるパラメータの上限。壊れたレコードで過大なメモリを確保しないため。
const (
	maxMemoryKiB   = 1 << 20 // 1 GiB
	maxIterations  = 64
	maxKeyLength   = 128
	minSaltLength  = 8
	maxSaltLength  = 64
	argon2idPrefix = "argon2id"
)

// Params はargon2idのコストパラメータ。
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams はデフォルトのコストパラメータを返す。
func DefaultParams() Params {
	return Params{
		MemoryKiB:   64 * 1024,
		Iterations:  1,
		Parallelism: 4,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Validate はパラメータが許容範囲内かを検証する。
func (p Params) Validate() error {
	switch {
	case p.MemoryKiB < 8*uint32(p.Parallelism) || p.MemoryKiB > maxMemoryKiB:
		return fmt.Errorf("%w: memory %d KiB", ErrInvalidParams, p.MemoryKiB)
	case p.Iterations == 0 || p.Iterations > maxIterations:
		return fmt.Errorf("%w: iterations %d", ErrInvalidParams, p.Iterations)
	case p.Parallelism == 0:
		return fmt.Errorf("%w: parallelism 0", ErrInvalidParams)
	case p.SaltLength < minSaltLength || p.SaltLength > maxSaltLength:
		return fmt.Errorf("%w: salt length %d", ErrInvalidParams, p.SaltLength)
	case p.KeyLength == 0 || p.KeyLength > maxKeyLength:
		return fmt.Errorf("%w: key length %d", ErrInvalidParams, p.KeyLength)
	}
	return nil
}

// Vault はパスワードのハッシュ化と検証を行う。
// パスワードはサーバーシークレット由来のペッパーでHMACしてからargon2idに渡す。
// 状態を持たず、並行に利用できる。
type Vault struct {
	pepper []byte
	params Params

	dummyRecord string
}

// dummyPassword は存在しないアカウントの照合に使うレコードの元になる値。
const dummyPassword = "postboard-dummy-credential"

// NewVault はVaultを生成する。
// パラメータを検証し、存在しないアカウントの照合に使うダミーレコードを事前に計算する。
func NewVault(pepper []byte, params Params) (*Vault, error) {
	v := &Vault{pepper: pepper, params: params}

	record, err := v.Hash(dummyPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy credential: %w", err)
	}
	v.dummyRecord = record

	return v, nil
}

// Hash はパスワードのハッシュレコードを生成する。
// レコードはPHC形式（$argon2id$v=19$m=..,t=..,p=..$salt$key）で、検証に必要なパラメータとソルトを含む。
func (v *Vault) Hash(password string) (string, error) {
	if err := v.params.Validate(); err != nil {
		return "", err
	}

	salt := make([]byte, v.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(v.peppered(password), salt,
		v.params.Iterations, v.params.MemoryKiB, v.params.Parallelism, v.params.KeyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2idPrefix, argon2.Version,
		v.params.MemoryKiB, v.params.Iterations, v.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify はハッシュレコードとパスワードを照合する。
// 一致しない場合はfalseを返し、エラーにはしない。
// レコードが壊れている場合のみErrCorruptHashを返す。
func (v *Vault) Verify(record, password string) (bool, error) {
	p, salt, key, err := parseRecord(record)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(v.peppered(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.KeyLength)
	return subtle.ConstantTimeCompare(computed, key) == 1, nil
}

// VerifyDummy は存在しないアカウントへのログインでも実在する場合と同じ計算量を消費する。
// 応答時間からメールアドレスの登録有無を推測されないようにする。
func (v *Vault) VerifyDummy(password string) {
	_, _ = v.Verify(v.dummyRecord, password)
}

func (v *Vault) peppered(password string) []byte {
	mac := hmac.New(sha256.New, v.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}

// parseRecord はPHC形式のレコードを分解する。
func parseRecord(record string) (Params, []byte, []byte, error) {
	var p Params

	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	parts := strings.Split(record, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != argon2idPrefix {
		return p, nil, nil, ErrCorruptHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, fmt.Errorf("%w: unsupported version %q", ErrCorruptHash, parts[2])
	}

	var parallelism uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Iterations, &parallelism); err != nil {
		return p, nil, nil, fmt.Errorf("%w: bad parameters %q", ErrCorruptHash, parts[3])
	}
	if parallelism == 0 || parallelism > 255 {
		return p, nil, nil, fmt.Errorf("%w: parallelism %d", ErrCorruptHash, parallelism)
	}
	p.Parallelism = uint8(parallelism)

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: bad salt encoding", ErrCorruptHash)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: bad key encoding", ErrCorruptHash)
	}
	p.SaltLength = uint32(len(salt))
	p.KeyLength = uint32(len(key))

	if err := p.Validate(); err != nil {
		return p, nil, nil, fmt.Errorf("%w: %v", ErrCorruptHash, err)
	}

	return p, salt, key, nil
}
