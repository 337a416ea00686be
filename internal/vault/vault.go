package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"

	"inboxmetrics/backend/internal/domain"
)

// keySalt 密钥派生使用的固定盐值。
// 主密钥本身来自进程环境，盐只用于区分不同部署的派生结果。
var keySalt = []byte("inboxmetrics-credential-vault")

// Vault 凭证保险库，使用 AES-256-GCM 对提供商凭证做静态加密。
//
// 每次加密生成随机 nonce 并嵌入密文载荷，解密自包含。
// 除 CPU 外无任何副作用，不做 I/O。
type Vault struct {
	aead cipher.AEAD
}

// New 创建凭证保险库。
//
// 主密钥支持两种形式：
//   - 64 位十六进制字符串：直接解码为 32 字节密钥
//   - 任意口令：经 scrypt 派生出 32 字节密钥
//
// 密钥缺失或非法属于致命的启动错误，返回 CryptoError。
func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, &domain.CryptoError{Err: fmt.Errorf("master key is empty")}
	}

	key, err := deriveKey(masterKey)
	if err != nil {
		return nil, &domain.CryptoError{Err: err}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &domain.CryptoError{Err: fmt.Errorf("create cipher: %w", err)}
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &domain.CryptoError{Err: fmt.Errorf("create gcm: %w", err)}
	}

	return &Vault{aead: aead}, nil
}

// Encrypt 加密明文，返回 base64 编码的密文载荷（nonce 前置）。
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密 Encrypt 产生的密文载荷。
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey 将主密钥转换为 32 字节的 AES 密钥。
func deriveKey(masterKey string) ([]byte, error) {
	// 64 位十六进制直接解码
	if len(masterKey) == 64 {
		if key, err := hex.DecodeString(masterKey); err == nil {
			return key, nil
		}
	}

	key, err := scrypt.Key([]byte(masterKey), keySalt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
