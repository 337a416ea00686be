package vault

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxmetrics/backend/internal/domain"
)

func TestVault_EncryptDecrypt(t *testing.T) {
	v, err := New("test-vault-master-key-for-tests!")
	require.NoError(t, err)

	t.Run("加密解密往返成功", func(t *testing.T) {
		plaintext := "ya29.a0AfH6SMBx-access-token"

		ciphertext, err := v.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ciphertext)

		decrypted, err := v.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("相同明文产生不同密文", func(t *testing.T) {
		// 每次加密生成新的随机 nonce
		first, err := v.Encrypt("same-secret")
		require.NoError(t, err)
		second, err := v.Encrypt("same-secret")
		require.NoError(t, err)

		assert.NotEqual(t, first, second)
	})

	t.Run("篡改密文解密失败", func(t *testing.T) {
		ciphertext, err := v.Encrypt("secret")
		require.NoError(t, err)

		tampered := "A" + ciphertext[1:]
		_, err = v.Decrypt(tampered)
		assert.Error(t, err)
	})

	t.Run("非法密文解密失败", func(t *testing.T) {
		_, err := v.Decrypt("not-base64!!!")
		assert.Error(t, err)

		_, err = v.Decrypt("c2hvcnQ=") // 比 nonce 还短
		assert.Error(t, err)
	})

	t.Run("空明文往返成功", func(t *testing.T) {
		ciphertext, err := v.Encrypt("")
		require.NoError(t, err)

		decrypted, err := v.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, "", decrypted)
	})
}

func TestVault_KeyDerivation(t *testing.T) {
	t.Run("十六进制密钥直接解码", func(t *testing.T) {
		hexKey := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
		v, err := New(hexKey)
		require.NoError(t, err)

		ciphertext, err := v.Encrypt("secret")
		require.NoError(t, err)
		decrypted, err := v.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, "secret", decrypted)
	})

	t.Run("不同密钥无法互相解密", func(t *testing.T) {
		v1, err := New("first-vault-master-key-32-chars!")
		require.NoError(t, err)
		v2, err := New("second-vault-master-key-32-char!")
		require.NoError(t, err)

		ciphertext, err := v1.Encrypt("secret")
		require.NoError(t, err)

		_, err = v2.Decrypt(ciphertext)
		assert.Error(t, err)
	})

	t.Run("空密钥返回CryptoError", func(t *testing.T) {
		v, err := New("")
		assert.Nil(t, v)
		require.Error(t, err)

		var cryptoErr *domain.CryptoError
		assert.True(t, errors.As(err, &cryptoErr))
	})
}
