package chunk

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// ErrInvalidPadding is reported when the final block carries bad PKCS#7 padding.
var ErrInvalidPadding = errors.New("invalid PKCS#7 padding")

// AES128Hook decrypts AES-128-CBC encrypted segments. Decrypted output lags
// the input by one cipher block so the final padding can be stripped.
type AES128Hook struct {
	mode    cipher.BlockMode
	carry   []byte
	pending []byte
	err     error
}

// NewAES128Hook creates a decrypting hook for one segment.
func NewAES128Hook(key, iv []byte) (*AES128Hook, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	return &AES128Hook{mode: cipher.NewCBCDecrypter(block, iv)}, nil
}

// SequenceIV derives the IV used when a playlist gives none: the media
// sequence number as a big-endian 128-bit integer.
func SequenceIV(sequence uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	for i := 0; i < 8; i++ {
		iv[aes.BlockSize-1-i] = byte(sequence >> (8 * i))
	}
	return iv
}

// Process decrypts the whole cipher blocks available so far.
func (h *AES128Hook) Process(b *Block) *Block {
	data := append(h.carry, b.Data...)
	whole := len(data) - len(data)%aes.BlockSize
	h.carry = append([]byte(nil), data[whole:]...)

	if whole > 0 {
		plain := make([]byte, whole)
		h.mode.CryptBlocks(plain, data[:whole])
		data = append(h.pending, plain...)
	} else {
		data = h.pending
	}

	if b.Flags&FlagLast != 0 {
		h.pending = nil
		out, err := unpad(data)
		if err != nil {
			h.err = err
		}
		b.Data = out
		return b
	}

	keep := len(data) - aes.BlockSize
	if keep <= 0 {
		h.pending = data
		b.Data = nil
		return b
	}
	h.pending = append([]byte(nil), data[keep:]...)
	b.Data = data[:keep]
	return b
}

// Flush returns the held back plaintext with padding removed.
func (h *AES128Hook) Flush() *Block {
	if len(h.pending) == 0 {
		return nil
	}
	out, err := unpad(h.pending)
	h.pending = nil
	if err != nil {
		h.err = err
	}
	return &Block{Data: out}
}

// Err returns the padding error seen at the end of the segment, if any.
func (h *AES128Hook) Err() error {
	return h.err
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return data, ErrInvalidPadding
	}
	for _, c := range data[len(data)-n:] {
		if int(c) != n {
			return data, ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}
