/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 15 14:20:08 2019 mstenber
 * Last modified: Tue May  7 09:44:12 2019 mstenber
 * Edit time:     90 min
 *
 */

package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"log"

	"github.com/jacobsa/crypto/siv"
	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/pbkdf2"
)

// Cipher encrypts/decrypts block contents. additionalData is
// authenticated but not encrypted; the pipeline passes the block's
// logical identity there so ciphertext cannot be replayed at another
// location.
type Cipher interface {
	Encrypt(data, additionalData []byte) (ret []byte, err error)
	Decrypt(data, additionalData []byte) (ret []byte, err error)
}

// CipherID selects the encryption algorithm.
type CipherID uint8

const (
	CipherNone CipherID = iota
	CipherAESGCM
	CipherAESSIV
)

// NewCipher derives key material from password+salt with pbkdf2 and
// returns the requested cipher. Nil for CipherNone.
func NewCipher(id CipherID, password, salt []byte, iter int) Cipher {
	switch id {
	case CipherNone:
		return nil
	case CipherAESGCM:
		return GCMCipher{}.Init(password, salt, iter)
	case CipherAESSIV:
		return SIVCipher{}.Init(password, salt, iter)
	}
	panic(fmt.Sprintf("codec.NewCipher: unknown cipher %d", id))
}

// GCMCipher is AES-GCM based encrypting/decrypting (+authenticating)
// cipher. Output framing is nonce || ciphertext.
type GCMCipher struct {
	gcm cipher.AEAD
	// Main key
	mk []byte
}

func (self GCMCipher) Init(password, salt []byte, iter int) *GCMCipher {
	self.mk = pbkdf2.Key(password, salt, iter, 32, sha256.New)
	block, err := aes.NewCipher(self.mk)
	if err != nil {
		log.Fatal(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Fatal(err)
	}
	self.gcm = gcm
	return &self
}

func (self *GCMCipher) Encrypt(data, additionalData []byte) (ret []byte, err error) {
	nonce := make([]byte, self.gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return
	}
	ret = self.gcm.Seal(nonce, nonce, data, additionalData)
	return
}

func (self *GCMCipher) Decrypt(data, additionalData []byte) (ret []byte, err error) {
	ns := self.gcm.NonceSize()
	if len(data) < ns {
		err = fmt.Errorf("codec: ciphertext shorter than nonce")
		return
	}
	ret, err = self.gcm.Open(nil, data[:ns], data[ns:], additionalData)
	return
}

// SIVCipher is deterministic AES-SIV; same plaintext + associated
// data always produces the same ciphertext, which keeps encrypted
// blocks dedupable.
type SIVCipher struct {
	mk []byte
}

func (self SIVCipher) Init(password, salt []byte, iter int) *SIVCipher {
	self.mk = pbkdf2.Key(password, salt, iter, 64, sha256.New)
	return &self
}

func (self *SIVCipher) Encrypt(data, additionalData []byte) (ret []byte, err error) {
	return siv.Encrypt(nil, self.mk, data, [][]byte{additionalData})
}

func (self *SIVCipher) Decrypt(data, additionalData []byte) (ret []byte, err error) {
	return siv.Decrypt(self.mk, data, [][]byte{additionalData})
}
