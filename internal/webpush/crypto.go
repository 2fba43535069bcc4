package webpush

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	saltLen   = 16
	headerLen = saltLen + 4 + 1
	tagLen    = 16

	recordDelimiter = 0x01
	lastDelimiter   = 0x02
)

// decrypt opens an RFC 8291 aes128gcm message addressed to priv.
func decrypt(priv *ecdh.PrivateKey, authSecret, body []byte) ([]byte, error) {
	if len(body) < headerLen {
		return nil, fmt.Errorf("message shorter than header: %d bytes", len(body))
	}
	salt := body[:saltLen]
	rs := binary.BigEndian.Uint32(body[saltLen : saltLen+4])
	idLen := int(body[saltLen+4])
	if len(body) < headerLen+idLen {
		return nil, fmt.Errorf("message shorter than key id: %d bytes", len(body))
	}
	keyID := body[headerLen : headerLen+idLen]
	ciphertext := body[headerLen+idLen:]
	if rs <= tagLen+1 {
		return nil, fmt.Errorf("record size %d too small", rs)
	}

	senderKey, err := ecdh.P256().NewPublicKey(keyID)
	if err != nil {
		return nil, fmt.Errorf("parsing sender key: %w", err)
	}
	shared, err := priv.ECDH(senderKey)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}

	// IKM = HKDF(auth_secret, ecdh_secret, "WebPush: info" || ua_public || as_public)
	info := append([]byte("WebPush: info\x00"), priv.PublicKey().Bytes()...)
	info = append(info, senderKey.Bytes()...)
	ikm, err := derive(shared, authSecret, info, 32)
	if err != nil {
		return nil, fmt.Errorf("deriving IKM: %w", err)
	}
	cek, err := derive(ikm, salt, []byte("Content-Encoding: aes128gcm\x00"), 16)
	if err != nil {
		return nil, fmt.Errorf("deriving CEK: %w", err)
	}
	baseNonce, err := derive(ikm, salt, []byte("Content-Encoding: nonce\x00"), 12)
	if err != nil {
		return nil, fmt.Errorf("deriving nonce: %w", err)
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	var out bytes.Buffer
	for seq := uint64(0); len(ciphertext) > 0; seq++ {
		n := min(int(rs), len(ciphertext))
		record := ciphertext[:n]
		ciphertext = ciphertext[n:]
		last := len(ciphertext) == 0

		plain, err := gcm.Open(nil, recordNonce(baseNonce, seq), record, nil)
		if err != nil {
			return nil, fmt.Errorf("opening record %d: %w", seq, err)
		}
		data, err := unpad(plain, last)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", seq, err)
		}
		out.Write(data)
	}
	return out.Bytes(), nil
}

func derive(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// recordNonce XORs the record sequence number into the low bytes of the
// base nonce.
func recordNonce(base []byte, seq uint64) []byte {
	nonce := make([]byte, len(base))
	copy(nonce, base)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	for i := range s {
		nonce[len(nonce)-8+i] ^= s[i]
	}
	return nonce
}

// unpad strips trailing zero padding and the delimiter byte.
func unpad(plain []byte, last bool) ([]byte, error) {
	i := len(plain) - 1
	for i >= 0 && plain[i] == 0 {
		i--
	}
	if i < 0 {
		return nil, fmt.Errorf("missing padding delimiter")
	}
	want := byte(recordDelimiter)
	if last {
		want = lastDelimiter
	}
	if plain[i] != want {
		return nil, fmt.Errorf("padding delimiter = %#x, want %#x", plain[i], want)
	}
	return plain[:i], nil
}
