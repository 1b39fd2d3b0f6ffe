package wecom

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Errors of the callback crypto layer.
var (
	ErrSignatureMismatch = errors.New("wecom: signature mismatch")
	ErrBadKeyLength      = errors.New("wecom: encoding aes key must decode to 32 bytes")
	ErrBadCiphertext     = errors.New("wecom: malformed ciphertext")
)

// crypto implements the WeCom callback crypto scheme: SHA1 signature over
// the sorted parameter set and AES-256-CBC message encryption.
type crypto struct {
	token string
	key   []byte // 32 bytes
}

// newCrypto decodes the 43-char EncodingAESKey (base64 without padding).
func newCrypto(token, encodingAESKey string) (*crypto, error) {
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("decode encoding aes key: %w", err)
	}
	if len(key) != 32 {
		return nil, ErrBadKeyLength
	}
	return &crypto{token: token, key: key}, nil
}

// signature computes SHA1 over the lexicographically sorted concatenation
// of token, timestamp, nonce and the ciphered payload.
func (c *crypto) signature(timestamp, nonce, ciphered string) string {
	parts := []string{c.token, timestamp, nonce, ciphered}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// verifySignature checks the relay-forwarded msg_signature.
func (c *crypto) verifySignature(msgSignature, timestamp, nonce, ciphered string) error {
	if c.signature(timestamp, nonce, ciphered) != msgSignature {
		return ErrSignatureMismatch
	}
	return nil
}

// decrypt opens a base64 ciphered payload. The plaintext layout is 16
// random bytes, a big-endian uint32 length at offset 16, that many bytes
// of message, then the receiver id.
func (c *crypto) decrypt(ciphered string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphered)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, ErrBadCiphertext
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(raw))
	// The IV is the first 16 bytes of the decoded key.
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, raw)

	plain, err = stripPKCS7(plain)
	if err != nil {
		return nil, err
	}
	if len(plain) < 20 {
		return nil, ErrBadCiphertext
	}
	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(msgLen) > len(plain)-20 {
		return nil, fmt.Errorf("%w: message length %d exceeds buffer %d", ErrBadCiphertext, msgLen, len(plain)-20)
	}
	return plain[20 : 20+msgLen], nil
}

func stripPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadCiphertext
	}
	pad := int(data[len(data)-1])
	if pad < 1 || pad > 32 || pad > len(data) {
		return nil, ErrBadCiphertext
	}
	return data[:len(data)-pad], nil
}

// callbackMessage carries the fields extracted from decrypted callback XML.
type callbackMessage struct {
	MsgType      string `xml:"MsgType"`
	Content      string `xml:"Content"`
	FromUserName string `xml:"FromUserName"`
	MsgID        string `xml:"MsgId"`
	ChatID       string `xml:"ChatId"`
	CreateTime   int64  `xml:"CreateTime"`
}

// parseCallbackXML extracts the message fields from decrypted XML.
// CreateTime is converted from seconds to milliseconds.
func parseCallbackXML(data []byte) (*callbackMessage, error) {
	var msg callbackMessage
	if err := xml.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse callback xml: %w", err)
	}
	msg.CreateTime *= 1000
	return &msg, nil
}

// isGroup reports group chat, which holds iff ChatId is present.
func (m *callbackMessage) isGroup() bool { return m.ChatID != "" }

// conversationID returns the chat id for groups and the sender for
// direct messages.
func (m *callbackMessage) conversationID() string {
	if m.isGroup() {
		return m.ChatID
	}
	return m.FromUserName
}

// encryptEnvelope is the <Encrypt> CDATA wrapper of callback bodies.
type encryptEnvelope struct {
	Encrypt string `xml:"Encrypt"`
}

func parseEncryptEnvelope(body []byte) (string, error) {
	var env encryptEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("parse encrypt envelope: %w", err)
	}
	if env.Encrypt == "" {
		return "", errors.New("wecom: empty Encrypt element")
	}
	return env.Encrypt, nil
}
