package wecom

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

const testToken = "tok123"

// testEncodingKey produces a 43-char EncodingAESKey for a fixed 32-byte key.
func testEncodingKey() string {
	key := []byte("0123456789abcdef0123456789abcdef")
	return strings.TrimSuffix(base64.StdEncoding.EncodeToString(key), "=")
}

func newTestCrypto(t *testing.T) *crypto {
	t.Helper()
	c, err := newCrypto(testToken, testEncodingKey())
	if err != nil {
		t.Fatalf("newCrypto: %v", err)
	}
	return c
}

// encryptForTest builds a ciphered payload in the callback wire layout:
// 16 filler bytes, big-endian length, message, receiver id, PKCS7 padding.
func encryptForTest(t *testing.T, c *crypto, msg, receiverID string) string {
	t.Helper()
	plain := make([]byte, 0, 64)
	plain = append(plain, []byte("0123456789abcdef")...)
	plain = binary.BigEndian.AppendUint32(plain, uint32(len(msg)))
	plain = append(plain, msg...)
	plain = append(plain, receiverID...)

	pad := 32 - len(plain)%32
	for i := 0; i < pad; i++ {
		plain = append(plain, byte(pad))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(out, plain)
	return base64.StdEncoding.EncodeToString(out)
}

func TestNewCrypto_BadKeyLength(t *testing.T) {
	short := strings.TrimSuffix(base64.StdEncoding.EncodeToString([]byte("01234567890123456789")), "=")
	_, err := newCrypto(testToken, short)
	if !errors.Is(err, ErrBadKeyLength) {
		t.Errorf("err = %v, want ErrBadKeyLength", err)
	}
}

func TestDecrypt_Roundtrip(t *testing.T) {
	c := newTestCrypto(t)
	tests := []struct {
		name string
		msg  string
	}{
		{"xml message", "<xml><MsgType><![CDATA[text]]></MsgType></xml>"},
		{"short", "hi"},
		{"cjk", "你好，世界"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphered := encryptForTest(t, c, tt.msg, "corp-id")
			got, err := c.decrypt(ciphered)
			if err != nil {
				t.Fatalf("decrypt: %v", err)
			}
			if string(got) != tt.msg {
				t.Errorf("decrypt = %q, want %q", got, tt.msg)
			}
		})
	}
}

func TestDecrypt_LengthExceedsBuffer(t *testing.T) {
	c := newTestCrypto(t)

	// Declared message length points past the end of the plaintext.
	plain := make([]byte, 0, 32)
	plain = append(plain, []byte("0123456789abcdef")...)
	plain = binary.BigEndian.AppendUint32(plain, 9999)
	plain = append(plain, "short"...)
	pad := 32 - len(plain)%32
	for i := 0; i < pad; i++ {
		plain = append(plain, byte(pad))
	}
	block, _ := aes.NewCipher(c.key)
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(out, plain)

	_, err := c.decrypt(base64.StdEncoding.EncodeToString(out))
	if !errors.Is(err, ErrBadCiphertext) {
		t.Errorf("err = %v, want ErrBadCiphertext", err)
	}
}

func TestDecrypt_Malformed(t *testing.T) {
	c := newTestCrypto(t)
	tests := []struct {
		name     string
		ciphered string
	}{
		{"not base64", "!!not-base64!!"},
		{"not block aligned", base64.StdEncoding.EncodeToString([]byte("tooshort"))},
		{"empty", base64.StdEncoding.EncodeToString(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.decrypt(tt.ciphered); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSignature(t *testing.T) {
	c := newTestCrypto(t)
	sig := c.signature("1693000000", "nonce1", "payload")

	if len(sig) != 40 {
		t.Errorf("signature length = %d, want 40 hex chars", len(sig))
	}
	// Parameter order must not matter beyond the lexicographic sort.
	if sig != c.signature("1693000000", "nonce1", "payload") {
		t.Error("signature is not deterministic")
	}

	if err := c.verifySignature(sig, "1693000000", "nonce1", "payload"); err != nil {
		t.Errorf("verify failed for own signature: %v", err)
	}
	if err := c.verifySignature(sig, "1693000001", "nonce1", "payload"); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("err = %v, want ErrSignatureMismatch", err)
	}
}

func TestParseCallbackXML(t *testing.T) {
	data := []byte(`<xml>
		<MsgType><![CDATA[text]]></MsgType>
		<Content><![CDATA[帮我删除旧日志]]></Content>
		<FromUserName><![CDATA[user1]]></FromUserName>
		<MsgId><![CDATA[msg-9]]></MsgId>
		<ChatId><![CDATA[chat-7]]></ChatId>
		<CreateTime>1693000000</CreateTime>
	</xml>`)

	msg, err := parseCallbackXML(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.MsgType != "text" || msg.Content != "帮我删除旧日志" {
		t.Errorf("fields = %q/%q", msg.MsgType, msg.Content)
	}
	if msg.CreateTime != 1693000000000 {
		t.Errorf("CreateTime = %d, want milliseconds", msg.CreateTime)
	}
	if !msg.isGroup() || msg.conversationID() != "chat-7" {
		t.Errorf("group detection failed: isGroup=%v conv=%q", msg.isGroup(), msg.conversationID())
	}
}

func TestParseCallbackXML_DirectMessage(t *testing.T) {
	data := []byte(`<xml>
		<MsgType><![CDATA[text]]></MsgType>
		<Content><![CDATA[hello]]></Content>
		<FromUserName><![CDATA[user1]]></FromUserName>
		<CreateTime>1</CreateTime>
	</xml>`)

	msg, err := parseCallbackXML(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.isGroup() {
		t.Error("message without ChatId must be direct")
	}
	if msg.conversationID() != "user1" {
		t.Errorf("conversationID = %q, want sender", msg.conversationID())
	}
}

func TestParseEncryptEnvelope(t *testing.T) {
	body := []byte(`<xml><Encrypt><![CDATA[CIPHERED]]></Encrypt></xml>`)
	got, err := parseEncryptEnvelope(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != "CIPHERED" {
		t.Errorf("encrypt = %q", got)
	}

	if _, err := parseEncryptEnvelope([]byte(`<xml></xml>`)); err == nil {
		t.Error("expected error for empty Encrypt element")
	}
}
