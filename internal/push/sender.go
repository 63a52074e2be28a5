package push

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/flomonster/sentryhub/pkg/models"
)

// httpSender is the production Sender: it encrypts payload per RFC 8291
// (aes128gcm) against the subscription's p256dh/auth keys and POSTs it to
// the push service endpoint with a VAPID authorization header.
type httpSender struct {
	Client *http.Client
}

func (s *httpSender) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (s *httpSender) Send(ctx context.Context, sub models.PushSubscription, payload []byte, vapidJWT, vapidPublicKey string) (int, error) {
	body, err := encryptAES128GCM(sub.P256dh, sub.Auth, payload)
	if err != nil {
		return 0, fmt.Errorf("push: encrypt payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("TTL", "60")
	req.Header.Set("Authorization", fmt.Sprintf("vapid t=%s, k=%s", vapidJWT, vapidPublicKey))

	resp, err := s.client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func endpointOrigin(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("push: invalid endpoint: %w", err)
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host), nil
}

// encryptAES128GCM implements the Web Push message encryption scheme
// (RFC 8291 aes128gcm content coding) against a subscription's base64url
// p256dh (uncompressed EC public key) and auth secret.
func encryptAES128GCM(p256dhB64, authB64 string, plaintext []byte) ([]byte, error) {
	recvPub, err := decodeB64(p256dhB64)
	if err != nil {
		return nil, fmt.Errorf("decode p256dh: %w", err)
	}
	authSecret, err := decodeB64(authB64)
	if err != nil {
		return nil, fmt.Errorf("decode auth: %w", err)
	}

	curve := ecdh.P256()
	recvKey, err := curve.NewPublicKey(recvPub)
	if err != nil {
		return nil, fmt.Errorf("parse receiver public key: %w", err)
	}

	senderPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	senderPub := senderPriv.PublicKey().Bytes()

	sharedSecret, err := senderPriv.ECDH(recvKey)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	// PRK per RFC 8291 §3.3: HKDF-Extract(auth_secret, ecdh_secret), info "WebPush: info" || ua_public || as_public.
	ikmInfo := bytes.Join([][]byte{[]byte("WebPush: info\x00"), recvPub, senderPub}, nil)
	ikmReader := hkdf.New(sha256.New, sharedSecret, authSecret, ikmInfo)
	ikm := make([]byte, 32)
	if _, err := io.ReadFull(ikmReader, ikm); err != nil {
		return nil, err
	}

	cekReader := hkdf.New(sha256.New, ikm, salt, []byte("Content-Encoding: aes128gcm\x00"))
	cek := make([]byte, 16)
	if _, err := io.ReadFull(cekReader, cek); err != nil {
		return nil, err
	}

	nonceReader := hkdf.New(sha256.New, ikm, salt, []byte("Content-Encoding: nonce\x00"))
	nonce := make([]byte, 12)
	if _, err := io.ReadFull(nonceReader, nonce); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	// A single padding delimiter byte (0x02, "last record") per RFC 8188.
	padded := append(append([]byte{}, plaintext...), 0x02)
	ciphertext := gcm.Seal(nil, nonce, padded, nil)

	// aes128gcm header: salt(16) || record size(4, BE) || key id length(1) || key id(senderPub).
	header := make([]byte, 16+4+1+len(senderPub))
	copy(header[0:16], salt)
	binary.BigEndian.PutUint32(header[16:20], uint32(4096))
	header[20] = byte(len(senderPub))
	copy(header[21:], senderPub)

	return append(header, ciphertext...), nil
}

func decodeB64(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
