package notify

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"

	"github.com/skip2/go-qrcode"

	"ms-settlement/internal/models"
)

// CheckIn is what the venue scans at the door.
type CheckIn struct {
	OrderNumber string             `json:"order_number"`
	SessionID   string             `json:"session_id"`
	Kind        models.BookingKind `json:"kind"`
	EventID     string             `json:"event_id"`
	Places      int                `json:"places"`
}

// QRGenerator renders an AES encrypted check-in payload as a PNG QR code.
type QRGenerator struct {
	secret []byte
}

func NewQRGenerator(secret string) *QRGenerator {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &QRGenerator{secret: hashed[:]}
}

func (q *QRGenerator) Generate(checkIn CheckIn) ([]byte, error) {
	text, err := q.Encode(checkIn)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(text, qrcode.Medium, 256)
}

// Encode returns the encrypted text a code carries.
func (q *QRGenerator) Encode(checkIn CheckIn) (string, error) {
	data, err := json.Marshal(checkIn)
	if err != nil {
		return "", err
	}
	return encryptAES(data, q.secret)
}

// Decode reverses the encrypted text carried by a scanned code.
func (q *QRGenerator) Decode(text string) (CheckIn, error) {
	var checkIn CheckIn
	plain, err := decryptAES(text, q.secret)
	if err != nil {
		return checkIn, err
	}
	err = json.Unmarshal(plain, &checkIn)
	return checkIn, err
}

func encryptAES(data, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(data))
	iv := ciphertext[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], data)

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

func decryptAES(text string, key []byte) ([]byte, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(text)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aes.BlockSize {
		return nil, errors.New("ciphertext too short")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	iv, body := ciphertext[:aes.BlockSize], ciphertext[aes.BlockSize:]
	plain := make([]byte, len(body))
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(plain, body)
	return plain, nil
}
