// Package export implements passphrase-protected key export files: a
// portable, armored container holding every local group session, importable
// by any client. Files can optionally be archived to S3-compatible storage.
package export

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/bel-os/keysafe/internal/megolm"
	"github.com/bel-os/keysafe/internal/metrics"
	"github.com/bel-os/keysafe/internal/store"
)

const (
	headerLine = "-----BEGIN MEGOLM SESSION DATA-----"
	footerLine = "-----END MEGOLM SESSION DATA-----"

	formatVersion = 0x01

	// DefaultExportRounds is the PBKDF2 iteration count for new export
	// files.
	DefaultExportRounds = 500000

	lineLength = 76
)

var exportMagic = []byte("MEGOLM01")

var (
	// ErrBadExportFormat is returned for files that are not well-formed
	// export containers.
	ErrBadExportFormat = errors.New("not a valid session export file")

	// ErrBadExportPassphrase is returned when the container is well-formed
	// but the passphrase does not authenticate it.
	ErrBadExportPassphrase = errors.New("wrong passphrase for session export file")
)

// Export serializes every session in the store into an armored,
// passphrase-encrypted container.
func Export(s store.Store, passphrase string, rounds int) ([]byte, error) {
	if rounds <= 0 {
		rounds = DefaultExportRounds
	}

	sessions, err := s.AllSessions()
	if err != nil {
		metrics.ExportsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	exported := make([]*megolm.ExportedSessionKey, 0, len(sessions))
	for _, session := range sessions {
		key := session.Export()
		key.RoomID = session.RoomID
		key.SessionID = session.SessionID
		exported = append(exported, key)
	}
	plaintext, err := json.Marshal(exported)
	if err != nil {
		metrics.ExportsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	salt := make([]byte, 16)
	iv := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	aesKey, macKey := deriveExportKeys(passphrase, salt, rounds)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	body := make([]byte, 0, len(exportMagic)+1+16+16+4+len(ciphertext)+sha256.Size)
	body = append(body, exportMagic...)
	body = append(body, formatVersion)
	body = append(body, salt...)
	body = append(body, iv...)
	body = binary.BigEndian.AppendUint32(body, uint32(rounds))
	body = append(body, ciphertext...)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	body = mac.Sum(body)

	metrics.ExportsTotal.WithLabelValues("ok").Inc()
	return armor(body), nil
}

// Import decrypts an export container and stores the contained sessions.
// Imported sessions are left unmarked so the engine backs them up to the
// active version.
func Import(s store.Store, data []byte, passphrase string) (int, error) {
	body, err := dearmor(data)
	if err != nil {
		return 0, err
	}
	minLength := len(exportMagic) + 1 + 16 + 16 + 4 + sha256.Size
	if len(body) < minLength {
		return 0, ErrBadExportFormat
	}
	if !bytes.Equal(body[:len(exportMagic)], exportMagic) {
		return 0, ErrBadExportFormat
	}
	if body[len(exportMagic)] != formatVersion {
		return 0, ErrBadExportFormat
	}

	offset := len(exportMagic) + 1
	salt := body[offset : offset+16]
	iv := body[offset+16 : offset+32]
	rounds := int(binary.BigEndian.Uint32(body[offset+32 : offset+36]))
	ciphertext := body[offset+36 : len(body)-sha256.Size]
	wantMAC := body[len(body)-sha256.Size:]

	aesKey, macKey := deriveExportKeys(passphrase, salt, rounds)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(body[:len(body)-sha256.Size])
	if subtle.ConstantTimeCompare(mac.Sum(nil), wantMAC) != 1 {
		return 0, ErrBadExportPassphrase
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return 0, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)

	var exported []*megolm.ExportedSessionKey
	if err := json.Unmarshal(plaintext, &exported); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadExportFormat, err)
	}

	sessions := make([]*megolm.GroupSession, 0, len(exported))
	for _, key := range exported {
		if key.SessionID == "" || key.SessionKey == "" {
			continue
		}
		sessions = append(sessions, megolm.FromExported(key.RoomID, key.SessionID, key))
	}
	return s.ImportSessions(sessions, false)
}

func deriveExportKeys(passphrase string, salt []byte, rounds int) (aesKey, macKey []byte) {
	material := pbkdf2.Key([]byte(passphrase), salt, rounds, 64, sha512.New)
	return material[:32], material[32:]
}

func armor(body []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(body)
	var out bytes.Buffer
	out.WriteString(headerLine)
	out.WriteByte('\n')
	for i := 0; i < len(encoded); i += lineLength {
		end := i + lineLength
		if end > len(encoded) {
			end = len(encoded)
		}
		out.WriteString(encoded[i:end])
		out.WriteByte('\n')
	}
	out.WriteString(footerLine)
	out.WriteByte('\n')
	return out.Bytes()
}

func dearmor(data []byte) ([]byte, error) {
	text := strings.TrimSpace(string(data))
	if !strings.HasPrefix(text, headerLine) || !strings.HasSuffix(text, footerLine) {
		return nil, ErrBadExportFormat
	}
	text = strings.TrimPrefix(text, headerLine)
	text = strings.TrimSuffix(text, footerLine)
	text = strings.Join(strings.Fields(text), "")

	body, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, ErrBadExportFormat
	}
	return body, nil
}
