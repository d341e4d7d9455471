package groupsession

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"e2e_groupchat/internal/cryptographic/encryption"
	"e2e_groupchat/internal/cryptographic/kdf"
	"e2e_groupchat/internal/cryptographic/signature"
	"e2e_groupchat/internal/utils/codec"
)

const (
	saltSize       = 32
	messageKeyInfo = "GroupMessageKey"
)

var (
	// ErrVerificationFailed is returned when a message fails authentication
	// or its signature does not match the sender key.
	ErrVerificationFailed = errors.New("verification failed")
	ErrEpochNotFound      = errors.New("epoch not found in session")
	ErrWrongSession       = errors.New("data belongs to another session")
	ErrEmptySession       = errors.New("session has no epochs")
	ErrMalformed          = errors.New("malformed group session data")
	ErrInvalidKey         = errors.New("invalid key")
)

type (
	// Message is the wire form of a group ciphertext.
	Message struct {
		SessionID  []byte `cbor:"1,keyasint"`
		Epoch      uint32 `cbor:"2,keyasint"`
		Salt       []byte `cbor:"3,keyasint"`
		Ciphertext []byte `cbor:"4,keyasint"`
	}

	// Session accumulates epoch tickets of one group conversation.
	// Not safe for concurrent use.
	Session struct {
		id      []byte
		keys    map[uint32][]byte
		current uint32
	}
)

func New() *Session {
	return &Session{
		keys: make(map[uint32][]byte),
	}
}

// AddEpoch folds a ticket payload into the session. The first ticket fixes
// the session id. Re-adding a known epoch with the same key is a no-op.
func (s *Session) AddEpoch(payload []byte) error {
	t, err := ParseTicket(payload)
	if err != nil {
		return err
	}

	if len(s.keys) == 0 {
		s.id = t.SessionID
		s.current = t.Epoch
	} else if !bytes.Equal(s.id, t.SessionID) {
		return ErrWrongSession
	}

	if known, ok := s.keys[t.Epoch]; ok {
		if !bytes.Equal(known, t.Key) {
			return fmt.Errorf("conflicting key for epoch %d: %w", t.Epoch, ErrMalformed)
		}
		return nil
	}

	s.keys[t.Epoch] = t.Key
	if t.Epoch > s.current {
		s.current = t.Epoch
	}
	return nil
}

// CreateTicket mints a ticket for the epoch after the current one. The
// session itself is not advanced until the ticket is added back.
func (s *Session) CreateTicket() ([]byte, error) {
	if len(s.keys) == 0 {
		return nil, ErrEmptySession
	}
	return mintTicket(s.id, s.current+1)
}

func (s *Session) SessionID() []byte {
	return bytes.Clone(s.id)
}

func (s *Session) CurrentEpoch() uint32 {
	return s.current
}

func (s *Session) HasEpoch(epoch uint32) bool {
	_, ok := s.keys[epoch]
	return ok
}

// Epochs returns the known epochs in ascending order.
func (s *Session) Epochs() []uint32 {
	epochs := make([]uint32, 0, len(s.keys))
	for e := range s.keys {
		epochs = append(epochs, e)
	}
	slices.Sort(epochs)
	return epochs
}

// Encrypt signs plaintext with signingKey (ed25519) and encrypts signature
// and plaintext under a message key derived from the current epoch key.
func (s *Session) Encrypt(plaintext, signingKey []byte) ([]byte, error) {
	if len(s.keys) == 0 {
		return nil, ErrEmptySession
	}
	if len(signingKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key: %w", ErrInvalidKey)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("rand.Read salt: %w", err)
	}

	msg := &Message{
		SessionID: s.id,
		Epoch:     s.current,
		Salt:      salt,
	}

	msgKey, err := kdf.DeriveKey(s.keys[s.current], salt, messageKeyInfo)
	if err != nil {
		return nil, err
	}

	aad := msg.aad()
	sig := signature.ED25519Sign(signingKey, append(bytes.Clone(aad), plaintext...))

	inner := make([]byte, 0, len(sig)+len(plaintext))
	inner = append(inner, sig...)
	inner = append(inner, plaintext...)

	msg.Ciphertext, err = encryption.AEADEncrypt(msgKey, inner, aad)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(msg)
}

// Decrypt opens a message produced by Encrypt and verifies it against the
// sender's ed25519 public key.
func (s *Session) Decrypt(data, verifyKey []byte) ([]byte, error) {
	msg, err := ParseMessage(data)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(msg.SessionID, s.id) {
		return nil, ErrWrongSession
	}

	epochKey, ok := s.keys[msg.Epoch]
	if !ok {
		return nil, fmt.Errorf("epoch %d: %w", msg.Epoch, ErrEpochNotFound)
	}

	msgKey, err := kdf.DeriveKey(epochKey, msg.Salt, messageKeyInfo)
	if err != nil {
		return nil, err
	}

	aad := msg.aad()
	inner, err := encryption.AEADDecrypt(msgKey, msg.Ciphertext, aad)
	if err != nil {
		if errors.Is(err, encryption.ErrOpen) {
			return nil, ErrVerificationFailed
		}
		return nil, err
	}
	if len(inner) < signature.Size {
		return nil, ErrVerificationFailed
	}

	sig, plaintext := inner[:signature.Size], inner[signature.Size:]
	if !signature.ED25519Verify(verifyKey, append(bytes.Clone(aad), plaintext...), sig) {
		return nil, ErrVerificationFailed
	}
	return plaintext, nil
}

// ParseMessage decodes the envelope of a group ciphertext without
// decrypting it.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := codec.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(msg.SessionID) == 0 || len(msg.Salt) != saltSize || len(msg.Ciphertext) == 0 {
		return nil, ErrMalformed
	}
	return &msg, nil
}

func (m *Message) aad() []byte {
	b := make([]byte, 0, len(m.SessionID)+4+len(m.Salt))
	b = append(b, m.SessionID...)
	b = binary.BigEndian.AppendUint32(b, m.Epoch)
	b = append(b, m.Salt...)
	return b
}
