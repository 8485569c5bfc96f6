package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"github.com/emersion/go-sasl"
	"golang.org/x/crypto/pbkdf2"
)

const (
	SCRAMSHA256 = "SCRAM-SHA-256"
	SCRAMSHA512 = "SCRAM-SHA-512"
)

var errSCRAMVerify = errors.New("server signature mismatch")

// scramClient implements SCRAM-SHA-256 and SCRAM-SHA-512 as a sasl.Client.
type scramClient struct {
	mechanism string
	hash      func() hash.Hash
	username  string
	password  string

	clientNonce     string
	clientFirstBare string
	serverSignature []byte
	step            int
}

var _ sasl.Client = (*scramClient)(nil)

func newSCRAMClient(mechanism, username, password string) (*scramClient, error) {
	var h func() hash.Hash
	switch mechanism {
	case SCRAMSHA256:
		h = sha256.New
	case SCRAMSHA512:
		h = sha512.New
	default:
		return nil, fmt.Errorf("unsupported SCRAM mechanism %q", mechanism)
	}
	return &scramClient{mechanism: mechanism, hash: h, username: username, password: password}, nil
}

func (s *scramClient) Start() (string, []byte, error) {
	nonce, err := generateClientNonce()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	s.clientNonce = nonce
	s.clientFirstBare = "n=" + escapeSCRAMName(s.username) + ",r=" + nonce
	s.step = 0
	// No channel binding, no authorization identity.
	return s.mechanism, []byte("n,," + s.clientFirstBare), nil
}

func (s *scramClient) Next(challenge []byte) ([]byte, error) {
	switch s.step {
	case 0:
		s.step++
		return s.clientFinal(string(challenge))
	case 1:
		s.step++
		return nil, s.verify(string(challenge))
	default:
		return nil, sasl.ErrUnexpectedServerChallenge
	}
}

func (s *scramClient) clientFinal(serverFirst string) ([]byte, error) {
	params := parseSCRAMParams(serverFirst)

	serverNonce, ok := params["r"]
	if !ok || !strings.HasPrefix(serverNonce, s.clientNonce) {
		return nil, errors.New("invalid server nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(params["s"])
	if err != nil || len(salt) == 0 {
		return nil, errors.New("invalid salt")
	}
	iterations, err := strconv.Atoi(params["i"])
	if err != nil || iterations <= 0 {
		return nil, errors.New("invalid iteration count")
	}

	saltedPassword := pbkdf2.Key([]byte(s.password), salt, iterations, s.hash().Size(), s.hash)
	clientKey := computeHMAC(s.hash, saltedPassword, "Client Key")
	storedKey := computeHash(s.hash, clientKey)
	serverKey := computeHMAC(s.hash, saltedPassword, "Server Key")

	withoutProof := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,")) + ",r=" + serverNonce
	authMessage := s.clientFirstBare + "," + serverFirst + "," + withoutProof

	clientSignature := computeHMAC(s.hash, storedKey, authMessage)
	proof := xorBytes(clientKey, clientSignature)
	s.serverSignature = computeHMAC(s.hash, serverKey, authMessage)

	return []byte(withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)), nil
}

func (s *scramClient) verify(serverFinal string) error {
	params := parseSCRAMParams(serverFinal)
	if e, ok := params["e"]; ok {
		return fmt.Errorf("server reported SCRAM error: %s", e)
	}
	got, err := base64.StdEncoding.DecodeString(params["v"])
	if err != nil {
		return fmt.Errorf("failed to decode server signature: %w", err)
	}
	if !hmac.Equal(got, s.serverSignature) {
		return errSCRAMVerify
	}
	return nil
}

func generateClientNonce() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

var scramNameEscaper = strings.NewReplacer("=", "=3D", ",", "=2C")

func escapeSCRAMName(name string) string {
	return scramNameEscaper.Replace(name)
}

func parseSCRAMParams(message string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(message, ",") {
		if len(part) >= 2 && part[1] == '=' {
			params[part[:1]] = part[2:]
		}
	}
	return params
}

func computeHMAC(h func() hash.Hash, key []byte, data string) []byte {
	mac := hmac.New(h, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func computeHash(h func() hash.Hash, data []byte) []byte {
	hasher := h()
	hasher.Write(data)
	return hasher.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
