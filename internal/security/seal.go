// Package security seals emitted record batches so downstream consumers can
// check they were produced by this service and not altered in transit.
package security

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-adapters/internal/model"
)

// ErrSealMismatch is returned when a sealed envelope fails verification
var ErrSealMismatch = errors.New("seal verification failed")

// Integrity carries the digests and signature of an envelope's records
type Integrity struct {
	SHA256    string `json:"sha256"`
	Keccak256 string `json:"keccak256"`
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
	Algorithm string `json:"algorithm"`
}

// Envelope is a sealed batch of records for one project run
type Envelope struct {
	Project     string          `json:"project"`
	GeneratedAt int64           `json:"generatedAt"`
	Records     json.RawMessage `json:"records"`
	Integrity   Integrity       `json:"integrity"`
}

// Sealer signs envelopes with a secp256k1 key
type Sealer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	now        func() time.Time
}

// NewSealer loads a hex-encoded private key. An empty key generates an
// ephemeral one, which is fine for local runs but gives consumers nothing
// stable to pin.
func NewSealer(hexKey string) (*Sealer, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if hexKey == "" {
		key, err = crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		logrus.Warn("SIGNING_KEY not set, sealing with an ephemeral key")
	} else {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
	}
	s := &Sealer{privateKey: key, address: crypto.PubkeyToAddress(key.PublicKey), now: time.Now}
	logrus.Infof("Output sealer initialized with signer %s", s.address.Hex())
	return s, nil
}

// Address returns the signer address consumers verify against
func (s *Sealer) Address() common.Address { return s.address }

// Seal serializes records and signs the keccak256 digest of the bytes
func (s *Sealer) Seal(project string, records []model.PoolRecord) (Envelope, error) {
	if records == nil {
		records = []model.PoolRecord{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal records: %w", err)
	}

	digest := crypto.Keccak256(payload)
	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to sign records: %w", err)
	}
	sum := sha256.Sum256(payload)

	return Envelope{
		Project:     project,
		GeneratedAt: s.now().Unix(),
		Records:     payload,
		Integrity: Integrity{
			SHA256:    hex.EncodeToString(sum[:]),
			Keccak256: hexutil.Encode(digest),
			Signature: hexutil.Encode(sig),
			Signer:    s.address.Hex(),
			Algorithm: "secp256k1-keccak256",
		},
	}, nil
}

// Verify recomputes both digests and recovers the signer from the signature.
// It returns the recovered address, which must match Integrity.Signer.
func Verify(env Envelope) (common.Address, error) {
	sum := sha256.Sum256(env.Records)
	if hex.EncodeToString(sum[:]) != env.Integrity.SHA256 {
		return common.Address{}, fmt.Errorf("%w: sha256 mismatch", ErrSealMismatch)
	}
	digest := crypto.Keccak256(env.Records)
	if hexutil.Encode(digest) != env.Integrity.Keccak256 {
		return common.Address{}, fmt.Errorf("%w: keccak256 mismatch", ErrSealMismatch)
	}

	sig, err := hexutil.Decode(env.Integrity.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: decode signature: %v", ErrSealMismatch, err)
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: recover signer: %v", ErrSealMismatch, err)
	}
	signer := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(signer.Hex(), env.Integrity.Signer) {
		return signer, fmt.Errorf("%w: signed by %s, claims %s", ErrSealMismatch, signer.Hex(), env.Integrity.Signer)
	}
	return signer, nil
}

// VerifyFrom is Verify pinned to an expected signer
func VerifyFrom(env Envelope, expected common.Address) error {
	signer, err := Verify(env)
	if err != nil {
		return err
	}
	if signer != expected {
		return fmt.Errorf("%w: unexpected signer %s", ErrSealMismatch, signer.Hex())
	}
	return nil
}
