package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/digest"
	"golang.org/x/crypto/hkdf"
)

const (
	ChainAlgorithm = "sha256-linear-chain"
	MACAlgorithm   = "hmac-sha256"

	anchorKeyInfo = "flightrec anchor mac v1"
)

var (
	ErrAnchorUnsigned = errors.New("anchor carries no mac")
	ErrAnchorMismatch = errors.New("anchor mac mismatch")
	ErrTipMismatch    = errors.New("anchor tip does not match receipts")
	ErrUnsupportedMAC = errors.New("anchor mac algorithm is not supported")
)

// Anchor — внешняя фиксация вершины цепочки.
type Anchor struct {
	Tip          string `json:"tip"`
	ReceiptCount int    `json:"receipt_count"`
	Algorithm    string `json:"algorithm"`
	MACAlgorithm string `json:"mac_algorithm,omitempty"`
	MAC          string `json:"mac,omitempty"`
}

// Signer — способность подписывать вершину. Секрет остается внутри реализации.
type Signer interface {
	Algorithm() string
	Sign(tip string) ([]byte, error)
}

// HMACSigner считает HMAC-SHA256 ключом, выведенным через HKDF из секрета оператора.
type HMACSigner struct {
	key []byte
}

func NewHMACSigner(secret []byte) (*HMACSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("audit: empty anchor secret")
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(anchorKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("audit: derive anchor key: %w", err)
	}
	return &HMACSigner{key: key}, nil
}

func (s *HMACSigner) Algorithm() string { return MACAlgorithm }

func (s *HMACSigner) Sign(tip string) ([]byte, error) {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(tip))
	return m.Sum(nil), nil
}

// NewAnchor фиксирует вершину; signer может быть nil (анкер без MAC).
func NewAnchor(tip string, count int, signer Signer) (Anchor, error) {
	a := Anchor{Tip: tip, ReceiptCount: count, Algorithm: ChainAlgorithm}
	if signer == nil {
		return a, nil
	}
	mac, err := signer.Sign(tip)
	if err != nil {
		return Anchor{}, fmt.Errorf("audit: sign anchor: %w", err)
	}
	a.MACAlgorithm = signer.Algorithm()
	a.MAC = hex.EncodeToString(mac)
	return a, nil
}

// VerifyAnchor пересчитывает MAC над вершиной и сравнивает за постоянное время.
func VerifyAnchor(a Anchor, signer Signer) error {
	if a.MAC == "" {
		return ErrAnchorUnsigned
	}
	if a.MACAlgorithm != signer.Algorithm() {
		return fmt.Errorf("%w: %q (want %s)", ErrUnsupportedMAC, a.MACAlgorithm, signer.Algorithm())
	}
	if !digest.IsHex64(a.Tip) {
		return fmt.Errorf("%w: malformed tip", ErrAnchorMismatch)
	}
	got, err := hex.DecodeString(a.MAC)
	if err != nil {
		return fmt.Errorf("%w: mac is not hex", ErrAnchorMismatch)
	}
	want, err := signer.Sign(a.Tip)
	if err != nil {
		return fmt.Errorf("audit: sign anchor: %w", err)
	}
	if !hmac.Equal(got, want) {
		return ErrAnchorMismatch
	}
	return nil
}

// MatchReceipts сверяет анкер с цепочкой квитанций.
func MatchReceipts(a Anchor, receipts []Receipt) error {
	tip := digest.Zero
	if len(receipts) > 0 {
		tip = receipts[len(receipts)-1].ReceiptHash
	}
	if a.Tip != tip || a.ReceiptCount != len(receipts) {
		return ErrTipMismatch
	}
	return nil
}

// DecodeAnchor читает anchor.json. Неизвестные поля — ошибка.
func DecodeAnchor(src io.Reader) (Anchor, error) {
	dec := json.NewDecoder(src)
	dec.DisallowUnknownFields()
	var a Anchor
	if err := dec.Decode(&a); err != nil {
		return Anchor{}, fmt.Errorf("audit: decode anchor: %w", err)
	}
	if a.Algorithm != ChainAlgorithm {
		return Anchor{}, fmt.Errorf("audit: unsupported anchor algorithm %q", a.Algorithm)
	}
	return a, nil
}
