package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	purposeActionToken = "stampcard/action-token"
	purposeVoucher     = "stampcard/voucher"
	purposeWebhook     = "stampcard/webhook"

	voucherCodeLength = 12
)

var ErrUnknownKeyVersion = errors.New("keyring: unknown key version")

// Keyring holds the versioned server secrets. Each master secret is expanded
// into independent per-purpose keys so token signing and voucher derivation
// never share key material.
type Keyring struct {
	active string
	keys   map[string]map[string][]byte
}

func NewKeyring(activeVersion, activeSecret string, retired map[string]string) (*Keyring, error) {
	if activeVersion == "" || activeSecret == "" {
		return nil, errors.New("keyring: active key version and secret are required")
	}
	k := &Keyring{active: activeVersion, keys: make(map[string]map[string][]byte)}
	if err := k.add(activeVersion, activeSecret); err != nil {
		return nil, err
	}
	for version, secret := range retired {
		if version == activeVersion {
			return nil, fmt.Errorf("keyring: retired version %q collides with active version", version)
		}
		if err := k.add(version, secret); err != nil {
			return nil, err
		}
	}
	return k, nil
}

func (k *Keyring) add(version, secret string) error {
	derived := make(map[string][]byte, 3)
	for _, purpose := range []string{purposeActionToken, purposeVoucher, purposeWebhook} {
		key := make([]byte, 32)
		if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(purpose)), key); err != nil {
			return fmt.Errorf("keyring: derive %s key for %s: %w", purpose, version, err)
		}
		derived[purpose] = key
	}
	k.keys[version] = derived
	return nil
}

func (k *Keyring) ActiveVersion() string { return k.active }

// WebhookKey signs outgoing notification bodies.
func (k *Keyring) WebhookKey() []byte { return k.keys[k.active][purposeWebhook] }

func (k *Keyring) key(version, purpose string) ([]byte, error) {
	derived, ok := k.keys[version]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyVersion, version)
	}
	return derived[purpose], nil
}

// VoucherCode derives the voucher for one reward cycle with the active key.
// The code is deterministic for (reward, customer, cycle, key version).
func (k *Keyring) VoucherCode(rewardID, customerID uuid.UUID, cycle int) (code, version string, err error) {
	code, err = k.voucherCodeWith(k.active, rewardID, customerID, cycle)
	return code, k.active, err
}

func (k *Keyring) voucherCodeWith(version string, rewardID, customerID uuid.UUID, cycle int) (string, error) {
	key, err := k.key(version, purposeVoucher)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s:%s:%d", rewardID, customerID, cycle)
	return base32.StdEncoding.EncodeToString(mac.Sum(nil))[:voucherCodeLength], nil
}

// VerifyVoucher recomputes the code with the key version it was minted under.
func (k *Keyring) VerifyVoucher(code, version string, rewardID, customerID uuid.UUID, cycle int) bool {
	expected, err := k.voucherCodeWith(version, rewardID, customerID, cycle)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(code))
}
