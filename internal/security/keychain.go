package security

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	// KeychainService is the service name SASL secrets are stored under
	KeychainService = "irc-engine"
)

// Keychain stores SASL passwords in the OS keychain, keyed by network and account
type Keychain struct {
	service string
}

// NewKeychain creates a keychain using the default service name
func NewKeychain() *Keychain {
	return &Keychain{service: KeychainService}
}

func entry(network, account string) string {
	return network + "/" + account
}

// StorePassword stores the SASL password for account on network
func (k *Keychain) StorePassword(network, account, password string) error {
	if password == "" {
		// Empty password, delete instead
		return k.DeletePassword(network, account)
	}
	if err := keyring.Set(k.service, entry(network, account), password); err != nil {
		return fmt.Errorf("failed to store password in keychain: %w", err)
	}
	return nil
}

// GetPassword retrieves the SASL password for account on network. A missing
// entry yields an empty password.
func (k *Keychain) GetPassword(network, account string) (string, error) {
	password, err := keyring.Get(k.service, entry(network, account))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get password from keychain: %w", err)
	}
	return password, nil
}

// DeletePassword removes the SASL password for account on network
func (k *Keychain) DeletePassword(network, account string) error {
	err := keyring.Delete(k.service, entry(network, account))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil // Not found is not an error
		}
		return fmt.Errorf("failed to delete password from keychain: %w", err)
	}
	return nil
}

// ResolvePassword returns configured when set, else the keychain entry
func (k *Keychain) ResolvePassword(network, account, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	return k.GetPassword(network, account)
}
