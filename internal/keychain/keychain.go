package keychain

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	serviceName = "chatushka"
	// TokenAccount is the keychain account holding the bot API token.
	TokenAccount = "bot-token"
)

// ErrNotFound is returned when no secret is stored for the account.
var ErrNotFound = keyring.ErrNotFound

// Get retrieves a secret from the system keychain.
func Get(account string) (string, error) {
	return keyring.Get(serviceName, account)
}

// Set stores a secret in the system keychain.
func Set(account, value string) error {
	return keyring.Set(serviceName, account, value)
}

// Delete removes a secret. Deleting a missing secret is not an error.
func Delete(account string) error {
	if err := keyring.Delete(serviceName, account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete %s: %w", account, err)
	}
	return nil
}

// Token returns the stored bot token, or "" when none is stored.
func Token() (string, error) {
	token, err := Get(TokenAccount)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read bot token: %w", err)
	}
	return token, nil
}
