package credentials

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const keyringService = "dal"

// KeyringStore keeps the token in the OS keychain under the dal service.
type KeyringStore struct {
	account string
}

func NewKeyringStore(account string) *KeyringStore {
	if account == "" {
		account = "default"
	}
	return &KeyringStore{account: account}
}

func (k *KeyringStore) Load() (string, bool, error) {
	token, err := keyring.Get(keyringService, k.account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("error reading keyring: %w", err)
	}
	return token, token != "", nil
}

func (k *KeyringStore) Save(rawToken string) error {
	if rawToken == "" {
		return errEmptyToken
	}
	if err := keyring.Set(keyringService, k.account, rawToken); err != nil {
		return fmt.Errorf("error writing keyring: %w", err)
	}
	return nil
}

func (k *KeyringStore) Delete() error {
	err := keyring.Delete(keyringService, k.account)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("error deleting keyring entry: %w", err)
	}
	return nil
}
