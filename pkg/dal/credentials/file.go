package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// {
//  "apiVersion": "dal/v1",
//  "kind": "SessionCredential",
//  "status": {
//    "token": "my-id-token"
//  }
//}

type TokenStatus struct {
	Token string `json:"token"`
}

type TokenOutput struct {
	APIVersion string      `json:"apiVersion"`
	Kind       string      `json:"kind"`
	Status     TokenStatus `json:"status"`
}

const (
	tokenAPIVersion = "dal/v1"
	tokenKind       = "SessionCredential"
)

// FileStore keeps the token in <dir>/<account>/token. Writers serialize on a lock file
// next to it so that two CLI invocations never interleave.
type FileStore struct {
	tokenPath string
	lock      *flock.Flock
}

func NewFileStore(dir, account string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("token directory is not defined")
	}
	if account == "" {
		account = "default"
	}
	accountDir := filepath.Join(dir, account)
	if err := os.MkdirAll(accountDir, os.FileMode(0700)); err != nil {
		return nil, fmt.Errorf("could not create token directory: %w", err)
	}
	tokenPath := filepath.Join(accountDir, "token")
	return &FileStore{
		tokenPath: tokenPath,
		lock:      flock.New(tokenPath + ".lock"),
	}, nil
}

func (f *FileStore) Path() string {
	return f.tokenPath
}

func (f *FileStore) Load() (string, bool, error) {
	if err := f.lock.RLock(); err != nil {
		return "", false, fmt.Errorf("error locking token file: %w", err)
	}
	defer func() { _ = f.lock.Unlock() }()

	stat, err := os.Stat(f.tokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("error getting token file info: %w", err)
	}
	if stat.IsDir() {
		return "", false, fmt.Errorf("token path is a directory: %s", f.tokenPath)
	}

	data, err := os.ReadFile(f.tokenPath)
	if err != nil {
		return "", false, fmt.Errorf("could not read token: %w", err)
	}
	out := &TokenOutput{}
	if err := json.Unmarshal(data, out); err != nil {
		return "", false, fmt.Errorf("failed to parse token %s: %w", f.tokenPath, err)
	}
	return out.Status.Token, out.Status.Token != "", nil
}

func (f *FileStore) Save(rawToken string) error {
	if rawToken == "" {
		return errEmptyToken
	}
	data, err := json.Marshal(&TokenOutput{
		APIVersion: tokenAPIVersion,
		Kind:       tokenKind,
		Status:     TokenStatus{Token: rawToken},
	})
	if err != nil {
		return fmt.Errorf("could not encode token: %w", err)
	}

	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("error locking token file: %w", err)
	}
	defer func() { _ = f.lock.Unlock() }()

	tmp := f.tokenPath + ".tmp"
	if err := os.WriteFile(tmp, data, os.FileMode(0600)); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	if err := os.Rename(tmp, f.tokenPath); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	return nil
}

func (f *FileStore) Delete() error {
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("error locking token file: %w", err)
	}
	defer func() { _ = f.lock.Unlock() }()

	if err := os.Remove(f.tokenPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	return nil
}
