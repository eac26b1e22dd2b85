package memory

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/jr0d/delegate-auth/pkg/dal/broker/storage"
)

// defaultRevocationTTL bounds revocations for tokens whose expiry is unknown.
const defaultRevocationTTL = 24 * 60 * 60

type MemTokenStorage struct {
	storage map[string]storage.EphemeralToken
	revoked map[[sha256.Size]byte]int64
	mutex   sync.RWMutex

	now func() time.Time
}

func New() *MemTokenStorage {
	return &MemTokenStorage{
		storage: make(map[string]storage.EphemeralToken),
		revoked: make(map[[sha256.Size]byte]int64),
		now:     time.Now,
	}
}

func (ts *MemTokenStorage) Create(hmac, rcode string, ttl int64) error {
	et := storage.EphemeralToken{
		RequestCode: rcode,
		TTL:         ttl,
		CreatedAt:   ts.now().Unix(),
	}
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	ts.storage[hmac] = et
	return nil
}

func (ts *MemTokenStorage) Save(hmac, token string) error {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	et, ok := ts.storage[hmac]
	if !ok {
		return fmt.Errorf("invalid token storage for hmac: %s", hmac)
	}
	et.Token = token
	ts.storage[hmac] = et
	return nil
}

func (ts *MemTokenStorage) Get(hmac string) (storage.EphemeralToken, bool, error) {
	ts.mutex.RLock()
	defer ts.mutex.RUnlock()
	t, ok := ts.storage[hmac]
	return t, ok, nil
}

func (ts *MemTokenStorage) Delete(hmac string) error {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	delete(ts.storage, hmac)
	return nil
}

func (ts *MemTokenStorage) Revoke(token string, until int64) error {
	if until == 0 {
		until = ts.now().Unix() + defaultRevocationTTL
	}
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	ts.revoked[sha256.Sum256([]byte(token))] = until
	return nil
}

func (ts *MemTokenStorage) Revoked(token string) bool {
	ts.mutex.RLock()
	defer ts.mutex.RUnlock()
	until, ok := ts.revoked[sha256.Sum256([]byte(token))]
	return ok && ts.now().Unix() < until
}

func (ts *MemTokenStorage) Prune() {
	now := ts.now().Unix()
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	for k, v := range ts.storage {
		if v.Expired(now) {
			delete(ts.storage, k)
		}
	}
	for k, until := range ts.revoked {
		if now >= until {
			delete(ts.revoked, k)
		}
	}
}
