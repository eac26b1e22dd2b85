package storage

// TokenStore tracks pending logins by HMAC and tokens revoked on logout.
type TokenStore interface {
	Create(hmac, rcode string, ttl int64) error
	Save(hmac, idToken string) error
	Get(hmac string) (EphemeralToken, bool, error)
	Delete(hmac string) error
	Prune()

	// Revoke rejects token until the unix time until. A zero until uses the
	// store's default retention.
	Revoke(token string, until int64) error
	Revoked(token string) bool
}

type EphemeralToken struct {
	Token       string
	RequestCode string
	TTL         int64
	CreatedAt   int64
}

// Expired reports whether the pending login outlived its TTL at unix time now.
func (et EphemeralToken) Expired(now int64) bool {
	return now-et.CreatedAt > et.TTL
}
