// Package dal holds the wire types and endpoints shared by the delegated auth
// client, the login broker and the greeting backend.
package dal

const (
	InitEndpoint     = "/async"
	AuthEndpoint     = "/async/auth"
	CallbackEndpoint = "/async/auth/callback"
	QueryEndpoint    = "/async/query"
	LogoutEndpoint   = "/async/logout"

	GreetEndpoint = "/api/greet"
)

type InitAsyncOIDCRequest struct {
	// RequestCode is passed to the broker and stored with the pending login. The broker uses
	// this code to authenticate client requests for token retrieval
	RequestCode string `json:"requestCode"`
}

type InitAsyncOIDCResponse struct {
	AuthURL string `json:"authURL"`
	Hmac    string `json:"hmac"`
	HmacTTL int64  `json:"ttl"`
}

type QueryAsyncOIDCResponse struct {
	Token string `json:"token"`
	Ready bool   `json:"ready"`
}

type GreetRequest struct {
	Name string `json:"name"`
}

type GreetResponse struct {
	Greeting string `json:"greeting"`
}
