package domain

// StoreContext carries the store-scoped configuration for one call. It is
// resolved per request and passed explicitly to the authorizer.
type StoreContext struct {
	Code          string
	PublicKey     string
	SuccessURL    string // default 3DS success redirect when the client omits one
	FailureURL    string
	WalletEnabled bool
}
