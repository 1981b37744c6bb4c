package ledger

// Signer authenticates requests submitted on behalf of the keeper operator.
type Signer interface {
	PublicKey() AccountID
	// SignRequest signs a request body and returns the encoded signature
	// carried alongside it.
	SignRequest(body []byte) string
}
