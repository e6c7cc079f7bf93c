package types

const (
	AttributeKeyAction = "action"
	AttributeKeyPubKey = "pub_key"
	AttributeKeyNonce  = "nonce"
	AttributeKeySeqNum = "seq_num"

	AttributeKeyTcbStatus            = "tcb_status"
	AttributeKeyAttestationDigest    = "attestation_digest"
	AttributeKeyAttestationExpiresAt = "attestation_expires_at"

	ActionInstantiate      = "instantiate"
	ActionSessionCreate    = "session_create"
	ActionSessionSetPubKey = "session_set_pub_key"
	ActionExecute          = "execute"
)

// Attribute is a key/value pair attached to a contract response.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func NewAttribute(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}
