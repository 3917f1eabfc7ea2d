// Package postfix implements the Postfix SMTP access policy delegation
// protocol: framed key=value requests, single-line verdict responses, and
// version detection from the attribute set a given MTA release sends.
package postfix

// Attributes is the parsed key/value map of one policy inquiry. Keys are
// unique; unknown keys are preserved but never matched by rules or limiters.
type Attributes map[string]string

const (
	// AttrRequest is the mandatory request-type attribute.
	AttrRequest = "request"

	// AccessPolicy is the only request type this service answers.
	AccessPolicy = "smtpd_access_policy"
)

// keyOptions is the closed set of attribute names rules and rate limiters
// may match on, in the order the management API reports them.
var keyOptions = []string{
	"client_ip", "helo_name", "sender", "recipient", "sasl_username",
	"client_name", "client_address", "client_port", "server_address",
	"server_port", "encryption_protocol", "encryption_cipher",
	"encryption_keysize", "ccert_subject", "ccert_issuer",
	"ccert_fingerprint", "ccert_pubkey_fingerprint", "protocol_state",
	"protocol_name", "queue_id", "instance", "size", "etrn_domain",
	"stress", "sasl_method", "sasl_sender", "policy_context", "request",
	"recipient_count", "reverse_client_name", "mail_version",
	"compatibility_level",
}

// KeyOptions returns the recognized attribute names. The returned slice is a
// copy; callers may modify it freely.
func KeyOptions() []string {
	out := make([]string, len(keyOptions))
	copy(out, keyOptions)
	return out
}

// IsAccessPolicy reports whether the attribute map carries
// request=smtpd_access_policy, the validity gate for every inquiry.
func (a Attributes) IsAccessPolicy() bool {
	return a[AttrRequest] == AccessPolicy
}

// Clone returns an independent copy of the attribute map.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
