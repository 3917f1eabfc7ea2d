package postfix

// versionMarkers maps probe attributes to the oldest Postfix release that
// sends them, newest first. Detection walks the ladder and stops at the
// first attribute present.
var versionMarkers = []struct {
	attr    string
	version string
}{
	{"mail_version", "3.7 or later"},
	{"server_address", "3.2"},
	{"policy_context", "3.1"},
	{"client_port", "3.0"},
	{"ccert_pubkey_fingerprint", "2.9"},
	{"stress", "2.5"},
	{"encryption_protocol", "2.3"},
	{"sasl_method", "2.2"},
}

// VersionUnknown is reported when no probe attribute is present.
const VersionUnknown = "2.1 or earlier"

// DetectVersion classifies the sending MTA's version from which attributes
// appear in the inquiry. The result is informational only; it never affects
// the verdict.
func DetectVersion(attrs Attributes) string {
	for _, m := range versionMarkers {
		if _, ok := attrs[m.attr]; ok {
			return m.version
		}
	}
	return VersionUnknown
}
