package postfix

import "testing"

func TestParseAttributes(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Attributes
	}{
		{
			name:  "basic request",
			frame: "request=smtpd_access_policy\nsender=a@x\nrecipient=b@y\n\n",
			want: Attributes{
				"request":   "smtpd_access_policy",
				"sender":    "a@x",
				"recipient": "b@y",
			},
		},
		{
			name:  "whitespace around key and value is stripped",
			frame: "  sender =  a@x  \nhelo_name=\tmx1.example\n\n",
			want: Attributes{
				"sender":    "a@x",
				"helo_name": "mx1.example",
			},
		},
		{
			name:  "only first equals separates",
			frame: "sender=a=b=c\n\n",
			want:  Attributes{"sender": "a=b=c"},
		},
		{
			name:  "lines without equals are ignored",
			frame: "garbage line\nsender=a@x\n\n",
			want:  Attributes{"sender": "a@x"},
		},
		{
			name:  "empty value is kept",
			frame: "sasl_username=\nsender=a@x\n\n",
			want:  Attributes{"sasl_username": "", "sender": "a@x"},
		},
		{
			name:  "duplicate key keeps last value",
			frame: "sender=first\nsender=second\n\n",
			want:  Attributes{"sender": "second"},
		},
		{
			name:  "empty frame",
			frame: "\n\n",
			want:  Attributes{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseAttributes(tt.frame)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseAttributes() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("attrs[%q] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestIsAccessPolicy(t *testing.T) {
	tests := []struct {
		name  string
		attrs Attributes
		want  bool
	}{
		{
			name:  "valid gate",
			attrs: Attributes{"request": "smtpd_access_policy"},
			want:  true,
		},
		{
			name:  "missing request key",
			attrs: Attributes{"sender": "a@x"},
			want:  false,
		},
		{
			name:  "wrong request type",
			attrs: Attributes{"request": "junk"},
			want:  false,
		},
		{
			name:  "empty map",
			attrs: Attributes{},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.attrs.IsAccessPolicy(); got != tt.want {
				t.Errorf("IsAccessPolicy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerdict(t *testing.T) {
	tests := []struct {
		name       string
		action     string
		customText string
		want       string
	}{
		{"action with text", "550", "Not allowed", "550 Not allowed"},
		{"action without text", "OK", "", "OK"},
		{"trailing space collapsed", "DUNNO", "  ", "DUNNO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verdict(tt.action, tt.customText); got != tt.want {
				t.Errorf("Verdict(%q, %q) = %q, want %q", tt.action, tt.customText, got, tt.want)
			}
		})
	}
}

func TestFormatResponse(t *testing.T) {
	tests := []struct {
		name    string
		verdict string
		want    string
	}{
		{"plain verdict", "DUNNO", "DUNNO\n\n"},
		{"verdict with suffix", "550 Not allowed", "550 Not allowed\n\n"},
		{"invalid request sentinel", VerdictInvalid, "REJECT Invalid request\n\n"},
		{"stray trailing whitespace", "OK ", "OK\n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(FormatResponse(tt.verdict)); got != tt.want {
				t.Errorf("FormatResponse(%q) = %q, want %q", tt.verdict, got, tt.want)
			}
		})
	}
}

func TestKeyOptionsIsACopy(t *testing.T) {
	first := KeyOptions()
	if len(first) == 0 {
		t.Fatal("KeyOptions() returned no keys")
	}
	first[0] = "tampered"

	second := KeyOptions()
	if second[0] == "tampered" {
		t.Error("KeyOptions() shares backing storage between calls")
	}
}

func TestClone(t *testing.T) {
	orig := Attributes{"sender": "a@x", "recipient": "b@y"}
	clone := orig.Clone()

	clone["sender"] = "mutated"
	if orig["sender"] != "a@x" {
		t.Errorf("Clone() shares storage: orig[sender] = %q", orig["sender"])
	}
	if len(clone) != len(orig) {
		t.Errorf("Clone() length = %d, want %d", len(clone), len(orig))
	}
}
