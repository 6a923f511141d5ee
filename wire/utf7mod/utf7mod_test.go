package utf7mod

import "testing"

var roundTrips = []struct {
	name string
	dec  string
	enc  string
}{
	{"plain-ascii", "INBOX", "INBOX"},
	{"bare-amp", "&", "&-"},
	{"double-amp", "&&", "&-&-"},
	{"chinese", "Hello, 世界", "Hello, &ThZ1TA-"},
	{"emoji", "🤓", "&2D7dEw-"},
	{"mixed-path", "~peter/mail/台北/日本語", "~peter/mail/&U,BTFw-/&ZeVnLIqe-"},
}

func TestRoundTrip(t *testing.T) {
	for _, tt := range roundTrips {
		t.Run(tt.name, func(t *testing.T) {
			enc := Encode([]byte(tt.dec))
			if string(enc) != tt.enc {
				t.Errorf("Encode(%q) = %q, want %q", tt.dec, enc, tt.enc)
			}
			dec, err := Decode([]byte(tt.enc))
			if err != nil {
				t.Fatalf("Decode(%q): %v", tt.enc, err)
			}
			if string(dec) != tt.dec {
				t.Errorf("Decode(%q) = %q, want %q", tt.enc, dec, tt.dec)
			}
		})
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, bad := range []string{"&abc", "&\xff\xff-"} {
		if _, err := Decode([]byte(bad)); err == nil {
			t.Errorf("Decode(%q): want error, got nil", bad)
		}
	}
}

func TestEncodeDecodeIdentityOverRandomish(t *testing.T) {
	names := []string{
		"INBOX/Archive",
		"Säure",
		"仕事/予定",
		"a/b/c/日本語フォルダ",
		"",
	}
	for _, name := range names {
		enc := Encode([]byte(name))
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(Encode(%q)): %v", name, err)
		}
		if string(dec) != name {
			t.Errorf("round trip %q -> %q -> %q", name, enc, dec)
		}
	}
}
