package cmdutil

import (
	"encoding/hex"
	"testing"

	"github.com/open-source-firmware/go-sbp2/pkg/sbp2"
)

func TestParseWorkarounds(t *testing.T) {
	testCases := []struct {
		in      string
		want    sbp2.Workarounds
		wantErr bool
	}{
		{"", 0, false},
		{"0x108", sbp2.WorkaroundFixCapacity | sbp2.WorkaroundOverride, false},
		{"2", sbp2.WorkaroundInquiry36, false},
		{"inquiry-36, fix-capacity", sbp2.WorkaroundInquiry36 | sbp2.WorkaroundFixCapacity, false},
		{"override", sbp2.WorkaroundOverride, false},
		{"fix-capacity,bogus", 0, true},
	}
	for _, tc := range testCases {
		got, err := ParseWorkarounds(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseWorkarounds(%q) error = %v; want error %t", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseWorkarounds(%q) = %s; want %s", tc.in, got, tc.want)
		}
	}
}

func TestGenerateHash(t *testing.T) {
	testCases := []struct {
		pw   PasswordEmbed
		want string
	}{
		{PasswordEmbed{Password: "", Hash: "sha1"}, ""},
		{PasswordEmbed{Password: "dummy", Hash: "sha1"}, "a704b79b2ea5e3c2"},
		{PasswordEmbed{Password: "dummy", Hash: "sha512"}, "5ced2cefd472b8a7"},
		{PasswordEmbed{Password: "abc", Hash: "raw"}, "6162630000000000"},
	}
	for _, tc := range testCases {
		got, err := tc.pw.GenerateHash(0x0010b92000001234)
		if err != nil {
			t.Errorf("GenerateHash(%q, %s) failed: %v", tc.pw.Password, tc.pw.Hash, err)
			continue
		}
		if hex.EncodeToString(got) != tc.want {
			t.Errorf("GenerateHash(%q, %s) = %x; want %s", tc.pw.Password, tc.pw.Hash, got, tc.want)
		}
	}

	bad := PasswordEmbed{Password: "dummy", Hash: "md5"}
	if _, err := bad.GenerateHash(0); err == nil {
		t.Errorf("GenerateHash() with unknown method succeeded")
	}
}
