package hash

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestPasswordSHA1(t *testing.T) {
	got := PasswordSHA1("dummy", 0x0010b92000001234)
	want := []byte{0xa7, 0x04, 0xb7, 0x9b, 0x2e, 0xa5, 0xe3, 0xc2}
	if !bytes.Equal(want, got) {
		t.Errorf("Unexpected PBKDF2 hash, got %s want %s", hex.EncodeToString(got), hex.EncodeToString(want))
	}
}

func TestPasswordSHA512(t *testing.T) {
	got := PasswordSHA512("dummy", 0x0010b92000001234)
	want := []byte{0x5c, 0xed, 0x2c, 0xef, 0xd4, 0x72, 0xb8, 0xa7}
	if !bytes.Equal(want, got) {
		t.Errorf("Unexpected PBKDF2 hash, got %s want %s", hex.EncodeToString(got), hex.EncodeToString(want))
	}
}

func TestPasswordRaw(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"", "0000000000000000"},
		{"abc", "6162630000000000"},
		{"0123456789", "3031323334353637"},
	}
	for _, tc := range testCases {
		if got := hex.EncodeToString(PasswordRaw(tc.in)); got != tc.want {
			t.Errorf("PasswordRaw(%q) = %s; want %s", tc.in, got, tc.want)
		}
	}
}
