package cmdutil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/open-source-firmware/go-sbp2/pkg/hash"
	"github.com/open-source-firmware/go-sbp2/pkg/sbp2"
)

type PasswordEmbed struct {
	Password string `optional:"" env:"SBP2_PASS" type:"password" help:"Login password of the target"`
	Hash     string `optional:"" env:"SBP2_HASH" default:"sha1" enum:"sha1,sha512,raw" help:"Use sha1, sha512 or the raw passphrase for the 8 byte login password"`
}

// GenerateHash derives the login password, salted with the target's GUID.
// It returns nil if no password was given.
func (t *PasswordEmbed) GenerateHash(guid uint64) ([]byte, error) {
	if t.Password == "" {
		return nil, nil
	}
	switch t.Hash {
	case "sha1":
		return hash.PasswordSHA1(t.Password, guid), nil
	case "sha512":
		return hash.PasswordSHA512(t.Password, guid), nil
	case "raw":
		return hash.PasswordRaw(t.Password), nil
	default:
		return nil, fmt.Errorf("unknown hash method %q", t.Hash)
	}
}

type DeviceEmbed struct {
	Device      string `flag:"" required:"" short:"d" env:"SBP2_DEVICE" help:"Path to the firewire character device of the target node (e.g. /dev/fw1)"`
	Workarounds string `flag:"" optional:"" env:"SBP2_WORKAROUNDS" help:"Workaround flags, by name or as a number"`
}

// ParseWorkarounds accepts a comma separated list of workaround names, or a
// single number in any base strconv understands.
func (d *DeviceEmbed) ParseWorkarounds() (sbp2.Workarounds, error) {
	return ParseWorkarounds(d.Workarounds)
}

func ParseWorkarounds(s string) (sbp2.Workarounds, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 0, 32); err == nil {
		return sbp2.Workarounds(n), nil
	}
	var w sbp2.Workarounds
	for _, name := range strings.Split(s, ",") {
		f, ok := sbp2.WorkaroundByName(strings.TrimSpace(name))
		if !ok {
			return 0, fmt.Errorf("unknown workaround %q", name)
		}
		w |= f
	}
	return w, nil
}
