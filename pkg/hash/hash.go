// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Derivation of SBP-2 login passwords from passphrases

package hash

import (
	"crypto/sha1"
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// PasswordSize is the size of an immediate login password.
const PasswordSize = 8

func salt(guid uint64) []byte {
	s := fmt.Sprintf("%-20s", fmt.Sprintf("%016x", guid))
	return []byte(s[:20])
}

// PasswordSHA1 derives the password with PBKDF2-SHA1, salted with the
// target's GUID.
func PasswordSHA1(passphrase string, guid uint64) []byte {
	return pbkdf2.Key([]byte(passphrase), salt(guid), 75000, PasswordSize, sha1.New)
}

func PasswordSHA512(passphrase string, guid uint64) []byte {
	return pbkdf2.Key([]byte(passphrase), salt(guid), 500000, PasswordSize, sha512.New)
}

// PasswordRaw uses the passphrase itself, zero padded or truncated.
func PasswordRaw(passphrase string) []byte {
	pw := make([]byte, PasswordSize)
	copy(pw, passphrase)
	return pw
}
