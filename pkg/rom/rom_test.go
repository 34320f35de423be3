// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rom

import (
	"encoding/hex"
	"reflect"
	"strings"
	"testing"
)

func testROM() ([]uint32, int) {
	b := NewBuilder([]uint32{0x31333934, 0xf000a000, 0x0010b920, 0x00001234})
	root := b.Add()
	b.Entry(root, KeyTypeImmediate|KeyVendor, 0x0010b9)
	unit := b.Add()
	b.Ref(root, KeyTypeDirectory|KeyUnit, unit)
	b.Entry(unit, KeyTypeImmediate|KeySpecifierID, 0x00609e)
	b.Entry(unit, KeyTypeImmediate|KeyVersion, 0x010483)
	b.Entry(unit, KeyTypeOffset|KeyDependentInfo, 0x4000)
	other := b.Add()
	b.Ref(root, KeyTypeDirectory|KeyUnit, other)
	b.Entry(other, KeyTypeImmediate|KeySpecifierID, 0x00a02d)
	b.Entry(other, KeyTypeImmediate|KeyVersion, 0x010001)
	return b.Bytes(), b.Start(unit)
}

func TestBuilder(t *testing.T) {
	rom, unit := testROM()
	want := strings.Join([]string{
		"040f0000", "31333934", "f000a000", "0010b920", "00001234",
		// Root directory
		"00030000", "030010b9", "d1000002", "d1000005",
		// SBP-2 unit directory
		"00030000", "1200609e", "13010483", "54004000",
		// Other unit directory
		"00020000", "1200a02d", "13010001",
	}, "")
	if got := hex.EncodeToString(Encode(rom)); got != want {
		t.Errorf("Bytes() = %s; want %s", got, want)
	}
	if unit != 9 {
		t.Errorf("Start() = %d; want 9", unit)
	}
}

func TestUnitDirectories(t *testing.T) {
	rom, unit := testROM()
	dirs, err := UnitDirectories(rom, 0x00609e, 0x010483)
	if err != nil {
		t.Fatalf("UnitDirectories() failed: %v", err)
	}
	if !reflect.DeepEqual(dirs, []int{unit}) {
		t.Errorf("UnitDirectories() = %v; want [%d]", dirs, unit)
	}
	if _, err := UnitDirectories(rom, 0x00609e, 0x000001); err != ErrNoUnitDirectory {
		t.Errorf("UnitDirectories() error = %v; want %v", err, ErrNoUnitDirectory)
	}
	if guid, _ := GUID(rom); guid != 0x0010b92000001234 {
		t.Errorf("GUID() = %016x", guid)
	}
}

func TestIterator(t *testing.T) {
	rom, unit := testROM()
	type entry struct{ key, value int }
	var got []entry
	it := NewIterator(rom, unit)
	for key, value, ok := it.Next(); ok; key, value, ok = it.Next() {
		got = append(got, entry{key, value})
	}
	want := []entry{
		{KeySpecifierID, 0x00609e},
		{KeyVersion, 0x010483},
		{KeyTypeOffset | KeyDependentInfo, 0x4000},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("entries = %v; want %v", got, want)
	}

	// A directory claiming more entries than the ROM holds is cut short
	short := append([]uint32(nil), rom[:unit+2]...)
	n := 0
	for it := NewIterator(short, unit); ; n++ {
		if _, _, ok := it.Next(); !ok {
			break
		}
	}
	if n != 1 {
		t.Errorf("truncated directory yielded %d entries; want 1", n)
	}
}

func TestDecode(t *testing.T) {
	b, _ := hex.DecodeString("0410000031333934")
	if got := Decode(b); !reflect.DeepEqual(got, []uint32{0x04100000, 0x31333934}) {
		t.Errorf("Decode() = %08x", got)
	}
	if _, err := RootDirectory([]uint32{0x04100000, 0x31333934}); err != ErrTooShort {
		t.Errorf("RootDirectory() error = %v; want %v", err, ErrTooShort)
	}
}
