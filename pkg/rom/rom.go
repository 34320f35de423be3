// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// IEEE 1212 configuration ROM directories

package rom

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrTooShort        = errors.New("configuration ROM too short")
	ErrBadDirectory    = errors.New("directory extends past end of ROM")
	ErrNoUnitDirectory = errors.New("no matching unit directory")
)

// Key types, in the top two bits of a key
const (
	KeyTypeImmediate = 0x00
	KeyTypeOffset    = 0x40
	KeyTypeLeaf      = 0x80
	KeyTypeDirectory = 0xc0
)

// Key IDs
const (
	KeyDescriptor       = 0x01
	KeyVendor           = 0x03
	KeyHardwareVersion  = 0x04
	KeyModule           = 0x07
	KeyNodeCapabilities = 0x0c
	KeyEUI64            = 0x0d
	KeyUnit             = 0x11
	KeySpecifierID      = 0x12
	KeyVersion          = 0x13
	KeyDependentInfo    = 0x14
	KeyUnitLocation     = 0x15
	KeyModel            = 0x17
	KeyInstance         = 0x18
	KeyKeyword          = 0x19
	KeyFeature          = 0x1a
	KeyDirectoryID      = 0x20
)

// Iterator walks the entries of one directory.
type Iterator struct {
	rom []uint32
	p   int
	end int
}

// NewIterator returns an iterator over the directory whose header quadlet
// is rom[dir].
func NewIterator(rom []uint32, dir int) *Iterator {
	it := &Iterator{rom: rom, p: dir, end: dir}
	if dir < 0 || dir >= len(rom) {
		return it
	}
	n := int(rom[dir] >> 16)
	it.p = dir + 1
	it.end = it.p + n
	if it.end > len(rom) {
		it.end = len(rom)
	}
	return it
}

// Next returns the next key and its 24-bit value.
func (it *Iterator) Next() (key int, value int, ok bool) {
	if it.p >= it.end {
		return 0, 0, false
	}
	q := it.rom[it.p]
	it.p++
	return int(q >> 24), int(q & 0xffffff), true
}

// Target resolves the value of the entry last returned by Next as an
// offset to a leaf or directory.
func (it *Iterator) Target(value int) int {
	return it.p - 1 + value
}

// Decode converts raw big-endian configuration ROM bytes into quadlets.
func Decode(b []byte) []uint32 {
	res := make([]uint32, len(b)/4)
	for i := range res {
		res[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return res
}

func Encode(rom []uint32) []byte {
	b := make([]byte, len(rom)*4)
	for i, q := range rom {
		binary.BigEndian.PutUint32(b[i*4:], q)
	}
	return b
}

// RootDirectory returns the index of the root directory header.
func RootDirectory(rom []uint32) (int, error) {
	if len(rom) < 1 {
		return 0, ErrTooShort
	}
	root := 1 + int(rom[0]>>24)
	if root >= len(rom) {
		return 0, ErrTooShort
	}
	if root+int(rom[root]>>16) >= len(rom) {
		return 0, ErrBadDirectory
	}
	return root, nil
}

// GUID returns the EUI-64 from the bus information block.
func GUID(rom []uint32) (uint64, error) {
	if len(rom) < 5 {
		return 0, ErrTooShort
	}
	return uint64(rom[3])<<32 | uint64(rom[4]), nil
}

// UnitDirectories returns the header index of every unit directory in the
// root directory with the given specifier ID and version.
func UnitDirectories(rom []uint32, specifierID, version int) ([]int, error) {
	root, err := RootDirectory(rom)
	if err != nil {
		return nil, err
	}
	var res []int
	it := NewIterator(rom, root)
	for key, value, ok := it.Next(); ok; key, value, ok = it.Next() {
		if key != KeyTypeDirectory|KeyUnit {
			continue
		}
		dir := it.Target(value)
		if dir >= len(rom) {
			return nil, fmt.Errorf("unit directory at %d: %w", dir, ErrBadDirectory)
		}
		spec, ver := -1, -1
		uit := NewIterator(rom, dir)
		for k, v, ok := uit.Next(); ok; k, v, ok = uit.Next() {
			switch k {
			case KeySpecifierID:
				spec = v
			case KeyVersion:
				ver = v
			}
		}
		if spec == specifierID && ver == version {
			res = append(res, dir)
		}
	}
	if len(res) == 0 {
		return nil, ErrNoUnitDirectory
	}
	return res, nil
}

// Builder assembles a configuration ROM image. Directories are laid out
// after the bus information block in the order they are added.
type Builder struct {
	busInfo []uint32
	dirs    [][]uint32
	// Pending references: quadlet position in dirs[i] -> referenced block
	refs []builderRef
}

type builderRef struct {
	dir, entry, block int
}

// Block is a handle to a directory or leaf added to a Builder.
type Block int

func NewBuilder(busInfo []uint32) *Builder {
	return &Builder{busInfo: busInfo}
}

// Add appends a directory or leaf with the given body quadlets. The first
// block added is the root directory.
func (b *Builder) Add(body ...uint32) Block {
	b.dirs = append(b.dirs, body)
	return Block(len(b.dirs) - 1)
}

// Ref appends an entry with key to block from referencing block to.
func (b *Builder) Ref(from Block, key int, to Block) {
	b.dirs[from] = append(b.dirs[from], uint32(key)<<24)
	b.refs = append(b.refs, builderRef{dir: int(from), entry: len(b.dirs[from]) - 1, block: int(to)})
}

// Entry appends an immediate or offset entry.
func (b *Builder) Entry(to Block, key, value int) {
	b.dirs[to] = append(b.dirs[to], uint32(key)<<24|uint32(value&0xffffff))
}

func (b *Builder) Bytes() []uint32 {
	start := make([]int, len(b.dirs))
	pos := 1 + len(b.busInfo)
	for i, d := range b.dirs {
		start[i] = pos
		pos += 1 + len(d)
	}
	rom := make([]uint32, pos)
	crcLength := pos - 1
	if crcLength > 0xff {
		crcLength = 0xff
	}
	rom[0] = uint32(len(b.busInfo))<<24 | uint32(crcLength)<<16
	copy(rom[1:], b.busInfo)
	for i, d := range b.dirs {
		rom[start[i]] = uint32(len(d)) << 16
		copy(rom[start[i]+1:], d)
	}
	for _, r := range b.refs {
		at := start[r.dir] + 1 + r.entry
		rom[at] |= uint32(start[r.block]-at) & 0xffffff
	}
	return rom
}

// Start returns the ROM index of a block's header once laid out.
func (b *Builder) Start(blk Block) int {
	pos := 1 + len(b.busInfo)
	for i := 0; i < int(blk); i++ {
		pos += 1 + len(b.dirs[i])
	}
	return pos
}
