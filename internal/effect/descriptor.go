// Package effect hosts the lifecycle of the single insertable processing
// unit: descriptor registration, asynchronous instantiation, teardown and
// the parameter tree exposed to controls.
package effect

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// FourCC is a four character code packed big-endian into a uint32.
type FourCC uint32

// ParseFourCC packs a four character ASCII code such as "aufx".
func ParseFourCC(s string) (FourCC, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("four character code %q must be 4 bytes", s)
	}
	return FourCC(binary.BigEndian.Uint32([]byte(s))), nil
}

// MustFourCC is like ParseFourCC but panics on error.
func MustFourCC(s string) FourCC {
	c, err := ParseFourCC(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c FourCC) String() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(c))
	return string(b[:])
}

// Common unit types.
var (
	TypeEffect      = MustFourCC("aufx")
	TypeMusicEffect = MustFourCC("aumf")
)

// Descriptor names a unit implementation. It is an immutable value.
type Descriptor struct {
	Type         FourCC
	SubType      FourCC
	Manufacturer FourCC
	Flags        uint32
	FlagsMask    uint32
}

// ParseDescriptor parses the "type:subtype:manufacturer" text form.
func ParseDescriptor(s string) (Descriptor, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Descriptor{}, fmt.Errorf("descriptor %q: want type:subtype:manufacturer", s)
	}
	var codes [3]FourCC
	for i, p := range parts {
		c, err := ParseFourCC(p)
		if err != nil {
			return Descriptor{}, fmt.Errorf("descriptor %q: %w", s, err)
		}
		codes[i] = c
	}
	return Descriptor{Type: codes[0], SubType: codes[1], Manufacturer: codes[2]}, nil
}

// key is the registration identity; flags do not take part in it.
type key struct {
	typ, subType, manufacturer FourCC
}

func (d Descriptor) key() key {
	return key{typ: d.Type, subType: d.SubType, manufacturer: d.Manufacturer}
}

// Matches reports whether two descriptors name the same implementation.
func (d Descriptor) Matches(other Descriptor) bool {
	return d.key() == other.key()
}

func (d Descriptor) String() string {
	return d.Type.String() + ":" + d.SubType.String() + ":" + d.Manufacturer.String()
}
