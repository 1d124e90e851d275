// Package target describes the platform the monitored program is
// compiled for, as far as the byte-level model cares: pointer width
// and byte order.
//
// Layout details such as interior padding are platform dependent, so
// they are never hard-coded; hosts pass explicit field offsets in type
// descriptions and select a target description for everything else.
// Descriptions load from YAML so interpreter front-ends can ship them
// as data.
package target

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ByteOrder selects how multi-byte scalars map onto memory.
type ByteOrder uint8

const (
	// LittleEndian stores the least significant byte first.
	LittleEndian ByteOrder = iota
	// BigEndian stores the most significant byte first.
	BigEndian
)

// String returns the YAML spelling of the byte order.
func (o ByteOrder) String() string {
	if o == BigEndian {
		return "big"
	}
	return "little"
}

// Desc is one target description.
type Desc struct {
	// Name labels the target in reports, e.g. "x86_64".
	Name string

	// PtrSize is the pointer width in bytes. Every pointer value
	// stored to memory occupies exactly this many fragment bytes.
	PtrSize uint64

	// Order is the byte order of scalars and pointer addresses.
	Order ByteOrder
}

// Default returns the description tests and the CLI fall back to:
// 8-byte little-endian pointers.
func Default() Desc {
	return Desc{Name: "default", PtrSize: 8, Order: LittleEndian}
}

// Validate rejects descriptions the byte model cannot represent.
func (d Desc) Validate() error {
	switch d.PtrSize {
	case 2, 4, 8:
	default:
		return fmt.Errorf("target %q: unsupported pointer size %d", d.Name, d.PtrSize)
	}
	return nil
}

// yamlDesc is the on-disk form of a Desc.
type yamlDesc struct {
	Name        string `yaml:"name"`
	PointerSize uint64 `yaml:"pointer_size"`
	Endianness  string `yaml:"endianness"`
}

// UnmarshalYAML decodes the on-disk form, defaulting endianness to
// little.
func (d *Desc) UnmarshalYAML(node *yaml.Node) error {
	var raw yamlDesc
	if err := node.Decode(&raw); err != nil {
		return err
	}
	d.Name = raw.Name
	d.PtrSize = raw.PointerSize
	switch raw.Endianness {
	case "", "little":
		d.Order = LittleEndian
	case "big":
		d.Order = BigEndian
	default:
		return fmt.Errorf("target %q: unknown endianness %q", raw.Name, raw.Endianness)
	}
	return nil
}

// MarshalYAML encodes the on-disk form.
func (d Desc) MarshalYAML() (interface{}, error) {
	return yamlDesc{
		Name:        d.Name,
		PointerSize: d.PtrSize,
		Endianness:  d.Order.String(),
	}, nil
}

// Parse decodes and validates a YAML target description.
func Parse(data []byte) (Desc, error) {
	var d Desc
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Desc{}, fmt.Errorf("parsing target description: %w", err)
	}
	if err := d.Validate(); err != nil {
		return Desc{}, err
	}
	return d, nil
}

// LoadFile reads a YAML target description from disk.
func LoadFile(path string) (Desc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Desc{}, fmt.Errorf("reading target description: %w", err)
	}
	return Parse(data)
}
