package character

import (
	"encoding/binary"
	"fmt"
)

const (
	idSize     = 4
	lengthSize = 4
	ageSize    = 1

	// MinEncodedSize is the size of a record whose strings are all empty.
	MinEncodedSize = idSize + lengthSize + lengthSize + ageSize + lengthSize

	// minListEntrySize is the smallest possible list element: its size
	// prefix followed by an all-empty record.
	minListEntrySize = lengthSize + MinEncodedSize
)

// DecodeError reports a buffer that does not hold what its declared lengths
// promise. Decoding never reads past the end of the input.
type DecodeError struct {
	Field  string
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("character: cannot decode %s at offset %d: %s", e.Field, e.Offset, e.Reason)
}

// EncodedSize returns the number of bytes Marshal produces for c.
func EncodedSize(c Character) int {
	return MinEncodedSize + len(c.Name) + len(c.Surname) + len(c.Bio)
}

// Marshal encodes a single record.
func Marshal(c Character) []byte {
	return AppendMarshal(make([]byte, 0, EncodedSize(c)), c)
}

// AppendMarshal appends the encoding of c to dst and returns the extended
// slice.
func AppendMarshal(dst []byte, c Character) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(c.ID))
	dst = appendString(dst, c.Name)
	dst = appendString(dst, c.Surname)
	dst = append(dst, c.Age)
	dst = appendString(dst, c.Bio)
	return dst
}

func appendString(dst []byte, s string) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

// Unmarshal decodes exactly one record from data. Trailing bytes are an
// error.
//
// Parameters:
//   - data: The encoded record
//
// Returns:
//   - The decoded record
//   - A *DecodeError if a declared length runs past the buffer or bytes
//     are left over
func Unmarshal(data []byte) (Character, error) {
	d := decoder{buf: data}
	c, err := d.character()
	if err != nil {
		return Character{}, err
	}

	if d.off != len(data) {
		return Character{}, &DecodeError{
			Field:  "record",
			Offset: d.off,
			Reason: fmt.Sprintf("%d trailing bytes", len(data)-d.off),
		}
	}

	return c, nil
}

// MarshalList encodes a list of records. A nil or empty list encodes to a
// single zero count.
func MarshalList(cs []Character) []byte {
	size := lengthSize
	for _, c := range cs {
		size += lengthSize + EncodedSize(c)
	}

	return AppendMarshalList(make([]byte, 0, size), cs)
}

// AppendMarshalList appends the list encoding of cs to dst.
func AppendMarshalList(dst []byte, cs []Character) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(cs)))
	for _, c := range cs {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(EncodedSize(c)))
		dst = AppendMarshal(dst, c)
	}

	return dst
}

// UnmarshalList decodes a list produced by MarshalList. Each element is
// decoded from its own size-delimited slice.
func UnmarshalList(data []byte) ([]Character, error) {
	d := decoder{buf: data}
	count, err := d.uint32("count")
	if err != nil {
		return nil, err
	}

	if uint64(count)*minListEntrySize > uint64(d.remaining()) {
		return nil, &DecodeError{
			Field:  "count",
			Offset: 0,
			Reason: fmt.Sprintf("%d records cannot fit in %d bytes", count, d.remaining()),
		}
	}

	out := make([]Character, 0, count)
	for i := uint32(0); i < count; i++ {
		field := fmt.Sprintf("records[%d]", i)
		raw, err := d.bytes(field)
		if err != nil {
			return nil, err
		}

		c, err := Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		out = append(out, c)
	}

	if d.off != len(data) {
		return nil, &DecodeError{
			Field:  "list",
			Offset: d.off,
			Reason: fmt.Sprintf("%d trailing bytes", len(data)-d.off),
		}
	}

	return out, nil
}

// decoder walks a buffer, checking every declared length against what is
// left before slicing.
type decoder struct {
	buf []byte
	off int
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *decoder) need(field string, n uint64) error {
	if n > uint64(d.remaining()) {
		return &DecodeError{
			Field:  field,
			Offset: d.off,
			Reason: fmt.Sprintf("need %d bytes, have %d", n, d.remaining()),
		}
	}
	return nil
}

func (d *decoder) uint32(field string) (uint32, error) {
	if err := d.need(field, lengthSize); err != nil {
		return 0, err
	}

	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += lengthSize
	return v, nil
}

func (d *decoder) uint8(field string) (uint8, error) {
	if err := d.need(field, ageSize); err != nil {
		return 0, err
	}

	v := d.buf[d.off]
	d.off++
	return v, nil
}

// bytes reads a uint32 length followed by that many bytes.
func (d *decoder) bytes(field string) ([]byte, error) {
	n, err := d.uint32(field + ".length")
	if err != nil {
		return nil, err
	}

	if err := d.need(field, uint64(n)); err != nil {
		return nil, err
	}

	b := d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	return b, nil
}

func (d *decoder) string(field string) (string, error) {
	b, err := d.bytes(field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) character() (Character, error) {
	var c Character

	id, err := d.uint32("id")
	if err != nil {
		return c, err
	}
	c.ID = int32(id)

	if c.Name, err = d.string("name"); err != nil {
		return c, err
	}
	if c.Surname, err = d.string("surname"); err != nil {
		return c, err
	}
	if c.Age, err = d.uint8("age"); err != nil {
		return c, err
	}
	if c.Bio, err = d.string("bio"); err != nil {
		return c, err
	}

	return c, nil
}
