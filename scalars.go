package memhook

import (
	"encoding/binary"
	"fmt"
	"math"
)

// StringEncoding selects how StringSettings interprets the byte stream
// read by Attachment.ReadString.
type StringEncoding int

const (
	EncodingASCII StringEncoding = iota
	EncodingUTF16LE
)

// LengthPrefix describes a length-prefixed string layout: a SizeBytes-
// wide count field, counting in units of UnitBytes.
type LengthPrefix struct {
	SizeBytes int
	UnitBytes int
}

// StringSettings parameterizes Attachment.ReadString: encoding,
// whether the string is null-terminated, an optional length prefix,
// and a hard cap on how many bytes will ever be read, so a corrupt or
// adversarial length field cannot turn a single read into an
// unbounded one.
type StringSettings struct {
	Encoding       StringEncoding
	NullTerminated bool
	LengthPrefix   *LengthPrefix
	MaxLength      int
}

// DefaultStringSettings is a null-terminated ASCII C string capped at
// 4096 bytes, the common case for game/trainer targets.
func DefaultStringSettings() StringSettings {
	return StringSettings{Encoding: EncodingASCII, NullTerminated: true, MaxLength: 4096}
}

func (a *Attachment) readExact(addr uint64, n int) ([]byte, error) {
	if a.detached {
		return nil, ErrDetachedProcess
	}
	if addr == 0 {
		return nil, ErrZeroPointer
	}
	b, err := a.facade.ReadMemory(a.handle, addr, n)
	if err != nil {
		return nil, &ReadError{Addr: addr, Len: n, OSReason: err}
	}
	return b, nil
}

func (a *Attachment) writeExact(addr uint64, data []byte, strategy ProtectionStrategy) error {
	if a.detached {
		return ErrDetachedProcess
	}
	if addr == 0 {
		return ErrZeroPointer
	}
	return writeProtected(a.facade, a.handle, addr, data, strategy)
}

// ReadBytes reads length raw bytes at addr.
func (a *Attachment) ReadBytes(addr uint64, length int) ([]byte, error) {
	return a.readExact(addr, length)
}

// WriteBytes writes data verbatim at addr.
func (a *Attachment) WriteBytes(addr uint64, data []byte, strategy ProtectionStrategy) error {
	return a.writeExact(addr, data, strategy)
}

func (a *Attachment) ReadBool(addr uint64) (bool, error) {
	b, err := a.readExact(addr, 1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (a *Attachment) ReadI8(addr uint64) (int8, error) {
	b, err := a.readExact(addr, 1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

func (a *Attachment) ReadU8(addr uint64) (uint8, error) {
	b, err := a.readExact(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (a *Attachment) ReadI16(addr uint64) (int16, error) {
	b, err := a.readExact(addr, 2)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b)), nil
}

func (a *Attachment) ReadU16(addr uint64) (uint16, error) {
	b, err := a.readExact(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (a *Attachment) ReadI32(addr uint64) (int32, error) {
	b, err := a.readExact(addr, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (a *Attachment) ReadU32(addr uint64) (uint32, error) {
	b, err := a.readExact(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (a *Attachment) ReadI64(addr uint64) (int64, error) {
	b, err := a.readExact(addr, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (a *Attachment) ReadU64(addr uint64) (uint64, error) {
	b, err := a.readExact(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (a *Attachment) ReadF32(addr uint64) (float32, error) {
	b, err := a.readExact(addr, 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

func (a *Attachment) ReadF64(addr uint64) (float64, error) {
	b, err := a.readExact(addr, 8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// ReadPointer reads a pointer-sized value, honoring the attached
// process's bitness.
func (a *Attachment) ReadPointer(addr uint64) (uint64, error) {
	if a.bitness == Bitness32 {
		v, err := a.ReadU32(addr)
		return uint64(v), err
	}
	return a.ReadU64(addr)
}

func (a *Attachment) WriteBool(addr uint64, v bool, strategy ProtectionStrategy) error {
	b := byte(0)
	if v {
		b = 1
	}
	return a.writeExact(addr, []byte{b}, strategy)
}

func (a *Attachment) WriteI8(addr uint64, v int8, strategy ProtectionStrategy) error {
	return a.writeExact(addr, []byte{byte(v)}, strategy)
}

func (a *Attachment) WriteU8(addr uint64, v uint8, strategy ProtectionStrategy) error {
	return a.writeExact(addr, []byte{v}, strategy)
}

func (a *Attachment) WriteI16(addr uint64, v int16, strategy ProtectionStrategy) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(v))
	return a.writeExact(addr, b, strategy)
}

func (a *Attachment) WriteU16(addr uint64, v uint16, strategy ProtectionStrategy) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return a.writeExact(addr, b, strategy)
}

func (a *Attachment) WriteI32(addr uint64, v int32, strategy ProtectionStrategy) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return a.writeExact(addr, b, strategy)
}

func (a *Attachment) WriteU32(addr uint64, v uint32, strategy ProtectionStrategy) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return a.writeExact(addr, b, strategy)
}

func (a *Attachment) WriteI64(addr uint64, v int64, strategy ProtectionStrategy) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return a.writeExact(addr, b, strategy)
}

func (a *Attachment) WriteU64(addr uint64, v uint64, strategy ProtectionStrategy) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return a.writeExact(addr, b, strategy)
}

func (a *Attachment) WriteF32(addr uint64, v float32, strategy ProtectionStrategy) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return a.writeExact(addr, b, strategy)
}

func (a *Attachment) WriteF64(addr uint64, v float64, strategy ProtectionStrategy) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return a.writeExact(addr, b, strategy)
}

func (a *Attachment) WritePointer(addr uint64, v uint64, strategy ProtectionStrategy) error {
	if a.bitness == Bitness32 {
		return a.WriteU32(addr, uint32(v), strategy)
	}
	return a.WriteU64(addr, v, strategy)
}

// ReadString reads a string at addr per settings. When LengthPrefix is
// set it alone decides how long the string is; otherwise the string
// runs to the first null terminator (NullTerminated is not consulted).
// MaxLength bounds every read regardless, so a corrupt length field or
// a missing terminator can never turn into an unbounded read.
func (a *Attachment) ReadString(addr uint64, settings StringSettings) (string, error) {
	maxLen := settings.MaxLength
	if maxLen <= 0 {
		maxLen = 4096
	}
	unit := 1
	if settings.Encoding == EncodingUTF16LE {
		unit = 2
	}

	if settings.LengthPrefix != nil {
		lp := settings.LengthPrefix
		prefix, err := a.readExact(addr, lp.SizeBytes)
		if err != nil {
			return "", err
		}
		n, err := readUintLE(prefix)
		if err != nil {
			return "", err
		}
		byteLen := int(n) * lp.UnitBytes
		if byteLen > maxLen {
			byteLen = maxLen
		}
		data, err := a.readExact(addr+uint64(lp.SizeBytes), byteLen)
		if err != nil {
			return "", err
		}
		return decodeStringBytes(data, settings.Encoding), nil
	}

	// Null-terminated: read in growing chunks until a terminator is
	// found or MaxLength is hit.
	const chunk = 64
	var collected []byte
	for len(collected) < maxLen {
		readLen := chunk
		if len(collected)+readLen > maxLen {
			readLen = maxLen - len(collected)
		}
		data, err := a.readExact(addr+uint64(len(collected)), readLen)
		if err != nil {
			return "", err
		}
		idx := findTerminator(data, unit)
		if idx >= 0 {
			collected = append(collected, data[:idx]...)
			return decodeStringBytes(collected, settings.Encoding), nil
		}
		collected = append(collected, data...)
	}
	return decodeStringBytes(collected, settings.Encoding), nil
}

func readUintLE(b []byte) (uint64, error) {
	switch len(b) {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	default:
		return 0, fmt.Errorf("memhook: unsupported length-prefix size %d", len(b))
	}
}

func findTerminator(data []byte, unit int) int {
	for i := 0; i+unit <= len(data); i += unit {
		zero := true
		for j := 0; j < unit; j++ {
			if data[i+j] != 0 {
				zero = false
				break
			}
		}
		if zero {
			return i
		}
	}
	return -1
}

func decodeStringBytes(data []byte, encoding StringEncoding) string {
	if encoding == EncodingASCII {
		return string(data)
	}
	runes := make([]uint16, len(data)/2)
	for i := range runes {
		runes[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return utf16ToString(runes)
}

func utf16ToString(u []uint16) string {
	out := make([]rune, 0, len(u))
	for i := 0; i < len(u); i++ {
		r := rune(u[i])
		if r >= 0xD800 && r <= 0xDBFF && i+1 < len(u) {
			r2 := rune(u[i+1])
			if r2 >= 0xDC00 && r2 <= 0xDFFF {
				out = append(out, ((r-0xD800)<<10|(r2-0xDC00))+0x10000)
				i++
				continue
			}
		}
		out = append(out, r)
	}
	return string(out)
}
