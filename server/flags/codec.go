package flags

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
)

const (
	// FlagLengthB64 base64 characters between '{' and '}'
	FlagLengthB64 = 32
	// FlagLengthBinary packed record size after base64 decoding
	FlagLengthBinary = 24

	// ServiceCheckLimit and above are diagnostic probes, not game flags
	ServiceCheckLimit  = 0xfffe
	ServiceTeamCheck   = 0xfffe
	ServiceStatusCheck = 0xffff
)

var (
	ErrWrongLength = errors.New("wrong length")
	ErrEnvelope    = errors.New("invalid envelope")
	ErrBase64      = errors.New("invalid base64 body")
)

// Flag The binary flag record: four little-endian uint16 followed by a
// 16-byte truncated HMAC-SHA256 over those 8 bytes.
type Flag struct {
	Round     uint16
	TeamID    uint16
	ServiceID uint16
	Payload   uint16
	MAC       [16]byte
}

// IsDiagnostic Status and team probes are valid in every game state and skip
// the gameplay checks.
func (f *Flag) IsDiagnostic() bool {
	return f.ServiceID >= ServiceCheckLimit
}

// Codec encodes and decodes the textual envelope PREFIX{base64}. The codec is
// created once at startup and never written afterwards.
type Codec struct {
	prefix string
	secret [32]byte
	full   int
}

func NewCodec(prefix string, secret [32]byte) *Codec {
	return &Codec{
		prefix: prefix,
		secret: secret,
		full:   len(prefix) + 2 + FlagLengthB64,
	}
}

// FullLength Total length of an encoded flag, without the trailing newline.
func (c *Codec) FullLength() int {
	return c.full
}

func (f *Flag) pack() [FlagLengthBinary]byte {
	var buf [FlagLengthBinary]byte
	binary.LittleEndian.PutUint16(buf[0:], f.Round)
	binary.LittleEndian.PutUint16(buf[2:], f.TeamID)
	binary.LittleEndian.PutUint16(buf[4:], f.ServiceID)
	binary.LittleEndian.PutUint16(buf[6:], f.Payload)
	copy(buf[8:], f.MAC[:])
	return buf
}

// Encode renders the wire form including the trailing newline. The MAC is
// written as-is, call Seal first for a valid flag.
func (c *Codec) Encode(f *Flag) string {
	buf := f.pack()
	out := make([]byte, 0, c.full+1)
	out = append(out, c.prefix...)
	out = append(out, '{')
	b64 := make([]byte, FlagLengthB64)
	base64.RawURLEncoding.Encode(b64, buf[:])
	out = append(out, b64...)
	out = append(out, '}', '\n')
	return string(out)
}

// Decode parses a right-trimmed line. The returned errors distinguish the
// three rejection answers the validator gives.
func (c *Codec) Decode(line []byte) (Flag, error) {
	var f Flag
	if len(line) != c.full {
		return f, ErrWrongLength
	}
	if string(line[:len(c.prefix)]) != c.prefix ||
		line[len(c.prefix)] != '{' ||
		line[c.full-1] != '}' {
		return f, ErrEnvelope
	}
	var buf [FlagLengthBinary]byte
	n, err := base64.RawURLEncoding.Decode(buf[:], line[len(c.prefix)+1:c.full-1])
	if err != nil || n != FlagLengthBinary {
		return f, ErrBase64
	}
	f.Round = binary.LittleEndian.Uint16(buf[0:])
	f.TeamID = binary.LittleEndian.Uint16(buf[2:])
	f.ServiceID = binary.LittleEndian.Uint16(buf[4:])
	f.Payload = binary.LittleEndian.Uint16(buf[6:])
	copy(f.MAC[:], buf[8:])
	return f, nil
}

// ComputeMAC HMAC-SHA256 over the 8 bytes preceding the MAC field, truncated
// to 16 bytes.
func (c *Codec) ComputeMAC(f *Flag) [16]byte {
	var data [8]byte
	binary.LittleEndian.PutUint16(data[0:], f.Round)
	binary.LittleEndian.PutUint16(data[2:], f.TeamID)
	binary.LittleEndian.PutUint16(data[4:], f.ServiceID)
	binary.LittleEndian.PutUint16(data[6:], f.Payload)

	mac := hmac.New(sha256.New, c.secret[:])
	mac.Write(data[:])
	var out [16]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Seal stamps the flag with a valid MAC.
func (c *Codec) Seal(f *Flag) {
	f.MAC = c.ComputeMAC(f)
}

// Verify Constant-time MAC comparison.
func (c *Codec) Verify(f *Flag) bool {
	expected := c.ComputeMAC(f)
	return hmac.Equal(f.MAC[:], expected[:])
}
