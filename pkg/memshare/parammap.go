package memshare

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Parameter IDs are 32-bit hashes of canonical names, so that a panner
// and this service agree on identifiers without sharing an enum.
const (
	ParamAzimuth             uint32 = 0x1A2B3C4D
	ParamElevation           uint32 = 0x2B3C4D5E
	ParamDiverge             uint32 = 0x3C4D5E6F
	ParamGain                uint32 = 0x4D5E6F70
	ParamStereoOrbitAzimuth  uint32 = 0x5E6F7081
	ParamStereoSpread        uint32 = 0x6F708192
	ParamStereoInputBalance  uint32 = 0x708192A3
	ParamAutoOrbit           uint32 = 0x8192A3B4
	ParamIsotropicMode       uint32 = 0x92A3B4C5
	ParamEqualPowerMode      uint32 = 0xA3B4C5D6
	ParamGainCompensationMode uint32 = 0xB4C5D6E7
	ParamLockOutputLayout    uint32 = 0xC5D6E7F8
	ParamInputMode           uint32 = 0xD6E7F809
	ParamOutputMode          uint32 = 0xE7F8091A
	ParamPort                uint32 = 0xF8091A2B
	ParamState               uint32 = 0x091A2B3C
	ParamColorR              uint32 = 0x1A2B3C4E
	ParamColorG              uint32 = 0x2B3C4E5F
	ParamColorB              uint32 = 0x3C4E5F60
	ParamColorA              uint32 = 0x4E5F6071
	ParamDisplayName         uint32 = 0x5F607182
	ParamBufferID            uint32 = 0x60718293
	ParamBufferSequence      uint32 = 0x71829304
	ParamBufferTimestamp     uint32 = 0x82930415
)

// HashParameterName derives a parameter ID from a canonical name so new
// parameter names stay interoperable with panners built against the
// fixed constants above.
func HashParameterName(name string) uint32 {
	var hash uint32
	for i := 0; i < len(name); i++ {
		hash = hash*31 + uint32(name[i])
	}
	return hash
}

// ParameterKind tags the wire-encoded type of a ParameterValue. Color is
// an addition beyond the base f32/i32/bool/string set, needed because
// /panner-settings relays OSC colour args.
type ParameterKind uint8

const (
	KindFloat32 ParameterKind = 1
	KindInt32   ParameterKind = 2
	KindBool    ParameterKind = 3
	KindString  ParameterKind = 4
	KindColor   ParameterKind = 5
)

// ParameterValue is a tagged variant over the supported value types: an
// explicit match on Kind rather than runtime type reflection.
type ParameterValue struct {
	Kind  ParameterKind
	F32   float32
	I32   int32
	Bool  bool
	Str   string
	Color [4]byte // R,G,B,A
}

func Float32Value(v float32) ParameterValue { return ParameterValue{Kind: KindFloat32, F32: v} }
func Int32Value(v int32) ParameterValue     { return ParameterValue{Kind: KindInt32, I32: v} }
func BoolValue(v bool) ParameterValue       { return ParameterValue{Kind: KindBool, Bool: v} }
func StringValue(v string) ParameterValue   { return ParameterValue{Kind: KindString, Str: v} }
func ColorValue(r, g, b, a byte) ParameterValue {
	return ParameterValue{Kind: KindColor, Color: [4]byte{r, g, b, a}}
}

// ParameterMap is a sparse map from 32-bit parameter ID to typed value.
type ParameterMap map[uint32]ParameterValue

func (p ParameterMap) GetFloat(id uint32, def float32) float32 {
	if v, ok := p[id]; ok && v.Kind == KindFloat32 {
		return v.F32
	}
	return def
}

func (p ParameterMap) GetInt(id uint32, def int32) int32 {
	if v, ok := p[id]; ok && v.Kind == KindInt32 {
		return v.I32
	}
	return def
}

func (p ParameterMap) GetBool(id uint32, def bool) bool {
	if v, ok := p[id]; ok && v.Kind == KindBool {
		return v.Bool
	}
	return def
}

func (p ParameterMap) GetString(id uint32, def string) string {
	if v, ok := p[id]; ok && v.Kind == KindString {
		return v.Str
	}
	return def
}

// EncodeParameterMap writes a count-prefixed sequence of
// (id:u32, type:u8, value) entries.
func EncodeParameterMap(p ParameterMap) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(p)))
	for id, v := range p {
		entry := make([]byte, 5)
		binary.LittleEndian.PutUint32(entry[0:4], id)
		entry[4] = byte(v.Kind)
		switch v.Kind {
		case KindFloat32:
			var tmp [4]byte
			binary.LittleEndian.PutUint32(tmp[:], float32bits(v.F32))
			entry = append(entry, tmp[:]...)
		case KindInt32:
			var tmp [4]byte
			binary.LittleEndian.PutUint32(tmp[:], uint32(v.I32))
			entry = append(entry, tmp[:]...)
		case KindBool:
			if v.Bool {
				entry = append(entry, 1)
			} else {
				entry = append(entry, 0)
			}
		case KindString:
			var lenBuf [4]byte
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v.Str)))
			entry = append(entry, lenBuf[:]...)
			entry = append(entry, v.Str...)
		case KindColor:
			entry = append(entry, v.Color[:]...)
		}
		buf = append(buf, entry...)
	}
	return buf
}

// DecodeParameterMap parses the wire form produced by EncodeParameterMap.
func DecodeParameterMap(buf []byte) (ParameterMap, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("memshare: parameter map truncated: %w", ErrCorrupt)
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	pos := 4
	out := make(ParameterMap, count)
	for i := uint32(0); i < count; i++ {
		if pos+5 > len(buf) {
			return nil, fmt.Errorf("memshare: parameter map entry header truncated: %w", ErrCorrupt)
		}
		id := binary.LittleEndian.Uint32(buf[pos : pos+4])
		kind := ParameterKind(buf[pos+4])
		pos += 5
		var value ParameterValue
		value.Kind = kind
		switch kind {
		case KindFloat32:
			if pos+4 > len(buf) {
				return nil, fmt.Errorf("memshare: truncated float32 value: %w", ErrCorrupt)
			}
			value.F32 = float32frombits(binary.LittleEndian.Uint32(buf[pos : pos+4]))
			pos += 4
		case KindInt32:
			if pos+4 > len(buf) {
				return nil, fmt.Errorf("memshare: truncated int32 value: %w", ErrCorrupt)
			}
			value.I32 = int32(binary.LittleEndian.Uint32(buf[pos : pos+4]))
			pos += 4
		case KindBool:
			if pos+1 > len(buf) {
				return nil, fmt.Errorf("memshare: truncated bool value: %w", ErrCorrupt)
			}
			value.Bool = buf[pos] != 0
			pos++
		case KindString:
			if pos+4 > len(buf) {
				return nil, fmt.Errorf("memshare: truncated string length: %w", ErrCorrupt)
			}
			strLen := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
			pos += 4
			if pos+strLen > len(buf) {
				return nil, fmt.Errorf("memshare: truncated string value: %w", ErrCorrupt)
			}
			value.Str = string(buf[pos : pos+strLen])
			pos += strLen
		case KindColor:
			if pos+4 > len(buf) {
				return nil, fmt.Errorf("memshare: truncated color value: %w", ErrCorrupt)
			}
			copy(value.Color[:], buf[pos:pos+4])
			pos += 4
		default:
			return nil, fmt.Errorf("memshare: unknown parameter kind %d: %w", kind, ErrCorrupt)
		}
		out[id] = value
	}
	return out, nil
}

func float32bits(f float32) uint32      { return math.Float32bits(f) }
func float32frombits(b uint32) float32  { return math.Float32frombits(b) }
