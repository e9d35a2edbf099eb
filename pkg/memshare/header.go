package memshare

import "encoding/binary"

// Header layout. Fields are accessed through bound-checked accessor
// functions over a raw byte slice rather than a Go struct overlay, per
// the "shared-memory raw pointers" redesign: there is no pointer cast,
// only offset math validated against the slice length on every call.
const (
	magicOff              = 0
	versionOff             = 4
	writeIndexOff          = 8
	readIndexOff           = 12
	queueSizeOff           = 16
	maxQueueSizeOff        = 20
	hasDataOff             = 24
	bufferSizeOff          = 28
	sampleRateOff          = 32
	numChannelsOff         = 36
	samplesPerBlockOff     = 40
	nextSequenceNumberOff  = 44
	nextBufferIdOff        = 48 // 8 bytes
	nameOff                = 56 // 64 bytes
	consumerCountOff       = 120
	consumerIdsOff         = 124 // 16 * 4 bytes
	controlCountOff        = 124 + maxConsumers*4
	controlReadOff         = controlCountOff + 4
	controlWriteOff        = controlReadOff + 4

	maxConsumers = 16
	nameSize     = 64

	// headerSize is rounded up from the last field to a clean boundary
	// so the descriptor array starts on an 8-byte-aligned offset.
	headerSize = 256

	magic          = uint32(0x4D31_5341) // "M1SA"
	formatVersion  = uint32(1)
)

func u32At(buf []byte, off int) uint32 { return binary.LittleEndian.Uint32(buf[off : off+4]) }
func putU32At(buf []byte, off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:off+4], v) }
func u64At(buf []byte, off int) uint64 { return binary.LittleEndian.Uint64(buf[off : off+8]) }
func putU64At(buf []byte, off int, v uint64) { binary.LittleEndian.PutUint64(buf[off:off+8], v) }

// header is a thin view over a segment's first headerSize bytes.
// All accessors validate that the backing slice is at least headerSize
// long; callers are expected to have already sized the arena.
type header struct {
	buf []byte // buf[:headerSize]
}

func newHeader(buf []byte) header { return header{buf: buf[:headerSize]} }

func (h header) Magic() uint32   { return u32At(h.buf, magicOff) }
func (h header) SetMagic(v uint32) { putU32At(h.buf, magicOff, v) }

func (h header) Version() uint32     { return u32At(h.buf, versionOff) }
func (h header) SetVersion(v uint32) { putU32At(h.buf, versionOff, v) }

func (h header) WriteIndex() uint32     { return u32At(h.buf, writeIndexOff) }
func (h header) SetWriteIndex(v uint32) { putU32At(h.buf, writeIndexOff, v) }

func (h header) ReadIndex() uint32     { return u32At(h.buf, readIndexOff) }
func (h header) SetReadIndex(v uint32) { putU32At(h.buf, readIndexOff, v) }

func (h header) QueueSize() uint32     { return u32At(h.buf, queueSizeOff) }
func (h header) SetQueueSize(v uint32) { putU32At(h.buf, queueSizeOff, v) }

func (h header) MaxQueueSize() uint32     { return u32At(h.buf, maxQueueSizeOff) }
func (h header) SetMaxQueueSize(v uint32) { putU32At(h.buf, maxQueueSizeOff, v) }

func (h header) HasData() bool      { return u32At(h.buf, hasDataOff) != 0 }
func (h header) SetHasData(v bool) {
	if v {
		putU32At(h.buf, hasDataOff, 1)
	} else {
		putU32At(h.buf, hasDataOff, 0)
	}
}

func (h header) BufferSize() uint32     { return u32At(h.buf, bufferSizeOff) }
func (h header) SetBufferSize(v uint32) { putU32At(h.buf, bufferSizeOff, v) }

func (h header) SampleRate() uint32     { return u32At(h.buf, sampleRateOff) }
func (h header) SetSampleRate(v uint32) { putU32At(h.buf, sampleRateOff, v) }

func (h header) NumChannels() uint32     { return u32At(h.buf, numChannelsOff) }
func (h header) SetNumChannels(v uint32) { putU32At(h.buf, numChannelsOff, v) }

func (h header) SamplesPerBlock() uint32     { return u32At(h.buf, samplesPerBlockOff) }
func (h header) SetSamplesPerBlock(v uint32) { putU32At(h.buf, samplesPerBlockOff, v) }

func (h header) NextSequenceNumber() uint32     { return u32At(h.buf, nextSequenceNumberOff) }
func (h header) SetNextSequenceNumber(v uint32) { putU32At(h.buf, nextSequenceNumberOff, v) }

func (h header) NextBufferID() uint64     { return u64At(h.buf, nextBufferIdOff) }
func (h header) SetNextBufferID(v uint64) { putU64At(h.buf, nextBufferIdOff, v) }

func (h header) Name() string {
	raw := h.buf[nameOff : nameOff+nameSize]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

func (h header) SetName(name string) {
	raw := h.buf[nameOff : nameOff+nameSize]
	for i := range raw {
		raw[i] = 0
	}
	copy(raw, name)
}

func (h header) ConsumerCount() uint32     { return u32At(h.buf, consumerCountOff) }
func (h header) SetConsumerCount(v uint32) { putU32At(h.buf, consumerCountOff, v) }

func (h header) ConsumerID(slot int) uint32 {
	return u32At(h.buf, consumerIdsOff+slot*4)
}

func (h header) SetConsumerID(slot int, id uint32) {
	putU32At(h.buf, consumerIdsOff+slot*4, id)
}

func (h header) ControlCount() uint32     { return u32At(h.buf, controlCountOff) }
func (h header) SetControlCount(v uint32) { putU32At(h.buf, controlCountOff, v) }

func (h header) ControlReadIndex() uint32     { return u32At(h.buf, controlReadOff) }
func (h header) SetControlReadIndex(v uint32) { putU32At(h.buf, controlReadOff, v) }

func (h header) ControlWriteIndex() uint32     { return u32At(h.buf, controlWriteOff) }
func (h header) SetControlWriteIndex(v uint32) { putU32At(h.buf, controlWriteOff, v) }
