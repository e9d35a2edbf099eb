// Package memshare implements the producer/multi-consumer shared-memory
// exchange used between a panner plugin process and this service: a
// persistent, named, file-backed region carrying a queue of audio
// buffers plus a typed parameter map, with acknowledgment-based
// consumption and a reserved consumer->producer control sub-ring.
package memshare

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// MinSegmentSize is the smallest total file size a segment may have.
const MinSegmentSize = 4096

// evictionGraceWindow bounds how long a descriptor not marked requiresAck
// may sit at the front of the queue before cleanup reclaims it regardless
// of ack state. A requiresAck descriptor is never reclaimed by age.
const evictionGraceWindow = 2 * time.Second

// Segment is a file-backed shared-memory region: a fixed header, a
// descriptor-slot array, a small control sub-ring, and a data arena.
// One process owns it as producer; up to maxConsumers processes attach
// as consumers.
type Segment struct {
	mu   sync.Mutex // guards structural queue/control changes (teacher: queueMutex)
	data []byte     // the whole mapped region
	file *os.File

	maxQueueSize  uint32
	descArrayOff  int
	ctrlArrayOff  int
	arenaOff      int
	arenaSize     uint32
	arenaCursor   uint32 // producer-only allocation cursor; not persisted in the header

	createMode bool
	closed     bool

	writeCount atomic.Uint32
	readCount  atomic.Uint32
}

// CreateConfig configures a newly created segment.
type CreateConfig struct {
	Name         string
	TotalSize    int
	MaxQueueSize uint32
}

// Create creates a new segment file at path, zeroing the header and
// formatting the arena. maxQueueSize defaults to 8, matching the
// original's SharedMemoryHeader default.
func Create(path string, cfg CreateConfig) (*Segment, error) {
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = 8
	}
	if cfg.TotalSize < MinSegmentSize {
		cfg.TotalSize = MinSegmentSize
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("memshare: create %q: %w", path, joinErr(err))
	}
	if err := f.Truncate(int64(cfg.TotalSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("memshare: truncate %q: %w", path, joinErr(err))
	}

	data, err := unix.Mmap(int(f.Fd()), 0, cfg.TotalSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("memshare: mmap %q: %w", path, joinErr(err))
	}

	s, err := newSegment(data, f, cfg.MaxQueueSize, true)
	if err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}

	h := newHeader(s.data)
	h.SetMagic(magic)
	h.SetVersion(formatVersion)
	h.SetWriteIndex(0)
	h.SetReadIndex(0)
	h.SetQueueSize(0)
	h.SetMaxQueueSize(cfg.MaxQueueSize)
	h.SetHasData(false)
	h.SetBufferSize(s.arenaSize)
	h.SetNextSequenceNumber(0)
	h.SetNextBufferID(1)
	h.SetName(cfg.Name)
	h.SetConsumerCount(0)
	h.SetControlCount(0)
	h.SetControlReadIndex(0)
	h.SetControlWriteIndex(0)
	return s, nil
}

// Open attaches to an existing segment file as a consumer (or a producer
// resuming after restart). It validates the magic/version and that
// maxQueueSize matches the caller's expectation before returning; on any
// validation failure the file is left untouched.
func Open(path string, expectedMaxQueueSize uint32) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("memshare: open %q: %w", path, joinErr(err))
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("memshare: stat %q: %w", path, joinErr(err))
	}
	totalSize := int(info.Size())
	if totalSize < MinSegmentSize {
		f.Close()
		return nil, fmt.Errorf("memshare: %q below minimum size: %w", path, ErrCorrupt)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, totalSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("memshare: mmap %q: %w", path, joinErr(err))
	}

	h := newHeader(data)
	if h.Magic() != magic || h.Version() != formatVersion {
		unix.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("memshare: %q failed header validation: %w", path, ErrCorrupt)
	}
	maxQueueSize := h.MaxQueueSize()
	if expectedMaxQueueSize != 0 && maxQueueSize != expectedMaxQueueSize {
		unix.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("memshare: %q: %w", path, ErrMaxQueueSizeMismatch)
	}

	return newSegment(data, f, maxQueueSize, false)
}

func newSegment(data []byte, f *os.File, maxQueueSize uint32, createMode bool) (*Segment, error) {
	descArrayOff := headerSize
	descArrayLen := int(maxQueueSize) * descriptorSize
	ctrlArrayOff := descArrayOff + descArrayLen
	ctrlArrayLen := controlQueueSize * controlSlotSize
	arenaOff := ctrlArrayOff + ctrlArrayLen

	if arenaOff >= len(data) {
		return nil, fmt.Errorf("memshare: maxQueueSize %d leaves no room for arena: %w", maxQueueSize, ErrArenaOverflow)
	}

	return &Segment{
		data:         data,
		file:         f,
		maxQueueSize: maxQueueSize,
		descArrayOff: descArrayOff,
		ctrlArrayOff: ctrlArrayOff,
		arenaOff:     arenaOff,
		arenaSize:    uint32(len(data) - arenaOff),
		createMode:   createMode,
	}, nil
}

func (s *Segment) header() header { return newHeader(s.data) }

func (s *Segment) descArray() []byte {
	return s.data[s.descArrayOff : s.descArrayOff+int(s.maxQueueSize)*descriptorSize]
}

func (s *Segment) ctrlArray() []byte {
	return s.data[s.ctrlArrayOff : s.ctrlArrayOff+controlQueueSize*controlSlotSize]
}

func (s *Segment) descAt(slot uint32) descriptor {
	return descriptorAt(s.descArray(), int(slot%s.maxQueueSize))
}

// Close unmaps and closes the backing file. It does not delete the file;
// deletion is the discovery scanner's responsibility.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := unix.Munmap(s.data)
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// InitializeForAudio records the audio format in the header. Producer-only.
func (s *Segment) InitializeForAudio(sampleRate, numChannels, samplesPerBlock uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.header()
	h.SetSampleRate(sampleRate)
	h.SetNumChannels(numChannels)
	h.SetSamplesPerBlock(samplesPerBlock)
}

// RegisterConsumer adds consumerId to the segment's consumer table.
// Re-registering the same id is a no-op success.
func (s *Segment) RegisterConsumer(consumerID uint32) error {
	if consumerID == 0 {
		return ErrInvalidConsumerID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.header()
	count := int(h.ConsumerCount())
	for i := 0; i < count; i++ {
		if h.ConsumerID(i) == consumerID {
			return nil
		}
	}
	if count >= maxConsumers {
		return ErrConsumerTableFull
	}
	h.SetConsumerID(count, consumerID)
	h.SetConsumerCount(uint32(count + 1))
	return nil
}

// UnregisterConsumer removes consumerId from the consumer table.
func (s *Segment) UnregisterConsumer(consumerID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.header()
	count := int(h.ConsumerCount())
	idx := -1
	for i := 0; i < count; i++ {
		if h.ConsumerID(i) == consumerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrConsumerNotRegistered
	}
	// Swap-remove, then shrink; order among remaining consumers is not
	// load-bearing for anything downstream.
	last := count - 1
	h.SetConsumerID(idx, h.ConsumerID(last))
	h.SetConsumerID(last, 0)
	h.SetConsumerCount(uint32(last))
	return nil
}

func (s *Segment) isConsumerRegistered(h header, consumerID uint32) bool {
	count := int(h.ConsumerCount())
	for i := 0; i < count; i++ {
		if h.ConsumerID(i) == consumerID {
			return true
		}
	}
	return false
}

// packPayload combines raw audio bytes and an encoded parameter map into
// one descriptor payload: a u32 audio length prefix, the audio bytes,
// then the parameter map wire form filling the remainder.
func packPayload(audio []byte, params ParameterMap) []byte {
	paramBytes := EncodeParameterMap(params)
	out := make([]byte, 4+len(audio)+len(paramBytes))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(audio)))
	copy(out[4:], audio)
	copy(out[4+len(audio):], paramBytes)
	return out
}

func unpackPayload(payload []byte) (audio []byte, params ParameterMap, err error) {
	if len(payload) < 4 {
		return nil, nil, fmt.Errorf("memshare: payload truncated: %w", ErrCorrupt)
	}
	audioLen := int(binary.LittleEndian.Uint32(payload[0:4]))
	if 4+audioLen > len(payload) {
		return nil, nil, fmt.Errorf("memshare: audio length out of bounds: %w", ErrCorrupt)
	}
	audio = append([]byte(nil), payload[4:4+audioLen]...)
	params, err = DecodeParameterMap(payload[4+audioLen:])
	if err != nil {
		return nil, nil, err
	}
	return audio, params, nil
}

// align4 rounds v up to the next 4-byte boundary: dataOffset is always
// 4-byte aligned.
func align4(v uint32) uint32 {
	return (v + 3) &^ 3
}

// WriteBuffer writes a new buffer into the segment, evicting the oldest
// queue slot if the queue is full. If the oldest slot is requiresAck and
// not fully acknowledged, the write would-blocks: it returns ErrQueueFull
// and bufferID 0 without modifying any state.
func (s *Segment) WriteBuffer(audio []byte, params ParameterMap, requiresAck bool) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.header()

	if h.QueueSize() == h.MaxQueueSize() {
		oldest := s.descAt(h.ReadIndex())
		if oldest.RequiresAck() && oldest.AcknowledgedCount() < oldest.ConsumerCount() {
			return 0, ErrQueueFull
		}
		s.evictFront(h)
	}

	payload := packPayload(audio, params)
	size := uint32(len(payload))
	offset, err := s.allocate(size)
	if err != nil {
		return 0, err
	}
	copy(s.data[s.arenaOff+int(offset):s.arenaOff+int(offset)+int(size)], payload)

	bufferID := h.NextBufferID()
	h.SetNextBufferID(bufferID + 1)
	seq := h.NextSequenceNumber()
	h.SetNextSequenceNumber(seq + 1)

	slot := h.WriteIndex()
	d := s.descAt(slot)
	d.clear()
	d.SetBufferID(bufferID)
	d.SetTimestamp(uint64(time.Now().UnixMilli()))
	d.SetSequenceNumber(seq)
	d.SetDataSize(size)
	d.SetDataOffset(offset)
	d.SetRequiresAck(requiresAck)

	consumerCount := int(h.ConsumerCount())
	d.SetConsumerCount(uint32(consumerCount))
	for i := 0; i < consumerCount; i++ {
		d.SetConsumerID(i, h.ConsumerID(i))
		d.SetAcknowledged(i, false)
	}
	d.SetAcknowledgedCount(0)

	// Publish the descriptor before advancing writeIndex: a release-store
	// on writeIndex/queueSize.
	h.SetWriteIndex(slot + 1)
	h.SetQueueSize(h.QueueSize() + 1)
	h.SetHasData(true)
	s.writeCount.Add(1)
	return bufferID, nil
}

// allocate reserves size bytes (4-byte aligned) from the ring-allocated
// arena, wrapping to the start when the tail doesn't fit.
func (s *Segment) allocate(size uint32) (uint32, error) {
	if size > s.arenaSize {
		return 0, ErrArenaOverflow
	}
	cursor := align4(s.arenaCursor)
	if cursor+size > s.arenaSize {
		cursor = 0
	}
	s.arenaCursor = cursor + size
	return cursor, nil
}

// evictFront reclaims the descriptor at readIndex unconditionally. Callers
// must have already decided eviction is safe (either not requiresAck, or
// fully acknowledged, or grace window elapsed).
func (s *Segment) evictFront(h header) {
	d := s.descAt(h.ReadIndex())
	d.clear()
	h.SetReadIndex(h.ReadIndex() + 1)
	h.SetQueueSize(h.QueueSize() - 1)
}

// Cleanup compacts the queue: reclaims every descriptor at the front that
// is fully acknowledged, corrupt, or (if not requiresAck) older than the
// grace window. readIndex advances only by evicting the front descriptor:
// here, in the cleanup pass that Ack runs (so a consumer's Ack can move
// it), and when WriteBuffer evicts from a full queue.
func (s *Segment) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()
}

func (s *Segment) cleanupLocked() {
	h := s.header()
	now := uint64(time.Now().UnixMilli())
	for h.QueueSize() > 0 {
		d := s.descAt(h.ReadIndex())
		if !s.boundsValid(d) {
			s.evictFront(h)
			continue
		}
		fullyAcked := d.AcknowledgedCount() >= d.ConsumerCount()
		aged := !d.RequiresAck() && now > d.Timestamp() && now-d.Timestamp() > uint64(evictionGraceWindow.Milliseconds())
		if fullyAcked || aged {
			s.evictFront(h)
			continue
		}
		break
	}
}

// boundsValid checks invariant 5: dataOffset+dataSize lies inside the
// arena. A descriptor failing this is corrupt and skipped at cleanup.
func (s *Segment) boundsValid(d descriptor) bool {
	end := uint64(d.DataOffset()) + uint64(d.DataSize())
	return end <= uint64(s.arenaSize)
}

// QueuedBuffer is a copy of one buffer's payload and metadata, returned
// by the read operations. It does not alias the segment's memory.
type QueuedBuffer struct {
	BufferID       uint64
	SequenceNumber uint32
	Timestamp      uint64
	Audio          []byte
	Parameters     ParameterMap
}

func (s *Segment) readDescriptor(d descriptor) (QueuedBuffer, error) {
	if !s.boundsValid(d) {
		return QueuedBuffer{}, ErrCorrupt
	}
	off := s.arenaOff + int(d.DataOffset())
	payload := s.data[off : off+int(d.DataSize())]
	audio, params, err := unpackPayload(payload)
	if err != nil {
		return QueuedBuffer{}, err
	}
	return QueuedBuffer{
		BufferID:       d.BufferID(),
		SequenceNumber: d.SequenceNumber(),
		Timestamp:      d.Timestamp(),
		Audio:          audio,
		Parameters:     params,
	}, nil
}

// ReadOldestUnacked scans descriptors in sequenceNumber order starting at
// readIndex and returns the first one the calling consumer has not yet
// acknowledged. It does not mark the buffer acked.
func (s *Segment) ReadOldestUnacked(consumerID uint32) (QueuedBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.header()
	if !h.HasData() {
		return QueuedBuffer{}, ErrNoData
	}
	if !s.isConsumerRegistered(h, consumerID) {
		return QueuedBuffer{}, ErrConsumerNotRegistered
	}
	n := h.QueueSize()
	for i := uint32(0); i < n; i++ {
		d := s.descAt(h.ReadIndex() + i)
		idx := d.indexOfConsumer(consumerID)
		if idx < 0 {
			// Registered after this buffer was written: treated as
			// pre-satisfied.
			continue
		}
		if d.Acknowledged(idx) {
			continue
		}
		buf, err := s.readDescriptor(d)
		if err != nil {
			return QueuedBuffer{}, err
		}
		s.readCount.Add(1)
		return buf, nil
	}
	return QueuedBuffer{}, ErrNoData
}

// ReadByID performs a deterministic lookup of one buffer by id, with the
// same copy semantics as ReadOldestUnacked.
func (s *Segment) ReadByID(consumerID uint32, bufferID uint64) (QueuedBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.header()
	if !s.isConsumerRegistered(h, consumerID) {
		return QueuedBuffer{}, ErrConsumerNotRegistered
	}
	n := h.QueueSize()
	for i := uint32(0); i < n; i++ {
		d := s.descAt(h.ReadIndex() + i)
		if d.BufferID() == bufferID {
			buf, err := s.readDescriptor(d)
			if err != nil {
				return QueuedBuffer{}, err
			}
			s.readCount.Add(1)
			return buf, nil
		}
	}
	return QueuedBuffer{}, ErrBufferNotFound
}

// Ack marks bufferID acknowledged for consumerID. Idempotent. Triggers a
// cleanup pass so fully-acked descriptors at the front are reclaimed
// immediately, so UnconsumedBufferCount drops right after an ack.
func (s *Segment) Ack(bufferID uint64, consumerID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.header()
	n := h.QueueSize()
	for i := uint32(0); i < n; i++ {
		d := s.descAt(h.ReadIndex() + i)
		if d.BufferID() != bufferID {
			continue
		}
		idx := d.indexOfConsumer(consumerID)
		if idx < 0 {
			return ErrConsumerNotRegistered
		}
		if !d.Acknowledged(idx) {
			d.SetAcknowledged(idx, true)
			d.SetAcknowledgedCount(d.AcknowledgedCount() + 1)
		}
		s.cleanupLocked()
		return nil
	}
	return ErrBufferNotFound
}

// AvailableBufferIDs returns the buffer ids currently queued, oldest
// first.
func (s *Segment) AvailableBufferIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.header()
	n := h.QueueSize()
	ids := make([]uint64, 0, n)
	for i := uint32(0); i < n; i++ {
		ids = append(ids, s.descAt(h.ReadIndex()+i).BufferID())
	}
	return ids
}

// UnconsumedBufferCount returns the number of buffers still queued.
func (s *Segment) UnconsumedBufferCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header().QueueSize()
}

// Stats reports point-in-time occupancy and throughput counters for a
// segment, useful for diagnostics and monitoring tools.
type Stats struct {
	TotalSize           int
	AvailableSize        uint32
	UsedSize             uint32
	WriteCount           uint32
	ReadCount            uint32
	QueuedBufferCount    uint32
	AcknowledgedBuffers  uint32
	ConsumerCount        uint32
}

func (s *Segment) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.header()
	n := h.QueueSize()
	var used, acked uint32
	for i := uint32(0); i < n; i++ {
		d := s.descAt(h.ReadIndex() + i)
		used += d.DataSize()
		if d.AcknowledgedCount() >= d.ConsumerCount() {
			acked++
		}
	}
	return Stats{
		TotalSize:           len(s.data),
		AvailableSize:       s.arenaSize - used,
		UsedSize:            used,
		WriteCount:          s.writeCount.Load(),
		ReadCount:           s.readCount.Load(),
		QueuedBufferCount:   n,
		AcknowledgedBuffers: acked,
		ConsumerCount:       h.ConsumerCount(),
	}
}

// Clear resets queue state without touching consumer registrations.
// Producer-only.
func (s *Segment) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.header()
	for i := uint32(0); i < h.MaxQueueSize(); i++ {
		descriptorAt(s.descArray(), int(i)).clear()
	}
	h.SetWriteIndex(0)
	h.SetReadIndex(0)
	h.SetQueueSize(0)
	h.SetHasData(false)
	s.arenaCursor = 0
}

// ControlMessage is a parameter write-back from a consumer to the
// producer, using the reserved control sub-ring.
type ControlMessage struct {
	ConsumerID uint32
	Timestamp  uint64
	Parameters ParameterMap
}

// WriteControl enqueues a control message onto the control sub-ring. The
// ring holds controlQueueSize slots; like the main queue it overwrites
// the oldest slot once full. Control messages have no requiresAck
// concept — they are always best-effort.
func (s *Segment) WriteControl(consumerID uint32, params ParameterMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.header()
	if !s.isConsumerRegistered(h, consumerID) {
		return ErrConsumerNotRegistered
	}
	slot := controlSlotAt(s.ctrlArray(), int(h.ControlWriteIndex()))
	slot.SetConsumerID(consumerID)
	slot.SetApplied(false)
	slot.SetTimestamp(uint64(time.Now().UnixMilli()))
	if err := slot.SetPayload(EncodeParameterMap(params)); err != nil {
		return err
	}
	h.SetControlWriteIndex(h.ControlWriteIndex() + 1)
	count := h.ControlCount()
	if count < controlQueueSize {
		h.SetControlCount(count + 1)
	} else {
		h.SetControlReadIndex(h.ControlReadIndex() + 1)
	}
	return nil
}

// ReadControl dequeues the oldest unapplied control message. Producer-only.
func (s *Segment) ReadControl() (ControlMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.header()
	if h.ControlCount() == 0 {
		return ControlMessage{}, false, nil
	}
	slot := controlSlotAt(s.ctrlArray(), int(h.ControlReadIndex()))
	params, err := DecodeParameterMap(slot.Payload())
	if err != nil {
		return ControlMessage{}, false, err
	}
	msg := ControlMessage{
		ConsumerID: slot.ConsumerID(),
		Timestamp:  slot.Timestamp(),
		Parameters: params,
	}
	slot.SetApplied(true)
	h.SetControlReadIndex(h.ControlReadIndex() + 1)
	h.SetControlCount(h.ControlCount() - 1)
	return msg, true, nil
}

// joinErr is a tiny seam so platform I/O failures are consistently
// wrapped with ErrPlatformIO alongside the underlying os error.
func joinErr(err error) error {
	return fmt.Errorf("%w: %v", ErrPlatformIO, err)
}
