package memshare

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSegment(t *testing.T, maxQueueSize uint32) *Segment {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mem")
	s, err := Create(path, CreateConfig{
		Name:         "test-panner",
		TotalSize:    64 * 1024,
		MaxQueueSize: maxQueueSize,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Basic producer/consumer round trip: one consumer registers, the
// producer writes a requiresAck buffer, the consumer reads and acks it,
// and the queue drains.
func TestScenarioBasicProducerConsumer(t *testing.T) {
	s := newTestSegment(t, 8)
	require.NoError(t, s.RegisterConsumer(1))

	params := ParameterMap{ParamAzimuth: Float32Value(90)}
	bufferID, err := s.WriteBuffer([]byte("audio-frame"), params, true)
	require.NoError(t, err)
	require.EqualValues(t, 1, s.UnconsumedBufferCount())

	buf, err := s.ReadOldestUnacked(1)
	require.NoError(t, err)
	require.Equal(t, bufferID, buf.BufferID)
	require.Equal(t, []byte("audio-frame"), buf.Audio)
	require.Equal(t, float32(90), buf.Parameters.GetFloat(ParamAzimuth, -1))

	require.NoError(t, s.Ack(bufferID, 1))
	require.EqualValues(t, 0, s.UnconsumedBufferCount())

	_, err = s.ReadOldestUnacked(1)
	require.ErrorIs(t, err, ErrNoData)
}

// Two consumers, one ack missing: the producer fills the queue; when the
// oldest slot requires ack and is only partially acknowledged,
// WriteBuffer must return ErrQueueFull rather than silently evicting.
func TestScenarioQueueFullOnMissingAck(t *testing.T) {
	s := newTestSegment(t, 2)
	require.NoError(t, s.RegisterConsumer(1))
	require.NoError(t, s.RegisterConsumer(2))

	id1, err := s.WriteBuffer([]byte("a"), nil, true)
	require.NoError(t, err)
	_, err = s.WriteBuffer([]byte("b"), nil, true)
	require.NoError(t, err)

	// Queue now full at maxQueueSize=2. Only consumer 1 acks buffer 1;
	// consumer 2 never does.
	require.NoError(t, s.Ack(id1, 1))

	_, err = s.WriteBuffer([]byte("c"), nil, true)
	require.ErrorIs(t, err, ErrQueueFull)

	// Once consumer 2 also acks, the front slot is reclaimed and the
	// write succeeds.
	require.NoError(t, s.Ack(id1, 2))
	_, err = s.WriteBuffer([]byte("c"), nil, true)
	require.NoError(t, err)
}

func TestWriteBufferEvictsNonAckRequiredWhenFull(t *testing.T) {
	s := newTestSegment(t, 1)
	require.NoError(t, s.RegisterConsumer(1))

	_, err := s.WriteBuffer([]byte("a"), nil, false)
	require.NoError(t, err)
	_, err = s.WriteBuffer([]byte("b"), nil, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, s.UnconsumedBufferCount())
}

func TestRegisterConsumerIsIdempotent(t *testing.T) {
	s := newTestSegment(t, 4)
	require.NoError(t, s.RegisterConsumer(7))
	require.NoError(t, s.RegisterConsumer(7))
	require.EqualValues(t, 1, s.header().ConsumerCount())
}

func TestRegisterConsumerRejectsZeroID(t *testing.T) {
	s := newTestSegment(t, 4)
	require.ErrorIs(t, s.RegisterConsumer(0), ErrInvalidConsumerID)
}

func TestRegisterConsumerTableFull(t *testing.T) {
	s := newTestSegment(t, 4)
	for i := uint32(1); i <= maxConsumers; i++ {
		require.NoError(t, s.RegisterConsumer(i))
	}
	require.ErrorIs(t, s.RegisterConsumer(maxConsumers+1), ErrConsumerTableFull)
}

func TestLateConsumerSkipsPastBuffers(t *testing.T) {
	s := newTestSegment(t, 4)
	require.NoError(t, s.RegisterConsumer(1))
	_, err := s.WriteBuffer([]byte("old"), nil, true)
	require.NoError(t, err)

	require.NoError(t, s.RegisterConsumer(2))
	_, err = s.ReadOldestUnacked(2)
	require.ErrorIs(t, err, ErrNoData)
}

func TestReadByIDFindsAnyQueuedBuffer(t *testing.T) {
	s := newTestSegment(t, 4)
	require.NoError(t, s.RegisterConsumer(1))
	id1, _ := s.WriteBuffer([]byte("first"), nil, false)
	id2, _ := s.WriteBuffer([]byte("second"), nil, false)

	buf, err := s.ReadByID(1, id2)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), buf.Audio)

	buf, err = s.ReadByID(1, id1)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), buf.Audio)
}

func TestReadByIDMissingReturnsNotFound(t *testing.T) {
	s := newTestSegment(t, 4)
	require.NoError(t, s.RegisterConsumer(1))
	_, err := s.ReadByID(1, 999)
	require.ErrorIs(t, err, ErrBufferNotFound)
}

func TestAckUnknownConsumerRejected(t *testing.T) {
	s := newTestSegment(t, 4)
	require.NoError(t, s.RegisterConsumer(1))
	id, _ := s.WriteBuffer([]byte("x"), nil, true)
	require.ErrorIs(t, s.Ack(id, 99), ErrConsumerNotRegistered)
}

func TestAckIsIdempotent(t *testing.T) {
	s := newTestSegment(t, 4)
	require.NoError(t, s.RegisterConsumer(1))
	id, _ := s.WriteBuffer([]byte("x"), nil, true)
	require.NoError(t, s.Ack(id, 1))
	require.NoError(t, s.Ack(id, 1))
}

func TestWriteControlAndReadControlRoundTrip(t *testing.T) {
	s := newTestSegment(t, 4)
	require.NoError(t, s.RegisterConsumer(1))

	params := ParameterMap{ParamGain: Float32Value(0.5)}
	require.NoError(t, s.WriteControl(1, params))

	msg, ok, err := s.ReadControl()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, msg.ConsumerID)
	require.Equal(t, float32(0.5), msg.Parameters.GetFloat(ParamGain, -1))

	_, ok, err = s.ReadControl()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteControlRejectsUnregisteredConsumer(t *testing.T) {
	s := newTestSegment(t, 4)
	require.ErrorIs(t, s.WriteControl(5, nil), ErrConsumerNotRegistered)
}

func TestClearResetsQueueButKeepsConsumers(t *testing.T) {
	s := newTestSegment(t, 4)
	require.NoError(t, s.RegisterConsumer(1))
	_, err := s.WriteBuffer([]byte("x"), nil, false)
	require.NoError(t, err)

	s.Clear()
	require.EqualValues(t, 0, s.UnconsumedBufferCount())
	require.EqualValues(t, 1, s.header().ConsumerCount())
}

func TestOpenValidatesMagicAndMaxQueueSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.mem")
	s, err := Create(path, CreateConfig{Name: "p", TotalSize: 64 * 1024, MaxQueueSize: 8})
	require.NoError(t, err)
	s.Close()

	opened, err := Open(path, 8)
	require.NoError(t, err)
	opened.Close()

	_, err = Open(path, 4)
	require.ErrorIs(t, err, ErrMaxQueueSizeMismatch)
}

func TestOpenRejectsUndersizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.mem")
	require.NoError(t, os.WriteFile(path, make([]byte, 16), 0o644))
	_, err := Open(path, 0)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestStatsReflectsQueueOccupancy(t *testing.T) {
	s := newTestSegment(t, 4)
	require.NoError(t, s.RegisterConsumer(1))
	_, err := s.WriteBuffer([]byte("12345"), nil, true)
	require.NoError(t, err)

	stats := s.Stats()
	require.EqualValues(t, 1, stats.QueuedBufferCount)
	require.EqualValues(t, 1, stats.ConsumerCount)
	require.EqualValues(t, 1, stats.WriteCount)
}
