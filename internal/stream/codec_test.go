package stream

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildHandshake(name string, width, height int, codecID uint32) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0) // dummy byte

	nameBuf := make([]byte, 64)
	copy(nameBuf, name)
	buf.Write(nameBuf)

	codecBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(codecBuf, codecID)
	buf.Write(codecBuf)

	wh := make([]byte, 8)
	binary.BigEndian.PutUint32(wh[0:4], uint32(width))
	binary.BigEndian.PutUint32(wh[4:8], uint32(height))
	buf.Write(wh)

	return buf.Bytes()
}

func buildPacket(ptsRaw uint64, payload []byte) []byte {
	header := make([]byte, 12)
	binary.BigEndian.PutUint64(header[0:8], ptsRaw)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(payload)))
	return append(header, payload...)
}

// S1 — happy path, single viewer.
func TestCodec_HappyPathSingleViewer(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(buildHandshake("Pixel 7", 1080, 2400, codecIDH264))

	config := bytes.Repeat([]byte{0xAA}, 32)
	keyframe := bytes.Repeat([]byte{0xBB}, 5000)
	p1 := bytes.Repeat([]byte{0xCC}, 800)
	p2 := bytes.Repeat([]byte{0xDD}, 800)

	stream.Write(buildPacket(ptsAllOnes, config))
	stream.Write(buildPacket(ptsKeyframeBit, keyframe))
	stream.Write(buildPacket(1, p1))
	stream.Write(buildPacket(2, p2))

	codec := NewCodec(&stream, DefaultStreamOptions())

	meta, err := codec.ReadMetadata()
	require.NoError(t, err)
	require.Equal(t, "Pixel 7", meta.DeviceName)
	require.Equal(t, 1080, meta.Width)
	require.Equal(t, 2400, meta.Height)
	require.Equal(t, codecIDH264, meta.CodecID)

	pkt, err := codec.ReadPacket()
	require.NoError(t, err)
	require.True(t, pkt.IsConfiguration())
	require.Equal(t, config, pkt.Payload)

	pkt, err = codec.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, PacketData, pkt.Kind)
	require.True(t, pkt.Keyframe)
	require.Equal(t, keyframe, pkt.Payload)

	pkt, err = codec.ReadPacket()
	require.NoError(t, err)
	require.False(t, pkt.Keyframe)
	require.Equal(t, p1, pkt.Payload)

	pkt, err = codec.ReadPacket()
	require.NoError(t, err)
	require.False(t, pkt.Keyframe)
	require.Equal(t, p2, pkt.Payload)
}

// S3 — desync recovery: an oversized length field forces a resync scan
// that locks onto the next Annex-B start code and classifies NAL units
// by type thereafter.
func TestCodec_DesyncRecovery(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(buildHandshake("Pixel 7", 1080, 2400, codecIDH264))

	// A bogus header claiming an oversized length, followed by a real
	// Annex-B-framed IDR NAL unit within the resync scan window.
	badHeader := make([]byte, 12)
	binary.BigEndian.PutUint32(badHeader[8:12], 0x40000000)
	stream.Write(badHeader)

	idrNAL := append([]byte{0x00, 0x00, 0x00, 0x01, 0x65}, bytes.Repeat([]byte{0x11}, 20)...)
	stream.Write(idrNAL)

	spsNAL := append([]byte{0x00, 0x00, 0x01, 0x67}, bytes.Repeat([]byte{0x22}, 10)...)
	stream.Write(spsNAL)

	codec := NewCodec(&stream, DefaultStreamOptions())
	_, err := codec.ReadMetadata()
	require.NoError(t, err)

	pkt, err := codec.ReadPacket()
	require.NoError(t, err)
	require.True(t, codec.rawNALMode)
	require.Equal(t, PacketData, pkt.Kind)
	require.True(t, pkt.Keyframe)

	pkt, err = codec.ReadPacket()
	require.NoError(t, err)
	require.True(t, pkt.IsConfiguration())
}

// Legacy codec-meta fallback: a 4-byte field that doesn't match a known
// codec ID tag is reinterpreted as packed (width<<16)|height.
func TestCodec_LegacyPackedWidthHeightFallback(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteByte(0)
	nameBuf := make([]byte, 64)
	copy(nameBuf, "Legacy Device")
	stream.Write(nameBuf)

	packed := make([]byte, 4)
	binary.BigEndian.PutUint32(packed, uint32(720)<<16|uint32(1280))
	stream.Write(packed)

	codec := NewCodec(&stream, DefaultStreamOptions())
	meta, err := codec.ReadMetadata()
	require.NoError(t, err)
	require.Equal(t, 720, meta.Width)
	require.Equal(t, 1280, meta.Height)
	require.Equal(t, codecIDH264, meta.CodecID)
}
