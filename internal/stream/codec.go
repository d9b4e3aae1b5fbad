package stream

import (
	"bufio"
	"encoding/binary"
	"io"
)

const (
	maxPacketSize    = 10 * 1024 * 1024 // 10 MiB, spec.md §4.3
	resyncScanWindow = 200
)

// Known codec id tags, big-endian ASCII, grounded on the scrcpy wire
// protocol (babelcloud-gbox internal/device_connect/protocol/scrcpy.go).
const (
	codecIDH264 uint32 = 0x68323634
	codecIDH265 uint32 = 0x68323635
	codecIDAV1  uint32 = 0x00617631
)

func isKnownCodecID(id uint32) bool {
	switch id {
	case codecIDH264, codecIDH265, codecIDAV1:
		return true
	default:
		return false
	}
}

// Codec parses the scrcpy wire protocol: one handshake, then a stream of
// length-prefixed media packets. It owns a buffered read window over the
// underlying socket and, once desynchronized, falls back to NAL-aligned
// raw extraction for the rest of the session (spec.md §4.3).
type Codec struct {
	opts       StreamOptions
	br         *bufio.Reader
	rawNALMode bool
}

// NewCodec wraps r in a buffered reader sized for H.264 keyframes.
func NewCodec(r io.Reader, opts StreamOptions) *Codec {
	return &Codec{
		opts: opts,
		br:   bufio.NewReaderSize(r, 1<<20),
	}
}

func exactRead(br *bufio.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, Wrap(KindConnectionClosed, err)
	}
	return buf, nil
}

// ReadMetadata performs the scrcpy handshake exactly once, before any call
// to ReadPacket.
func (c *Codec) ReadMetadata() (VideoMetadata, error) {
	var meta VideoMetadata

	if c.opts.SendDummyByte {
		if _, err := exactRead(c.br, 1); err != nil {
			return meta, err
		}
	}

	var haveDeviceMeta bool
	if c.opts.SendDeviceMeta {
		nameBytes, err := exactRead(c.br, 64)
		if err != nil {
			return meta, err
		}
		meta.DeviceName = nulTerminatedString(nameBytes)
		haveDeviceMeta = true
	}

	if c.opts.SendCodecMeta {
		idBytes, err := exactRead(c.br, 4)
		if err != nil {
			return meta, err
		}
		codecID := binary.BigEndian.Uint32(idBytes)

		if isKnownCodecID(codecID) {
			meta.CodecID = codecID

			wBytes, err := exactRead(c.br, 4)
			if err != nil {
				return meta, err
			}
			hBytes, err := exactRead(c.br, 4)
			if err != nil {
				return meta, err
			}
			meta.Width = int(binary.BigEndian.Uint32(wBytes))
			meta.Height = int(binary.BigEndian.Uint32(hBytes))
		} else {
			// Legacy: the 4 bytes we already read are a packed (w<<16)|h.
			packed := codecID
			meta.Width = int(packed >> 16)
			meta.Height = int(packed & 0xFFFF)
			meta.CodecID = codecIDH264
		}
	} else if haveDeviceMeta {
		wBytes, err := exactRead(c.br, 2)
		if err != nil {
			return meta, err
		}
		hBytes, err := exactRead(c.br, 2)
		if err != nil {
			return meta, err
		}
		meta.Width = int(binary.BigEndian.Uint16(wBytes))
		meta.Height = int(binary.BigEndian.Uint16(hBytes))
		meta.CodecID = codecIDH264
	}

	return meta, nil
}

func nulTerminatedString(b []byte) string {
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

const (
	ptsAllOnes     = ^uint64(0)
	ptsKeyframeBit = uint64(1) << 63
	ptsMask        = ptsKeyframeBit - 1
)

// ReadPacket returns the next MediaPacket. Once a desync has pushed the
// codec into raw NAL-extraction mode, it stays in that mode for the rest
// of the session.
func (c *Codec) ReadPacket() (MediaPacket, error) {
	if c.rawNALMode {
		return c.readRawNAL()
	}

	header, err := exactRead(c.br, 12)
	if err != nil {
		return MediaPacket{}, err
	}

	ptsRaw := binary.BigEndian.Uint64(header[0:8])
	length := binary.BigEndian.Uint32(header[8:12])

	if length > maxPacketSize {
		if c.tryResync() {
			return c.readRawNAL()
		}
		return MediaPacket{}, Newf(KindProtocolDesync, "oversized length %d with no start code within %d bytes", length, resyncScanWindow)
	}

	payload, err := exactRead(c.br, int(length))
	if err != nil {
		return MediaPacket{}, err
	}

	if ptsRaw == ptsAllOnes {
		return MediaPacket{Kind: PacketConfiguration, Payload: payload}, nil
	}
	if ptsRaw&ptsKeyframeBit != 0 {
		return MediaPacket{Kind: PacketData, PTS: ptsRaw & ptsMask, Keyframe: true, Payload: payload}, nil
	}
	return MediaPacket{Kind: PacketData, PTS: ptsRaw, Keyframe: false, Payload: payload}, nil
}

// tryResync scans up to resyncScanWindow bytes for an Annex-B start code
// and, if found, aligns the buffer there and flips into raw NAL mode.
func (c *Codec) tryResync() bool {
	scanned := 0
	for scanned < resyncScanWindow {
		peek, err := c.br.Peek(4)
		if len(peek) >= 3 && peek[0] == 0 && peek[1] == 0 && (peek[2] == 1 || (len(peek) == 4 && peek[2] == 0 && peek[3] == 1)) {
			c.rawNALMode = true
			return true
		}
		if err != nil && len(peek) < 3 {
			return false
		}
		if _, err := c.br.ReadByte(); err != nil {
			return false
		}
		scanned++
	}
	return false
}

// readRawNAL extracts exactly one NAL unit (start code consumed, payload
// captured up to but excluding the next start code) and classifies it.
func (c *Codec) readRawNAL() (MediaPacket, error) {
	startLen, err := c.syncToStartCode()
	if err != nil {
		return MediaPacket{}, err
	}

	header, err := exactRead(c.br, startLen+1)
	if err != nil {
		return MediaPacket{}, err
	}
	nalHeader := header[startLen]
	nalType := nalHeader & 0x1F

	var payload []byte
	payload = append(payload, header...)

	rest, err := c.readUntilNextStartCode()
	if err != nil && err != io.EOF {
		return MediaPacket{}, err
	}
	payload = append(payload, rest...)

	switch nalType {
	case 7, 8: // SPS, PPS
		return MediaPacket{Kind: PacketConfiguration, Payload: payload}, nil
	case 5: // IDR
		return MediaPacket{Kind: PacketData, Keyframe: true, Payload: payload}, nil
	default: // P-frame (type 1) and anything else
		return MediaPacket{Kind: PacketData, Keyframe: false, Payload: payload}, nil
	}
}

// syncToStartCode blocks until the buffer is positioned at an Annex-B
// start code and returns its length (3 or 4).
func (c *Codec) syncToStartCode() (int, error) {
	for {
		peek, err := c.br.Peek(4)
		if len(peek) >= 3 && peek[0] == 0 && peek[1] == 0 && peek[2] == 1 {
			return 3, nil
		}
		if len(peek) >= 4 && peek[0] == 0 && peek[1] == 0 && peek[2] == 0 && peek[3] == 1 {
			return 4, nil
		}
		if err != nil {
			return 0, Wrap(KindConnectionClosed, err)
		}
		if _, err := c.br.ReadByte(); err != nil {
			return 0, Wrap(KindConnectionClosed, err)
		}
	}
}

func (c *Codec) readUntilNextStartCode() ([]byte, error) {
	var data []byte
	for {
		peek, err := c.br.Peek(4)
		if len(peek) >= 3 && peek[0] == 0 && peek[1] == 0 && peek[2] == 1 {
			return data, nil
		}
		if len(peek) >= 4 && peek[0] == 0 && peek[1] == 0 && peek[2] == 0 && peek[3] == 1 {
			return data, nil
		}
		if err == io.EOF && len(peek) < 3 {
			b, rerr := c.br.ReadByte()
			if rerr != nil {
				return data, io.EOF
			}
			data = append(data, b)
			continue
		}
		b, rerr := c.br.ReadByte()
		if rerr != nil {
			return data, rerr
		}
		data = append(data, b)
	}
}
