package media

import "encoding/binary"

// isVP8Keyframe reports whether a depacketized VP8 frame is a keyframe. The
// lowest bit of the frame tag is 0 for keyframes.
func isVP8Keyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x1 == 0
}

// vp8Dimensions reads width and height from a keyframe header: a 3 byte
// frame tag, the 0x9d 0x01 0x2a start code, then two 14-bit little-endian
// sizes.
func vp8Dimensions(frame []byte) (width, height int, ok bool) {
	if !isVP8Keyframe(frame) || len(frame) < 10 {
		return 0, 0, false
	}
	if frame[3] != 0x9d || frame[4] != 0x01 || frame[5] != 0x2a {
		return 0, 0, false
	}
	raw := binary.LittleEndian.Uint32(frame[6:10])
	width = int(raw & 0x3FFF)
	height = int((raw >> 16) & 0x3FFF)
	if width == 0 || height == 0 {
		return 0, 0, false
	}
	return width, height, true
}
