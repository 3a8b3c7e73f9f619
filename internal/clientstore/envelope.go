package clientstore

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

var envelopeMagic = []byte("DSFL")

const (
	envelopeVersion    = 1
	envelopeHeaderSize = 4 + 1 + 4 + 4 + 4 + 8
)

// encodeEnvelope frames a state blob with the owning client id, the round it was written in and
// an xxhash64 checksum of the payload.
func encodeEnvelope(clientId int, round int, payload []byte) []byte {
	buf := make([]byte, envelopeHeaderSize+len(payload))
	copy(buf, envelopeMagic)
	buf[4] = envelopeVersion
	binary.BigEndian.PutUint32(buf[5:], uint32(clientId))
	binary.BigEndian.PutUint32(buf[9:], uint32(round))
	binary.BigEndian.PutUint32(buf[13:], uint32(len(payload)))
	binary.BigEndian.PutUint64(buf[17:], xxhash.Sum64(payload))
	copy(buf[envelopeHeaderSize:], payload)
	return buf
}

// decodeEnvelope returns the payload and the round it was written in, or ErrCorruptState.
func decodeEnvelope(clientId int, data []byte) ([]byte, int, error) {
	if len(data) < envelopeHeaderSize || !bytes.Equal(data[:4], envelopeMagic) {
		return nil, 0, fmt.Errorf("client %d: bad header: %w", clientId, ErrCorruptState)
	}
	if data[4] != envelopeVersion {
		return nil, 0, fmt.Errorf("client %d: unsupported version %d: %w", clientId, data[4], ErrCorruptState)
	}
	if owner := int(binary.BigEndian.Uint32(data[5:])); owner != clientId {
		return nil, 0, fmt.Errorf("client %d: state belongs to client %d: %w", clientId, owner, ErrCorruptState)
	}
	round := int(binary.BigEndian.Uint32(data[9:]))
	size := int(binary.BigEndian.Uint32(data[13:]))
	payload := data[envelopeHeaderSize:]
	if len(payload) != size {
		return nil, 0, fmt.Errorf("client %d: payload is %d bytes, header says %d: %w", clientId, len(payload), size, ErrCorruptState)
	}
	if xxhash.Sum64(payload) != binary.BigEndian.Uint64(data[17:]) {
		return nil, 0, fmt.Errorf("client %d: checksum mismatch: %w", clientId, ErrCorruptState)
	}
	return payload, round, nil
}
