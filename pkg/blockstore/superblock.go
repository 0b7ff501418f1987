package blockstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

const (
	// HeaderProbeSize is how many bytes are read to find the length prefix
	HeaderProbeSize = 16

	// headerDelimiter separates the decimal length from the JSON payload
	headerDelimiter = ';'
)

// Superblock is the allocation metadata stored in block zero:
//
//	<decimal length of payload>;{"occupiedBlocks":[0,1,2],"blockSize":4096}
type Superblock struct {
	OccupiedBlocks []uint64 `json:"occupiedBlocks"`
	BlockSize      int      `json:"blockSize"`
}

// NewSuperblock builds a superblock from an occupancy set. Index 0 is always
// included and the indices are sorted ascending.
func NewSuperblock(blockSize int, occupied map[uint64]struct{}) *Superblock {
	indices := make([]uint64, 0, len(occupied)+1)
	indices = append(indices, 0)
	for idx := range occupied {
		if idx != 0 {
			indices = append(indices, idx)
		}
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	return &Superblock{
		OccupiedBlocks: indices,
		BlockSize:      blockSize,
	}
}

// Encode serializes the superblock with its length prefix.
func (s *Superblock) Encode() ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal superblock: %w", err)
	}

	prefix := strconv.Itoa(len(payload))
	out := make([]byte, 0, len(prefix)+1+len(payload))
	out = append(out, prefix...)
	out = append(out, headerDelimiter)
	out = append(out, payload...)
	return out, nil
}

// decodeHeader parses the "<length>;" prefix from the probe bytes. It returns
// the payload length and the offset at which the payload starts.
func decodeHeader(probe []byte) (payloadLen int, payloadOffset int, err error) {
	idx := bytes.IndexByte(probe, headerDelimiter)
	if idx <= 0 {
		return 0, 0, fmt.Errorf("%w: no length prefix in header", ErrCorruptSuperblock)
	}

	digits := probe[:idx]
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, 0, fmt.Errorf("%w: length prefix %q is not a decimal number", ErrCorruptSuperblock, digits)
		}
	}

	n, err := strconv.Atoi(string(digits))
	if err != nil || n == 0 {
		return 0, 0, fmt.Errorf("%w: invalid length prefix %q", ErrCorruptSuperblock, digits)
	}

	return n, idx + 1, nil
}

// decodePayload parses the JSON payload and normalizes the occupancy list.
func decodePayload(payload []byte) (*Superblock, error) {
	var sb Superblock
	if err := json.Unmarshal(payload, &sb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSuperblock, err)
	}

	if sb.BlockSize < MinBlockSize {
		return nil, fmt.Errorf("%w: block size %d below minimum %d", ErrCorruptSuperblock, sb.BlockSize, MinBlockSize)
	}

	set := make(map[uint64]struct{}, len(sb.OccupiedBlocks))
	for _, idx := range sb.OccupiedBlocks {
		set[idx] = struct{}{}
	}
	normalized := NewSuperblock(sb.BlockSize, set)

	return normalized, nil
}

// occupancy returns the superblock's indices as a set.
func (s *Superblock) occupancy() map[uint64]struct{} {
	set := make(map[uint64]struct{}, len(s.OccupiedBlocks))
	for _, idx := range s.OccupiedBlocks {
		set[idx] = struct{}{}
	}
	return set
}
