package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"

	"github.com/kailas-cloud/corpusdex/internal/domain"
)

// Index file layout (v1):
//
//	0..7   magic "CDXIDX01"
//	8..11  dim (uint32)
//	12..15 count (uint32)
//	16..19 crc32 IEEE of the vector payload
//	20..   payload: count * dim * 4 bytes, float32 little-endian per slot
const indexHeaderSize = 20

var indexMagic = [8]byte{'C', 'D', 'X', 'I', 'D', 'X', '0', '1'}

// writeIndexFile persists all slots (live and tombstoned) atomically via a
// temp file and rename.
func writeIndexFile(path string, dim int, vectors [][]float32) error {
	payload := make([]byte, 0, len(vectors)*dim*4)
	var scratch [4]byte
	for _, vec := range vectors {
		for _, f := range vec {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(f))
			payload = append(payload, scratch[:]...)
		}
	}

	buf := make([]byte, indexHeaderSize, indexHeaderSize+len(payload))
	copy(buf[:8], indexMagic[:])
	binary.LittleEndian.PutUint32(buf[8:12], uint32(dim))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(vectors)))
	binary.LittleEndian.PutUint32(buf[16:20], crc32.ChecksumIEEE(payload))
	buf = append(buf, payload...)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("write index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace index file: %w", err)
	}
	return nil
}

// readIndexFile loads and validates the index file. Structural damage and
// checksum mismatches surface as ErrIndexCorrupted.
func readIndexFile(path string) (int, [][]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, fmt.Errorf("read index file: %w", err)
	}
	if len(data) < indexHeaderSize {
		return 0, nil, fmt.Errorf("index file truncated at %d bytes: %w", len(data), domain.ErrIndexCorrupted)
	}

	var magic [8]byte
	copy(magic[:], data[:8])
	if magic != indexMagic {
		return 0, nil, fmt.Errorf("bad index magic: %w", domain.ErrIndexCorrupted)
	}

	dim := int(binary.LittleEndian.Uint32(data[8:12]))
	count := int(binary.LittleEndian.Uint32(data[12:16]))
	sum := binary.LittleEndian.Uint32(data[16:20])
	payload := data[indexHeaderSize:]

	if dim <= 0 {
		return 0, nil, fmt.Errorf("index header dim=%d: %w", dim, domain.ErrIndexCorrupted)
	}
	if len(payload) != count*dim*4 {
		return 0, nil, fmt.Errorf(
			"index payload is %d bytes, header promises %d vectors of dim %d: %w",
			len(payload), count, dim, domain.ErrIndexCorrupted,
		)
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return 0, nil, fmt.Errorf("index checksum mismatch: %w", domain.ErrIndexCorrupted)
	}

	vectors := make([][]float32, count)
	offset := 0
	for i := range vectors {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(payload[offset : offset+4]))
			offset += 4
		}
		vectors[i] = vec
	}
	return dim, vectors, nil
}
