package mmap

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/x448/float16"
)

const (
	// DefaultChunkSize is 64MB.
	DefaultChunkSize = 64 * 1024 * 1024
	ArenaMagic       = 0x54474641 // "TGFA"
	ArenaVersion     = 1
	ArenaHeaderSize  = 64
)

// Precision constants for stored rows.
const (
	PrecFloat32 uint8 = 0
	PrecFloat16 uint8 = 1
)

// Chunk represents a single memory-mapped file.
type Chunk struct {
	ID   int
	File *os.File
	Data []byte
}

// FeatureArena stores fixed-dimension feature rows addressed by dense ids in
// memory-mapped chunk files. Rows never written read back as zeros.
type FeatureArena struct {
	mu         sync.RWMutex
	dir        string
	prefix     string
	chunkSize  int
	rowSize    int // bytes per row
	rowsPerChk int
	chunks     []*Chunk
	dim        uint32
	precision  uint8
}

// NewFeatureArena opens (or creates) the arena files <prefix>_NNNN.bin in dir.
func NewFeatureArena(dir, prefix string, dim int, precision uint8) (*FeatureArena, error) {
	return newFeatureArena(dir, prefix, dim, precision, DefaultChunkSize)
}

func newFeatureArena(dir, prefix string, dim int, precision uint8, chunkSize int) (*FeatureArena, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("feature dimension must be > 0")
	}
	var rowSize int
	switch precision {
	case PrecFloat32:
		rowSize = dim * 4
	case PrecFloat16:
		rowSize = dim * 2
	default:
		return nil, fmt.Errorf("unsupported arena precision %d", precision)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create arena dir: %w", err)
	}

	// Rows start after the 64-byte header of every chunk.
	rowsPerChk := (chunkSize - ArenaHeaderSize) / rowSize
	if rowsPerChk == 0 {
		return nil, fmt.Errorf("row size %d exceeds chunk payload capacity", rowSize)
	}

	fa := &FeatureArena{
		dir:        dir,
		prefix:     prefix,
		chunkSize:  chunkSize,
		rowSize:    rowSize,
		rowsPerChk: rowsPerChk,
		dim:        uint32(dim),
		precision:  precision,
	}

	// Reopen chunks left by a previous run.
	if err := fa.loadExistingChunks(); err != nil {
		fa.Close()
		return nil, err
	}
	return fa, nil
}

// Dim is the number of values per row.
func (fa *FeatureArena) Dim() int { return int(fa.dim) }

func (fa *FeatureArena) chunkName(id int) string {
	return filepath.Join(fa.dir, fmt.Sprintf("%s_%04d.bin", fa.prefix, id))
}

func (fa *FeatureArena) loadExistingChunks() error {
	entries, err := os.ReadDir(fa.dir)
	if err != nil {
		return err
	}

	maxChunkID := -1
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var id int
		if _, err := fmt.Sscanf(entry.Name(), fa.prefix+"_%04d.bin", &id); err == nil {
			if id > maxChunkID {
				maxChunkID = id
			}
		}
	}

	for i := 0; i <= maxChunkID; i++ {
		if err := fa.addChunk(i); err != nil {
			return err
		}
	}
	return nil
}

func (fa *FeatureArena) addChunk(chunkID int) error {
	fileName := fa.chunkName(chunkID)

	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}

	isNewFile := info.Size() == 0

	if info.Size() < int64(fa.chunkSize) {
		if err := file.Truncate(int64(fa.chunkSize)); err != nil {
			file.Close()
			return err
		}
	}

	data, err := mmapFile(file.Fd(), fa.chunkSize)
	if err != nil {
		file.Close()
		return err
	}

	if isNewFile {
		binary.LittleEndian.PutUint32(data[0:4], ArenaMagic)
		binary.LittleEndian.PutUint32(data[4:8], ArenaVersion)
		binary.LittleEndian.PutUint32(data[8:12], fa.dim)
		data[12] = fa.precision
	} else if err := fa.checkHeader(fileName, data); err != nil {
		munmapFile(data)
		file.Close()
		return err
	}

	fa.chunks = append(fa.chunks, &Chunk{ID: chunkID, File: file, Data: data})
	return nil
}

func (fa *FeatureArena) checkHeader(fileName string, data []byte) error {
	magic := binary.LittleEndian.Uint32(data[0:4])
	version := binary.LittleEndian.Uint32(data[4:8])
	fileDim := binary.LittleEndian.Uint32(data[8:12])
	filePrec := data[12]

	if magic != ArenaMagic {
		return fmt.Errorf("file %s is not a valid feature arena (magic mismatch)", fileName)
	}
	if version != ArenaVersion {
		return fmt.Errorf("file %s unsupported version %d", fileName, version)
	}
	if fileDim != fa.dim {
		return fmt.Errorf("file %s dimension mismatch: expected %d, got %d", fileName, fa.dim, fileDim)
	}
	if filePrec != fa.precision {
		return fmt.Errorf("file %s precision mismatch: expected %d, got %d", fileName, fa.precision, filePrec)
	}
	return nil
}

// rowBytes returns the mapped bytes of a row. With grow unset, rows in chunks
// that do not exist yet return nil.
func (fa *FeatureArena) rowBytes(id uint32, grow bool) ([]byte, error) {
	chunkID := int(id) / fa.rowsPerChk
	offset := ArenaHeaderSize + (int(id)%fa.rowsPerChk)*fa.rowSize

	// Fast path: many readers at once.
	fa.mu.RLock()
	if chunkID < len(fa.chunks) {
		chunk := fa.chunks[chunkID]
		fa.mu.RUnlock()
		return chunk.Data[offset : offset+fa.rowSize], nil
	}
	fa.mu.RUnlock()

	if !grow {
		return nil, nil
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()

	// Another writer may have created the chunk while we waited.
	for chunkID >= len(fa.chunks) {
		if err := fa.addChunk(len(fa.chunks)); err != nil {
			return nil, err
		}
	}
	return fa.chunks[chunkID].Data[offset : offset+fa.rowSize], nil
}

// Put writes a row. vec must have exactly Dim values.
func (fa *FeatureArena) Put(id uint32, vec []float32) error {
	if len(vec) != int(fa.dim) {
		return fmt.Errorf("row %d has %d values, arena dimension is %d", id, len(vec), fa.dim)
	}
	b, err := fa.rowBytes(id, true)
	if err != nil {
		return err
	}
	switch fa.precision {
	case PrecFloat32:
		copy(BytesToFloat32Slice(b, len(vec)), vec)
	case PrecFloat16:
		halves := BytesToUint16Slice(b, len(vec))
		for i, v := range vec {
			halves[i] = float16.Fromfloat32(v).Bits()
		}
	}
	return nil
}

// Get decodes a row into dst (reallocated if too small) and returns it.
func (fa *FeatureArena) Get(id uint32, dst []float32) ([]float32, error) {
	dim := int(fa.dim)
	if cap(dst) < dim {
		dst = make([]float32, dim)
	}
	dst = dst[:dim]

	b, err := fa.rowBytes(id, false)
	if err != nil {
		return nil, err
	}
	if b == nil {
		clear(dst)
		return dst, nil
	}
	switch fa.precision {
	case PrecFloat32:
		copy(dst, BytesToFloat32Slice(b, dim))
	case PrecFloat16:
		for i, h := range BytesToUint16Slice(b, dim) {
			dst[i] = float16.Frombits(h).Float32()
		}
	}
	return dst, nil
}

func (fa *FeatureArena) Close() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	var firstErr error
	for _, chunk := range fa.chunks {
		if err := munmapFile(chunk.Data); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := chunk.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	fa.chunks = nil
	return firstErr
}

// --- ZERO-COPY CASTING HELPERS ---

// BytesToFloat32Slice casts a byte slice directly to a float32 slice without copying.
func BytesToFloat32Slice(b []byte, dim int) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), dim)
}

func BytesToUint16Slice(b []byte, dim int) []uint16 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&b[0])), dim)
}
