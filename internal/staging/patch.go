package staging

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Patch wire format, zstd-compressed: a 4-byte magic, the blake3 hash of
// the base content the patch applies against, the target size, then a
// sequence of ops. COPY ops reference runs of base blocks, DATA ops carry
// literal bytes. Unmodified regions of a large file reduce to a handful of
// COPY ops instead of a re-upload of the whole file.
const (
	patchMagic     = "MFP1"
	patchBlockSize = 4096

	opCopy byte = 0
	opData byte = 1
)

// BuildPatch computes a patch that transforms base into working.
func BuildPatch(base, working []byte) ([]byte, error) {
	baseBlocks := make(map[[32]byte]int)
	for i := 0; i*patchBlockSize < len(base); i++ {
		block := baseBlock(base, i)
		if len(block) < patchBlockSize {
			break // partial tail blocks are never copy targets
		}
		sum := blake3.Sum256(block)
		if _, ok := baseBlocks[sum]; !ok {
			baseBlocks[sum] = i
		}
	}

	var raw bytes.Buffer
	raw.WriteString(patchMagic)
	baseSum := blake3.Sum256(base)
	raw.Write(baseSum[:])
	writeUvarint(&raw, uint64(len(working)))

	var literal []byte
	copyStart, copyLen := -1, 0
	flushLiteral := func() {
		if len(literal) == 0 {
			return
		}
		raw.WriteByte(opData)
		writeUvarint(&raw, uint64(len(literal)))
		raw.Write(literal)
		literal = literal[:0]
	}
	flushCopy := func() {
		if copyLen == 0 {
			return
		}
		raw.WriteByte(opCopy)
		writeUvarint(&raw, uint64(copyStart))
		writeUvarint(&raw, uint64(copyLen))
		copyStart, copyLen = -1, 0
	}

	for off := 0; off < len(working); off += patchBlockSize {
		end := off + patchBlockSize
		if end > len(working) {
			end = len(working)
		}
		block := working[off:end]

		if len(block) == patchBlockSize {
			if idx, ok := baseBlocks[blake3.Sum256(block)]; ok && bytes.Equal(block, baseBlock(base, idx)) {
				flushLiteral()
				if copyLen > 0 && idx == copyStart+copyLen {
					copyLen++
				} else {
					flushCopy()
					copyStart, copyLen = idx, 1
				}
				continue
			}
		}
		flushCopy()
		literal = append(literal, block...)
	}
	flushCopy()
	flushLiteral()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw.Bytes(), nil), nil
}

// ApplyPatch reconstructs the target content from base and a patch built by
// BuildPatch. It rejects patches whose recorded base hash does not match
// base, and target content whose size disagrees with the header.
func ApplyPatch(base, patch []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(patch, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress patch: %w", err)
	}

	if len(raw) < len(patchMagic)+32 || string(raw[:len(patchMagic)]) != patchMagic {
		return nil, fmt.Errorf("malformed patch header")
	}
	raw = raw[len(patchMagic):]
	var baseSum [32]byte
	copy(baseSum[:], raw[:32])
	raw = raw[32:]
	if blake3.Sum256(base) != baseSum {
		return nil, fmt.Errorf("patch does not apply: base content mismatch")
	}

	buf := bytes.NewReader(raw)
	targetSize, err := binary.ReadUvarint(buf)
	if err != nil {
		return nil, fmt.Errorf("malformed patch header: %w", err)
	}

	target := make([]byte, 0, targetSize)
	for buf.Len() > 0 {
		op, _ := buf.ReadByte()
		switch op {
		case opCopy:
			start, err := binary.ReadUvarint(buf)
			if err != nil {
				return nil, fmt.Errorf("malformed copy op: %w", err)
			}
			count, err := binary.ReadUvarint(buf)
			if err != nil {
				return nil, fmt.Errorf("malformed copy op: %w", err)
			}
			from := int(start) * patchBlockSize
			to := from + int(count)*patchBlockSize
			if from > len(base) || to > len(base) || to < from {
				return nil, fmt.Errorf("copy op out of base range [%d:%d]", from, to)
			}
			target = append(target, base[from:to]...)
		case opData:
			n, err := binary.ReadUvarint(buf)
			if err != nil {
				return nil, fmt.Errorf("malformed data op: %w", err)
			}
			if uint64(buf.Len()) < n {
				return nil, fmt.Errorf("data op truncated: want %d bytes, have %d", n, buf.Len())
			}
			lit := make([]byte, n)
			if _, err := buf.Read(lit); err != nil {
				return nil, fmt.Errorf("read data op: %w", err)
			}
			target = append(target, lit...)
		default:
			return nil, fmt.Errorf("unknown patch op %d", op)
		}
	}

	if uint64(len(target)) != targetSize {
		return nil, fmt.Errorf("patch produced %d bytes, header says %d", len(target), targetSize)
	}
	return target, nil
}

func baseBlock(base []byte, i int) []byte {
	off := i * patchBlockSize
	end := off + patchBlockSize
	if end > len(base) {
		end = len(base)
	}
	return base[off:end]
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutUvarint(tmp[:], v)])
}
