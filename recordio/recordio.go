// Package recordio packs and unpacks variable-length opaque records inside
// fixed-size blocks. Each record is wrapped in a small framed header carrying
// a checksum, so a reader can detect corruption; after a corrupted frame the
// rest of that block is abandoned. Records that don't fit in the
// remaining space of a block are split across a continuation frame in the
// next block.
package recordio

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// frameHeaderSize is 1 flags byte + 4 length bytes + 4 checksum bytes.
const frameHeaderSize = 9

type frameFlag uint8

const (
	flagFirst frameFlag = 1 << iota
	flagLast
	flagCompressed
)

// ReadResult classifies the outcome of decoding one frame from a block.
type ReadResult int

const (
	// ReadOK means a complete record was assembled and returned.
	ReadOK ReadResult = iota
	// ReadNoData means the block has no more frames at this offset (the
	// remainder is padding or an incomplete tail).
	ReadNoData
	// ReadPartial means a fragment of a multi-block record was consumed;
	// the caller should keep reading (possibly from the next block).
	ReadPartial
	// ReadCorrupted means the frame's length or checksum was invalid; the
	// caller should abandon the rest of the block and move to the next one.
	ReadCorrupted
)

func (r ReadResult) String() string {
	switch r {
	case ReadOK:
		return "READ_OK"
	case ReadNoData:
		return "READ_NO_DATA"
	case ReadPartial:
		return "READ_PARTIAL"
	case ReadCorrupted:
		return "READ_CORRUPTED"
	default:
		return fmt.Sprintf("READ_UNKNOWN(%d)", int(r))
	}
}

// Writer packs records into fixed-size blocks of blockSize bytes.
type Writer struct {
	blockSize int
	deflate   bool
	block     []byte
	records   int
}

// NewWriter returns a Writer that packs records into blocks of blockSize
// bytes, optionally deflating each record's payload before framing it.
func NewWriter(blockSize int, deflate bool) *Writer {
	return &Writer{blockSize: blockSize, deflate: deflate}
}

// PendingRecordCount returns how many complete records have been packed into
// the block currently under construction (not yet finalized).
func (w *Writer) PendingRecordCount() int { return w.records }

// Leftover returns the number of bytes already buffered into the
// in-progress block.
func (w *Writer) Leftover() int { return len(w.block) }

// Clear discards any buffered, unfinalized block content.
func (w *Writer) Clear() {
	w.block = nil
	w.records = 0
}

// AppendRecord frames data (splitting it across continuation frames as
// needed) and appends it to the block under construction, returning any
// blocks that were completed (padded to exactly blockSize bytes) in the
// process, in order.
func (w *Writer) AppendRecord(data []byte) ([][]byte, error) {
	payload := data
	compressed := false
	if w.deflate && len(data) > 0 {
		deflated, err := deflateBytes(data)
		if err != nil {
			return nil, err
		}
		if len(deflated) < len(data) {
			payload = deflated
			compressed = true
		}
	}

	var completed [][]byte
	remaining := payload
	first := true
	for {
		avail := w.blockSize - len(w.block)
		if avail <= frameHeaderSize {
			completed = append(completed, w.finalizeLocked())
			avail = w.blockSize
		}
		chunk := remaining
		last := true
		if len(remaining) > avail-frameHeaderSize {
			chunk = remaining[:avail-frameHeaderSize]
			last = false
		}
		flags := frameFlag(0)
		if first {
			flags |= flagFirst
		}
		if last {
			flags |= flagLast
		}
		if compressed {
			flags |= flagCompressed
		}
		w.block = append(w.block, encodeFrame(flags, chunk)...)
		remaining = remaining[len(chunk):]
		first = false
		if last {
			w.records++
			break
		}
		if len(w.block) == w.blockSize {
			completed = append(completed, w.finalizeLocked())
		}
	}
	return completed, nil
}

// FinalizeBlock pads the in-progress block with zeros up to blockSize and
// returns it, resetting internal state for the next block. It returns nil
// when nothing is buffered.
func (w *Writer) FinalizeBlock() []byte {
	if len(w.block) == 0 {
		return nil
	}
	return w.finalizeLocked()
}

// PreviewBlock returns the in-progress block padded to blockSize without
// consuming or resetting any state, so the caller can durably persist a
// partially-filled block and keep appending to it afterwards. It returns
// nil when nothing is buffered.
func (w *Writer) PreviewBlock() []byte {
	if len(w.block) == 0 {
		return nil
	}
	block := make([]byte, w.blockSize)
	copy(block, w.block)
	return block
}

func (w *Writer) finalizeLocked() []byte {
	block := make([]byte, w.blockSize)
	copy(block, w.block)
	w.block = nil
	w.records = 0
	return block
}

func encodeFrame(flags frameFlag, payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	out[0] = byte(flags)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	binary.BigEndian.PutUint32(out[5:9], crc32.ChecksumIEEE(payload))
	copy(out[frameHeaderSize:], payload)
	return out
}

// Reader decodes frames out of a sequence of fixed-size blocks, reassembling
// records that were split across continuation frames.
type Reader struct {
	pending           []byte
	pendingCompressed bool
}

// NewReader returns a Reader ready to decode frames starting at the
// beginning of a record (no partial record carried over).
func NewReader() *Reader {
	return &Reader{}
}

// Clear discards any partially-assembled record, as when resynchronizing
// after a corrupted frame or seeking to a new position.
func (r *Reader) Clear() {
	r.pending = nil
	r.pendingCompressed = false
}

// ReadNext decodes the frame at offset within block (which must be exactly
// the writer's blockSize bytes) and returns the assembled payload once a
// record's final fragment is seen, along with the offset to resume from.
func (r *Reader) ReadNext(block []byte, offset int) (payload []byte, result ReadResult, next int) {
	if offset < 0 || offset > len(block) || len(block)-offset < frameHeaderSize {
		return nil, ReadNoData, len(block)
	}
	flags := frameFlag(block[offset])
	length := binary.BigEndian.Uint32(block[offset+1 : offset+5])
	checksum := binary.BigEndian.Uint32(block[offset+5 : offset+9])
	if flags == 0 && length == 0 && checksum == 0 {
		// Zero header: unwritten padding, not a genuine empty record (a
		// real frame always has flagFirst set). Treat as end of data.
		return nil, ReadNoData, len(block)
	}
	start := offset + frameHeaderSize
	end := start + int(length)
	if end < start || end > len(block) {
		return nil, ReadCorrupted, len(block)
	}
	chunk := block[start:end]
	if crc32.ChecksumIEEE(chunk) != checksum {
		return nil, ReadCorrupted, len(block)
	}
	next = end

	if flags&flagFirst != 0 {
		r.pending = append([]byte{}, chunk...)
		r.pendingCompressed = flags&flagCompressed != 0
	} else {
		if r.pending == nil {
			return nil, ReadCorrupted, len(block)
		}
		r.pending = append(r.pending, chunk...)
	}

	if flags&flagLast == 0 {
		return nil, ReadPartial, next
	}

	out := r.pending
	r.pending = nil
	if r.pendingCompressed {
		inflated, err := inflateBytes(out)
		if err != nil {
			return nil, ReadCorrupted, next
		}
		out = inflated
	}
	return out, ReadOK, next
}

func deflateBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflateBytes(data []byte) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()
	out, err := io.ReadAll(fr)
	if err != nil {
		return nil, err
	}
	return out, nil
}
