// Package logio implements a crash-tolerant, append-only log split across
// fixed-size blocks and fixed-size files, addressed by LogPos. It sits on
// top of package recordio for per-record framing.
package logio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/cpopescu/whisperlib/recordio"
)

const (
	// DefaultBlockSize is the default size, in bytes, of a log block.
	DefaultBlockSize = 64 * 1024
	// DefaultBlocksPerFile is the default number of blocks per log file.
	DefaultBlocksPerFile = 16384
)

var fileNameRE = regexp.MustCompile(`^(.*)_(\d{10})_(\d{10})$`)

// fileName composes the on-disk name for a log file: <base>_<blockSize
// zero-padded to 10 digits>_<fileNum zero-padded to 10 digits>.
func fileName(dir, base string, blockSize int, fileNum int32) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%010d_%010d", base, blockSize, fileNum))
}

func lockFileName(dir, base string) string {
	return filepath.Join(dir, base+".lock")
}

// parseFileName extracts the file number from a log file name produced by
// fileName, if it matches the given base and block size.
func parseFileName(name, base string, blockSize int) (int32, bool) {
	m := fileNameRE.FindStringSubmatch(name)
	if m == nil || m[1] != base {
		return 0, false
	}
	gotBlockSize, err := strconv.Atoi(m[2])
	if err != nil || gotBlockSize != blockSize {
		return 0, false
	}
	fileNum, err := strconv.ParseInt(m[3], 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(fileNum), true
}

// listLogFiles returns the file numbers present in dir for the given base
// and block size, sorted ascending.
func listLogFiles(dir, base string, blockSize int) ([]int32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var nums []int32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := parseFileName(e.Name(), base, blockSize); ok {
			nums = append(nums, n)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

// acquireLock creates (or reuses) dir/base.lock and writes the current
// process's pid into it, failing if another live process already holds it.
// It mirrors LogWriter::Initialize's PID lock file in the original C++
// implementation.
func acquireLock(dir, base string) (*os.File, error) {
	path := lockFileName(dir, base)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("logio: opening lock file %s: %w", path, err)
	}
	buf := make([]byte, 32)
	n, _ := f.Read(buf)
	if n > 0 {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n]))); err == nil && pid != 0 {
			if pid != os.Getpid() && processAlive(pid) {
				f.Close()
				return nil, fmt.Errorf("logio: log directory %s locked by pid %d", dir, pid)
			}
		}
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without actually delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}

// LogWriter appends records to a sequence of fixed-size blocks, rolling over
// to a new file every blocksPerFile blocks.
type LogWriter struct {
	dir           string
	base          string
	blockSize     int
	blocksPerFile int
	deflate       bool

	lock *os.File
	rec  *recordio.Writer

	file      *os.File
	fileNum   int32
	blockNum  int32
	blockOff  int64 // file offset of the block currently being written
}

// Options configures a LogWriter or LogReader.
type Options struct {
	BlockSize     int
	BlocksPerFile int
	Deflate       bool
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.BlocksPerFile <= 0 {
		o.BlocksPerFile = DefaultBlocksPerFile
	}
	return o
}

// NewLogWriter opens (creating if necessary) a log rooted at dir/base for
// appending, acquiring the directory's PID lock file and resuming at the end
// of the most recent log file.
func NewLogWriter(dir, base string, opts Options) (*LogWriter, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("logio: creating log dir %s: %w", dir, err)
	}
	lock, err := acquireLock(dir, base)
	if err != nil {
		return nil, err
	}
	w := &LogWriter{
		dir:           dir,
		base:          base,
		blockSize:     opts.BlockSize,
		blocksPerFile: opts.BlocksPerFile,
		deflate:       opts.Deflate,
		lock:          lock,
		rec:           recordio.NewWriter(opts.BlockSize, opts.Deflate),
	}
	if err := w.openAtEnd(); err != nil {
		lock.Close()
		return nil, err
	}
	return w, nil
}

func (w *LogWriter) openAtEnd() error {
	nums, err := listLogFiles(w.dir, w.base, w.blockSize)
	if err != nil {
		return err
	}
	fileNum := int32(0)
	if len(nums) > 0 {
		fileNum = nums[len(nums)-1]
	}
	return w.openFileAt(fileNum, true)
}

// openFileAt opens (or creates) the file numbered fileNum. When atEnd is
// true, the writer positions itself after the last complete block already on
// disk, truncating away any trailing partial block left over from a crash
// (a block is only ever durable if it was written whole).
func (w *LogWriter) openFileAt(fileNum int32, atEnd bool) error {
	if w.file != nil {
		w.file.Close()
	}
	path := fileName(w.dir, w.base, w.blockSize, fileNum)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("logio: opening log file %s: %w", path, err)
	}
	w.file = f
	w.fileNum = fileNum
	w.rec.Clear()

	if !atEnd {
		w.blockNum = 0
		w.blockOff = 0
		return nil
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	blocks := size / int64(w.blockSize)
	if size%int64(w.blockSize) != 0 {
		// A crash mid-write to the tail block: truncate it away, the
		// block was never durably completed.
		if err := f.Truncate(blocks * int64(w.blockSize)); err != nil {
			return err
		}
	}
	w.blockNum = int32(blocks)
	w.blockOff = blocks * int64(w.blockSize)
	return nil
}

// Tell returns the position the next WriteRecord call will append at.
func (w *LogWriter) Tell() LogPos {
	return LogPos{FileNum: w.fileNum, BlockNum: w.blockNum, RecordNum: int32(w.rec.PendingRecordCount())}
}

// WriteRecord frames and appends data, writing out any block(s) that the
// record completes. It returns the LogPos the record was written at.
func (w *LogWriter) WriteRecord(data []byte) (LogPos, error) {
	pos := w.Tell()
	completed, err := w.rec.AppendRecord(data)
	if err != nil {
		return LogPos{}, err
	}
	for _, block := range completed {
		if err := w.writeBlock(block); err != nil {
			return LogPos{}, err
		}
		if err := w.advanceBlock(); err != nil {
			return LogPos{}, err
		}
	}
	return pos, nil
}

func (w *LogWriter) writeBlock(block []byte) error {
	if _, err := w.file.WriteAt(block, w.blockOff); err != nil {
		return fmt.Errorf("logio: writing block to %s: %w", w.file.Name(), err)
	}
	return nil
}

// advanceBlock moves bookkeeping past a block that was just written in full,
// rolling over to a new file once blocksPerFile is reached.
func (w *LogWriter) advanceBlock() error {
	w.blockOff += int64(w.blockSize)
	w.blockNum++
	if int(w.blockNum) >= w.blocksPerFile {
		return w.openFileAt(w.fileNum+1, false)
	}
	return nil
}

// Flush makes the in-progress (not yet full) block durable without sealing
// it: a padded snapshot of its current contents is written at the block's
// position, but the block stays open so further records keep the same
// BlockNum in Tell() until it actually fills. When sync is true the
// underlying file is additionally fsynced.
func (w *LogWriter) Flush(sync bool) error {
	if preview := w.rec.PreviewBlock(); preview != nil {
		if err := w.writeBlock(preview); err != nil {
			return err
		}
	}
	if sync {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("logio: fsync %s: %w", w.file.Name(), err)
		}
	}
	return nil
}

// TruncateAt discards everything at or after pos, which must address a block
// boundary (RecordNum == 0). It is used to reconcile a follower's log with a
// leader's after a term change.
func (w *LogWriter) TruncateAt(pos LogPos) error {
	if pos.RecordNum != 0 {
		return fmt.Errorf("logio: TruncateAt requires a block boundary, got %s", pos)
	}
	nums, err := listLogFiles(w.dir, w.base, w.blockSize)
	if err != nil {
		return err
	}
	for _, n := range nums {
		if n > pos.FileNum {
			if err := os.Remove(fileName(w.dir, w.base, w.blockSize, n)); err != nil {
				return err
			}
		}
	}
	if err := w.openFileAt(pos.FileNum, false); err != nil {
		return err
	}
	if err := w.file.Truncate(int64(pos.BlockNum) * int64(w.blockSize)); err != nil {
		return err
	}
	w.blockNum = pos.BlockNum
	w.blockOff = int64(pos.BlockNum) * int64(w.blockSize)
	// Any record buffered in memory belonged to a block at or after pos and
	// is now discarded along with it; the block at pos always starts empty.
	w.rec.Clear()
	return nil
}

// RewindWithinBlock discards every record after the first keep records of
// the current (not yet sealed) block, replaying the kept records from the
// block's on-disk provisional image (written by a prior Flush). It exists
// to resolve log divergence that falls short of a block boundary: the
// durable TruncateAt only operates at block granularity (and empties the
// in-memory block), so a divergent suffix that starts inside the block
// still being buffered is discarded with this method instead.
func (w *LogWriter) RewindWithinBlock(keep int) error {
	pending := w.rec.PendingRecordCount()
	if keep < 0 || keep > pending {
		return fmt.Errorf("logio: RewindWithinBlock: keep %d out of range [0,%d]", keep, pending)
	}
	if keep == pending {
		return nil
	}
	buf := make([]byte, w.blockSize)
	if _, err := w.file.ReadAt(buf, w.blockOff); err != nil && err != io.EOF {
		return fmt.Errorf("logio: reading current block for rewind: %w", err)
	}
	reader := recordio.NewReader()
	offset := 0
	payloads := make([][]byte, 0, keep)
	for i := 0; i < keep; i++ {
		payload, res, next := reader.ReadNext(buf, offset)
		if res != recordio.ReadOK {
			return fmt.Errorf("logio: RewindWithinBlock: could not replay record %d", i)
		}
		payloads = append(payloads, payload)
		offset = next
	}
	w.rec.Clear()
	for _, p := range payloads {
		if _, err := w.rec.AppendRecord(p); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes pending data and releases the lock file.
func (w *LogWriter) Close() error {
	if err := w.Flush(true); err != nil {
		return err
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return err
		}
	}
	if w.lock != nil {
		w.lock.Close()
	}
	return nil
}

// LogReader iterates records starting at a given LogPos. Once no more data is
// present (including when no log file exists for the position it tries to
// open), GetNextRecord reports ok == false with a nil error.
type LogReader struct {
	dir           string
	base          string
	blockSize     int
	blocksPerFile int

	rec      *recordio.Reader
	file     *os.File
	fileNum  int32
	blockNum int32
	offset   int
	block    []byte
	errors   int
}

// NewLogReader opens a reader positioned at pos.
func NewLogReader(dir, base string, opts Options, pos LogPos) (*LogReader, error) {
	opts = opts.withDefaults()
	r := &LogReader{dir: dir, base: base, blockSize: opts.BlockSize, blocksPerFile: opts.BlocksPerFile, rec: recordio.NewReader()}
	if err := r.Seek(pos); err != nil {
		return nil, err
	}
	return r, nil
}

// NumErrors returns how many corrupted blocks have been skipped so far.
func (r *LogReader) NumErrors() int { return r.errors }

// Seek repositions the reader at pos. When pos.RecordNum is nonzero, the
// reader positions at the start of pos's block and skips forward that many
// records, so the next GetNextRecord call returns the record at pos itself.
func (r *LogReader) Seek(pos LogPos) error {
	r.rec.Clear()
	r.fileNum = pos.FileNum
	r.blockNum = pos.BlockNum
	r.block = nil
	r.offset = 0
	if err := r.openFile(pos.FileNum); err != nil {
		return err
	}
	for i := int32(0); i < pos.RecordNum; i++ {
		_, ok, err := r.GetNextRecord()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("logio: Seek: record %d not present before %s", i, pos)
		}
	}
	return nil
}

// Rewind repositions the reader at the start of the log (file 0, block 0).
func (r *LogReader) Rewind() error {
	return r.Seek(LogPos{FileNum: 0, BlockNum: 0, RecordNum: 0})
}

func (r *LogReader) openFile(fileNum int32) error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	path := fileName(r.dir, r.base, r.blockSize, fileNum)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	r.file = f
	return nil
}

func (r *LogReader) loadBlock() (bool, error) {
	if r.file == nil {
		if err := r.openFile(r.fileNum); err != nil {
			return false, err
		}
		if r.file == nil {
			return false, nil
		}
	}
	buf := make([]byte, r.blockSize)
	off := int64(r.blockNum) * int64(r.blockSize)
	n, err := r.file.ReadAt(buf, off)
	if n < r.blockSize {
		if n == 0 {
			// No data at this file/block yet: try rolling to the next
			// file in case this one was sealed and fully consumed.
			if err := r.rollFile(); err != nil {
				return false, err
			}
			return r.file != nil, nil
		}
		// Partial final block: treat the written prefix as the block,
		// zero-padded, which decodes cleanly since padding reads as
		// ReadNoData.
		full := make([]byte, r.blockSize)
		copy(full, buf[:n])
		buf = full
	} else if err != nil {
		return false, err
	}
	r.block = buf
	r.offset = 0
	return true, nil
}

func (r *LogReader) rollFile() error {
	nextFile := r.fileNum + 1
	if err := r.openFile(nextFile); err != nil {
		return err
	}
	if r.file == nil {
		return nil
	}
	r.fileNum = nextFile
	r.blockNum = 0
	return nil
}

// GetNextRecord returns the next record in log order, or (nil, false, nil)
// once the log is exhausted. Corrupted blocks are skipped wholesale: the
// reader resyncs at the next block boundary rather than within the block.
func (r *LogReader) GetNextRecord() ([]byte, bool, error) {
	for {
		if r.block == nil {
			ok, err := r.loadBlock()
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, false, nil
			}
		}
		payload, res, next := r.rec.ReadNext(r.block, r.offset)
		switch res {
		case recordio.ReadOK:
			r.offset = next
			return payload, true, nil
		case recordio.ReadPartial:
			r.offset = next
		case recordio.ReadNoData:
			if err := r.advanceBlock(); err != nil {
				return nil, false, err
			}
		case recordio.ReadCorrupted:
			r.errors++
			r.rec.Clear()
			if err := r.advanceBlock(); err != nil {
				return nil, false, err
			}
		}
	}
}

func (r *LogReader) advanceBlock() error {
	r.block = nil
	r.offset = 0
	r.blockNum++
	if int(r.blockNum) >= r.blocksPerFile {
		return r.rollFile()
	}
	return nil
}

// Close releases the underlying file handle.
func (r *LogReader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// CleanLog removes every log file (and the lock file) for base in dir,
// resetting a node's log.
func CleanLog(dir, base string, blockSize int) error {
	nums, err := listLogFiles(dir, base, blockSize)
	if err != nil {
		return err
	}
	for _, n := range nums {
		if err := os.Remove(fileName(dir, base, blockSize, n)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	lock := lockFileName(dir, base)
	if err := os.Remove(lock); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DetectLogSettings inspects dir for an existing log with the given base and
// returns the block size it was written with, taken from the name of the
// highest-numbered log file, so a caller that does not know the original
// block size can recover it.
func DetectLogSettings(dir, base string) (blockSize int, lastFileNum int32, found bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, false, nil
		}
		return 0, 0, false, err
	}
	re := regexp.MustCompile("^" + regexp.QuoteMeta(base) + `_(\d{10})_(\d{10})$`)
	best := int32(-1)
	bestBlockSize := 0
	for _, e := range entries {
		m := re.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		bs, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		fn, err := strconv.ParseInt(m[2], 10, 32)
		if err != nil {
			continue
		}
		if int32(fn) > best {
			best = int32(fn)
			bestBlockSize = bs
		}
	}
	if best < 0 {
		return 0, 0, false, nil
	}
	return bestBlockSize, best, true, nil
}
