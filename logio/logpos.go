package logio

import "fmt"

// LogPos addresses a single record inside a log: the file it lives in, the
// block within that file, and the record within that block. The value with
// FileNum == -1 (NullLogPos) is the "null" position, which sorts before
// every non-null position; the zero value is the first position (0,0,0).
type LogPos struct {
	FileNum   int32
	BlockNum  int32
	RecordNum int32
}

// NullLogPos is "before any entry". Comparisons treat it as less than every
// non-null position.
var NullLogPos = LogPos{FileNum: -1}

// IsNull reports whether p is the null position.
func (p LogPos) IsNull() bool { return p.FileNum == -1 }

// Compare returns -1, 0 or 1 as p is less than, equal to, or greater than
// other, ordering lexicographically on (FileNum, BlockNum, RecordNum) with
// null positions sorting first.
func (p LogPos) Compare(other LogPos) int {
	if p.IsNull() && other.IsNull() {
		return 0
	}
	if p.IsNull() {
		return -1
	}
	if other.IsNull() {
		return 1
	}
	switch {
	case p.FileNum != other.FileNum:
		return cmpInt32(p.FileNum, other.FileNum)
	case p.BlockNum != other.BlockNum:
		return cmpInt32(p.BlockNum, other.BlockNum)
	default:
		return cmpInt32(p.RecordNum, other.RecordNum)
	}
}

func cmpInt32(a, b int32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Less reports whether p sorts before other.
func (p LogPos) Less(other LogPos) bool { return p.Compare(other) < 0 }

// LessOrEqual reports whether p sorts before or equal to other.
func (p LogPos) LessOrEqual(other LogPos) bool { return p.Compare(other) <= 0 }

// Greater reports whether p sorts after other.
func (p LogPos) Greater(other LogPos) bool { return p.Compare(other) > 0 }

// GreaterOrEqual reports whether p sorts after or equal to other.
func (p LogPos) GreaterOrEqual(other LogPos) bool { return p.Compare(other) >= 0 }

// Equal reports whether p and other address the same position.
func (p LogPos) Equal(other LogPos) bool { return p.Compare(other) == 0 }

func (p LogPos) String() string {
	if p.IsNull() {
		return "LogPos{null}"
	}
	return fmt.Sprintf("LogPos{file: %d; block: %d; record: %d}", p.FileNum, p.BlockNum, p.RecordNum)
}
