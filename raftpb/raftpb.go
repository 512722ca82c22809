// Package raftpb defines the wire messages for the raft.Raft RPC service
// and the peers that carry them. Field names follow the contract in the
// surrounding toolkit's specification exactly; encoding is an
// implementation detail (see codec.go).
package raftpb

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/cpopescu/whisperlib/logio"
)

// LogPos is the wire form of logio.LogPos: an explicit IsNull flag plus the
// three address components, so a null position round-trips without relying
// on a sentinel value surviving serialization.
type LogPos struct {
	IsNull    bool
	FileNum   int32
	BlockNum  int32
	RecordNum int32
}

// ToLogPos converts a wire LogPos to its in-memory form.
func (p LogPos) ToLogPos() logio.LogPos {
	if p.IsNull {
		return logio.NullLogPos
	}
	return logio.LogPos{FileNum: p.FileNum, BlockNum: p.BlockNum, RecordNum: p.RecordNum}
}

// FromLogPos converts an in-memory LogPos to its wire form.
func FromLogPos(p logio.LogPos) LogPos {
	if p.IsNull() {
		return LogPos{IsNull: true}
	}
	return LogPos{FileNum: p.FileNum, BlockNum: p.BlockNum, RecordNum: p.RecordNum}
}

// DataEntry is Raft's log record payload.
type DataEntry struct {
	Pos         LogPos
	LastLogPos  LogPos
	Term        int64
	LastLogTerm int64
	Data        []byte
}

// RequestVote is the Vote RPC's request message.
type RequestVote struct {
	Term        int64
	CandidateId int32
	LastLogTerm int64
	LastLogPos  LogPos
}

// RequestVoteResponse is the Vote RPC's response message.
type RequestVoteResponse struct {
	Term        int64
	VoteGranted bool
}

// AppendEntries is the Append RPC's request message.
type AppendEntries struct {
	Term            int64
	LeaderId        int32
	LastLogTerm     int64
	LastLogPos      LogPos
	LeaderCommitPos LogPos
	Entry           []DataEntry
}

// AppendEntriesResponse is the Append RPC's response message. CurrentPos and
// CommitPos are optional: nil means absent, mirroring the spec's `?` fields.
type AppendEntriesResponse struct {
	Term       int64
	Success    bool
	CurrentPos *LogPos
	CommitPos  *LogPos
}

// Data is the Save RPC's request message.
type Data struct {
	Data         []byte
	WaitToCommit bool
}

// DataResponse is the Save RPC's response message.
type DataResponse struct {
	Term         int64
	Pos          *LogPos
	LeaderName   *string
	WasCommitted *bool
}

// EncodeDataEntry serializes a DataEntry for storage as a log record. Uses
// the same gob encoding as the RPC wire codec (see codec.go) for
// consistency between what goes over the network and what lives on disk.
func EncodeDataEntry(e DataEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("raftpb: encoding DataEntry: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeDataEntry deserializes a DataEntry previously written by
// EncodeDataEntry.
func DecodeDataEntry(data []byte) (DataEntry, error) {
	var e DataEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return DataEntry{}, fmt.Errorf("raftpb: decoding DataEntry: %w", err)
	}
	return e, nil
}
