package raft

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cpopescu/whisperlib/logio"
)

// persistentState is everything that must survive a restart, written
// atomically to <log_dir>/_raft_state_<base> (via a _tmp file and rename)
// on every transition that changes one of these fields.
type persistentState struct {
	CurrentTerm int64
	VotedFor    int32
	LastLogPos  logio.LogPos
	LastLogTerm int64
	CommitPos   logio.LogPos
}

func stateFilePath(dir, base string) string {
	return filepath.Join(dir, "_raft_state_"+base)
}

func stateTmpFilePath(dir, base string) string {
	return filepath.Join(dir, "_raft_state_"+base+"_tmp")
}

// loadPersistentState reads the state file, returning ok=false if it does
// not exist.
func loadPersistentState(dir, base string) (state persistentState, ok bool, err error) {
	data, err := os.ReadFile(stateFilePath(dir, base))
	if err != nil {
		if os.IsNotExist(err) {
			return persistentState{}, false, nil
		}
		return persistentState{}, false, err
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return persistentState{}, false, fmt.Errorf("raft: decoding state file: %w", err)
	}
	return state, true, nil
}

// savePersistentState writes state to a temp file and renames it over the
// canonical path; the rename is the durability commit point.
func savePersistentState(dir, base string, state persistentState) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return fmt.Errorf("raft: encoding state: %w", err)
	}
	tmp := stateTmpFilePath(dir, base)
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("raft: writing state tmp file: %w", err)
	}
	if err := os.Rename(tmp, stateFilePath(dir, base)); err != nil {
		return fmt.Errorf("raft: renaming state file into place: %w", err)
	}
	return nil
}
