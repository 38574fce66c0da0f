package serialization

import (
	"errors"
	"fmt"
	"io"

	"github.com/sarchlab/coretiming/sim/timing"
)

// FormatName identifies scheduler save-states.
const FormatName = "coretiming-savestate"

// FormatVersion is bumped whenever the layout of timing.Snapshot changes.
const FormatVersion = 1

// ErrVersionMismatch is returned when a save-state was written by an
// incompatible version.
var ErrVersionMismatch = errors.New("serialization: save-state version mismatch")

// ErrNotASaveState is returned when the stream is not a scheduler save-state.
var ErrNotASaveState = errors.New("serialization: not a save-state")

type envelope struct {
	Format   string           `json:"format"`
	Version  int              `json:"version"`
	Snapshot *timing.Snapshot `json:"snapshot"`
}

// Encode writes snap to w with codec.
func Encode(w io.Writer, codec Codec, snap *timing.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("serialization: nil snapshot")
	}

	err := codec.Encode(w, envelope{
		Format:   FormatName,
		Version:  FormatVersion,
		Snapshot: snap,
	})
	if err != nil {
		return fmt.Errorf("serialization: encode with %s: %w", codec.Name(), err)
	}

	return nil
}

// Decode reads a snapshot written by Encode.
func Decode(r io.Reader, codec Codec) (*timing.Snapshot, error) {
	var env envelope

	err := codec.Decode(r, &env)
	if err != nil {
		return nil, fmt.Errorf("serialization: decode with %s: %w",
			codec.Name(), err)
	}

	if env.Format != FormatName {
		return nil, fmt.Errorf("%w: format %q", ErrNotASaveState, env.Format)
	}

	if env.Version != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, want %d",
			ErrVersionMismatch, env.Version, FormatVersion)
	}

	if env.Snapshot == nil {
		return nil, fmt.Errorf("%w: missing snapshot", ErrNotASaveState)
	}

	if env.Snapshot.Events == nil {
		env.Snapshot.Events = []timing.SnapshotEvent{}
	}

	return env.Snapshot, nil
}
