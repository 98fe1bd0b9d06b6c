package trace

import (
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot is the serialized form of a ring buffer dump, written when
// the runtime is asked for a post-mortem of recent scheduler activity.
type Snapshot struct {
	Version int     `msgpack:"version"`
	Events  []Event `msgpack:"events"`
}

const snapshotVersion = 1

// EncodeSnapshot serializes events into the compact snapshot format.
func EncodeSnapshot(events []Event) ([]byte, error) {
	data, err := msgpack.Marshal(Snapshot{Version: snapshotVersion, Events: events})
	if err != nil {
		return nil, fmt.Errorf("trace: encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a snapshot produced by EncodeSnapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("trace: decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("trace: unsupported snapshot version %d", snap.Version)
	}
	return &snap, nil
}

// WriteSnapshot dumps the ring tracer's current contents to path.
func WriteSnapshot(t *RingTracer, path string) error {
	if t == nil {
		return fmt.Errorf("trace: no ring tracer to snapshot")
	}
	data, err := EncodeSnapshot(t.Snapshot())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("trace: write snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads a snapshot file.
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trace: read snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}
