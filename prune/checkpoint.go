package prune

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrCheckpoint reports a checkpoint that does not fit the network it is
// loaded into.
var ErrCheckpoint = errors.New("checkpoint mismatch")

const checkpointVersion = 1

type checkpointFile struct {
	Version int      `msgpack:"version"`
	Params  []*Param `msgpack:"params"`
}

// Save writes every parameter to w.
func (ps *Params) Save(w io.Writer) error {
	data, err := msgpack.Marshal(checkpointFile{
		Version: checkpointVersion,
		Params:  ps.Sorted(),
	})
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// Load replaces parameter values with the ones read from r. Every stored
// parameter must exist with the same shape; parameters missing from the
// checkpoint are an error too.
func (ps *Params) Load(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading checkpoint: %w", err)
	}
	var file checkpointFile
	if err := msgpack.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decoding checkpoint: %w", err)
	}
	if file.Version != checkpointVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrCheckpoint, file.Version, checkpointVersion)
	}

	seen := make(map[string]bool, len(file.Params))
	for _, stored := range file.Params {
		p, ok := ps.byName[stored.Name]
		if !ok {
			return fmt.Errorf("%w: unknown parameter %q", ErrCheckpoint, stored.Name)
		}
		if !sameShape(p.Shape, stored.Shape) || len(stored.Data) != len(p.Data) {
			return fmt.Errorf("%w: %s has shape %v, want %v", ErrCheckpoint, stored.Name, stored.Shape, p.Shape)
		}
		seen[stored.Name] = true
	}
	for _, name := range ps.order {
		if !seen[name] {
			return fmt.Errorf("%w: missing parameter %q", ErrCheckpoint, name)
		}
	}

	// Validated as a whole before any value is replaced.
	for _, stored := range file.Params {
		copy(ps.byName[stored.Name].Data, stored.Data)
	}
	return nil
}

// SaveFile writes the checkpoint to path.
func (ps *Params) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating checkpoint file: %w", err)
	}
	if err := ps.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadFile reads the checkpoint at path.
func (ps *Params) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("checkpoint file not found: %s", path)
		}
		return fmt.Errorf("opening checkpoint file: %w", err)
	}
	defer f.Close()
	return ps.Load(f)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
