// Package checkpoint saves and restores nanogpt models as gob files.
package checkpoint

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"fpvgpt/nanogpt"
)

// Version is the current checkpoint format.
const Version = 1

// File is the gob payload of a checkpoint.
type File struct {
	Version int
	Config  nanogpt.Config
	Tensors map[string]nanogpt.Tensor
}

// Write encodes m to w.
func Write(w io.Writer, m *nanogpt.Model) error {
	return gob.NewEncoder(w).Encode(File{
		Version: Version,
		Config:  m.Config(),
		Tensors: m.State(),
	})
}

// Read decodes a checkpoint and rebuilds the model in inference mode.
func Read(r io.Reader) (*nanogpt.Model, error) {
	var f File
	if err := gob.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if f.Version != Version {
		return nil, fmt.Errorf("checkpoint version %d, expected %d", f.Version, Version)
	}
	m, err := nanogpt.New(f.Config)
	if err != nil {
		return nil, err
	}
	if err := m.LoadState(f.Tensors); err != nil {
		return nil, err
	}
	return m, nil
}

// Save writes m to path.
func Save(path string, m *nanogpt.Model) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads a model from path.
func Load(path string) (*nanogpt.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}
