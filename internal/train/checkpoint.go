package train

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/iPhoenixNez/autocast/internal/nn"
	"github.com/iPhoenixNez/autocast/models"
)

// Checkpoint is the serialized training state for one run. Parameters are
// keyed by name so a checkpoint survives reordering of the parameter list.
type Checkpoint struct {
	Params    map[string][]float64
	Optimizer nn.AdamState
	Step      int
	BestDevEM float64
	Config    models.Config
}

// SaveCheckpoint writes the training state under dir/checkpoint/<tag>.gob.
// The file is written to a temp path and renamed so a crash mid-write never
// clobbers the previous checkpoint for that tag.
func SaveCheckpoint(dir, tag string, params []*nn.Param, opt *nn.Adam, step int, bestDevEM float64, cfg *models.Config) error {
	ckptDir := filepath.Join(dir, "checkpoint")
	if err := os.MkdirAll(ckptDir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	ck := Checkpoint{
		Params:    make(map[string][]float64, len(params)),
		Optimizer: opt.State(),
		Step:      step,
		BestDevEM: bestDevEM,
		Config:    *cfg,
	}
	for _, p := range params {
		if _, ok := ck.Params[p.Name]; ok {
			return fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		data := make([]float64, len(p.Data))
		copy(data, p.Data)
		ck.Params[p.Name] = data
	}

	path := filepath.Join(ckptDir, tag+".gob")
	tmp, err := os.CreateTemp(ckptDir, tag+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(&ck); err != nil {
		tmp.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace checkpoint %s: %w", tag, err)
	}
	return nil
}

// LoadCheckpoint restores parameter values and optimizer state in place from
// dir/checkpoint/<tag>.gob. Every parameter in params must be present in the
// checkpoint with a matching length.
func LoadCheckpoint(dir, tag string, params []*nn.Param, opt *nn.Adam) (*Checkpoint, error) {
	path := filepath.Join(dir, "checkpoint", tag+".gob")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", tag, err)
	}
	defer f.Close()

	var ck Checkpoint
	if err := gob.NewDecoder(f).Decode(&ck); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", tag, err)
	}

	for _, p := range params {
		data, ok := ck.Params[p.Name]
		if !ok {
			return nil, fmt.Errorf("checkpoint %s missing parameter %q", tag, p.Name)
		}
		if len(data) != len(p.Data) {
			return nil, fmt.Errorf("parameter %q size mismatch: checkpoint %d, model %d", p.Name, len(data), len(p.Data))
		}
		copy(p.Data, data)
	}
	if opt != nil {
		if err := opt.LoadState(ck.Optimizer); err != nil {
			return nil, fmt.Errorf("restore optimizer: %w", err)
		}
	}
	return &ck, nil
}
