package atomdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"arsynth/internal/core"
	"arsynth/internal/fsutil"
)

// CheckpointFile is the file name of an emission model checkpoint inside its location.
const CheckpointFile = "emission_model.json"

const schemaVersion = 1

type checkpoint struct {
	SchemaVersion         int                    `json:"schema_version"`
	Elements              []Element              `json:"elements"`
	Ions                  []string               `json:"ions"`
	ContributionFunctions []ContributionFunction `json:"contribution_functions"`
	Hash                  core.Digest            `json:"hash"`
}

// Save writes the model to location/emission_model.json atomically.
func (m *EmissionModel) Save(location string) error {
	if strings.TrimSpace(location) == "" {
		return errors.New("checkpoint location is required")
	}
	ions := m.ions
	if ions == nil {
		ions = []string{}
	}
	cp := checkpoint{
		SchemaVersion:         schemaVersion,
		Elements:              m.elements,
		Ions:                  ions,
		ContributionFunctions: m.allFunctions(),
		Hash:                  m.Hash(),
	}
	data, err := fsutil.MarshalStable(cp)
	if err != nil {
		return fmt.Errorf("marshal emission model: %w", err)
	}
	if err := fsutil.WriteFileAtomicDurable(filepath.Join(location, CheckpointFile), data, 0o644); err != nil {
		return fmt.Errorf("write emission model checkpoint: %w", err)
	}
	return nil
}

// Restore reads an emission model checkpoint. It is independent of any
// skeleton checkpoint. Structural mismatches fail with a core.SchemaError.
func Restore(location string) (*EmissionModel, error) {
	path := filepath.Join(location, CheckpointFile)
	var cp checkpoint
	if err := fsutil.ReadJSONStrict(path, &cp); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("restore emission model: %w", err)
		}
		return nil, &core.SchemaError{Artifact: path, Msg: "decode", Cause: err}
	}
	if cp.SchemaVersion != schemaVersion {
		return nil, core.Schemaf(path, "schema_version %d, want %d", cp.SchemaVersion, schemaVersion)
	}
	if cp.Ions == nil {
		return nil, core.Schemaf(path, "ions must be an array (not null)")
	}
	m, err := New(cp.Elements, cp.Ions, cp.ContributionFunctions)
	if err != nil {
		return nil, &core.SchemaError{Artifact: path, Msg: "invalid model", Cause: err}
	}
	if got := m.Hash(); got != cp.Hash {
		return nil, core.Schemaf(path, "content hash %s does not match recorded %s", got, cp.Hash)
	}
	return m, nil
}
