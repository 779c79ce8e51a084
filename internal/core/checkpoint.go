package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"arsynth/internal/fsutil"
)

const (
	// SkeletonCheckpointFile is the file name of a skeleton checkpoint inside its location.
	SkeletonCheckpointFile = "skeleton.json"

	skeletonSchemaVersion = 1
)

// skeletonFields is the declared per-strand field list. A checkpoint declaring
// a different list was written by an incompatible producer.
var skeletonFields = []string{"id", "path", "area", "plasma.time", "plasma.temperature", "plasma.density", "plasma.velocity"}

type skeletonCheckpoint struct {
	SchemaVersion   int      `json:"schema_version"`
	Frame           string   `json:"frame"`
	LengthPerArcsec float64  `json:"length_per_arcsec"`
	Fields          []string `json:"fields"`
	StrandCount     int      `json:"strand_count"`
	Strands         []Strand `json:"strands"`
	Hash            Digest   `json:"hash"`
}

// Save writes the skeleton checkpoint to location/skeleton.json atomically.
//
// The encoding is deterministic: identical skeletons produce identical bytes,
// and float64 values use the shortest representation that round-trips exactly.
func (s *Skeleton) Save(location string) error {
	if strings.TrimSpace(location) == "" {
		return errors.New("checkpoint location is required")
	}
	cp := skeletonCheckpoint{
		SchemaVersion:   skeletonSchemaVersion,
		Frame:           s.frame,
		LengthPerArcsec: s.lengthPerArcsec,
		Fields:          skeletonFields,
		StrandCount:     len(s.strands),
		Strands:         s.strands,
		Hash:            s.Hash(),
	}
	data, err := fsutil.MarshalStable(cp)
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}
	if err := fsutil.EnsureDirDurable(location, 0o755); err != nil {
		return fmt.Errorf("ensure checkpoint dir: %w", err)
	}
	if err := fsutil.WriteFileAtomicDurable(filepath.Join(location, SkeletonCheckpointFile), data, 0o644); err != nil {
		return fmt.Errorf("write skeleton checkpoint: %w", err)
	}
	return nil
}

// Restore reconstructs a Skeleton from location/skeleton.json.
//
// Any structural mismatch (schema version, field list, strand count, content
// hash, unknown fields, trailing data) fails with a SchemaError and nothing is
// returned.
func Restore(location string) (*Skeleton, error) {
	path := filepath.Join(location, SkeletonCheckpointFile)
	var cp skeletonCheckpoint
	if err := fsutil.ReadJSONStrict(path, &cp); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("restore skeleton: %w", err)
		}
		return nil, &SchemaError{Artifact: path, Msg: "decode", Cause: err}
	}
	if cp.SchemaVersion != skeletonSchemaVersion {
		return nil, Schemaf(path, "schema_version %d, want %d", cp.SchemaVersion, skeletonSchemaVersion)
	}
	if !slices.Equal(cp.Fields, skeletonFields) {
		return nil, Schemaf(path, "fields %v, want %v", cp.Fields, skeletonFields)
	}
	if cp.StrandCount != len(cp.Strands) {
		return nil, Schemaf(path, "strand_count %d but %d strands present", cp.StrandCount, len(cp.Strands))
	}
	sk, err := NewSkeleton(cp.Frame, cp.LengthPerArcsec, cp.Strands)
	if err != nil {
		return nil, &SchemaError{Artifact: path, Msg: "invalid skeleton", Cause: err}
	}
	if got := sk.Hash(); got != cp.Hash {
		return nil, Schemaf(path, "content hash %s does not match recorded %s", got, cp.Hash)
	}
	return sk, nil
}
