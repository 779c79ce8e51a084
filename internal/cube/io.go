package cube

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"arsynth/internal/core"
	"arsynth/internal/fsutil"
)

const (
	MetadataFile = "metadata.json"
	BlobFile     = "data.blob"

	schemaVersion = 1
)

type metadata struct {
	SchemaVersion int       `json:"schema_version"`
	Kind          string    `json:"kind"`
	Segments      []Segment `json:"segments"`
	Count         int       `json:"count"`
	BlobSHA256    string    `json:"blob_sha256"`
}

const (
	kindCube = "cube"
	kindFlat = "flat"
)

// Write publishes c under dir as metadata.json plus a little-endian float64
// blob. The directory is replaced as a unit.
func Write(dir string, c *Cube) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("write cube %s: %w", c.Instrument, err)
	}
	return write(dir, kindCube, []Segment{segmentOf(c, 0)}, c.Data)
}

// Read loads a cube written by Write, verifying the blob checksum.
func Read(dir string) (*Cube, error) {
	md, values, err := read(dir, kindCube)
	if err != nil {
		return nil, err
	}
	if len(md.Segments) != 1 {
		return nil, core.Schemaf(dir, "cube has %d segments, want 1", len(md.Segments))
	}
	f := &Flat{Segments: md.Segments, Values: values}
	cubes, err := f.Unflatten()
	if err != nil {
		return nil, &core.SchemaError{Artifact: dir, Cause: err}
	}
	if err := cubes[0].Validate(); err != nil {
		return nil, &core.SchemaError{Artifact: dir, Cause: err}
	}
	return cubes[0], nil
}

// WriteFlat publishes f under dir in the same layout as Write.
func WriteFlat(dir string, f *Flat) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("write flat: %w", err)
	}
	return write(dir, kindFlat, f.Segments, f.Values)
}

// ReadFlat loads a Flat written by WriteFlat.
func ReadFlat(dir string) (*Flat, error) {
	md, values, err := read(dir, kindFlat)
	if err != nil {
		return nil, err
	}
	f := &Flat{Segments: md.Segments, Values: values}
	if err := f.Validate(); err != nil {
		return nil, &core.SchemaError{Artifact: dir, Cause: err}
	}
	return f, nil
}

// Exists reports whether dir holds a committed artifact.
func Exists(dir string) (bool, error) {
	return fsutil.Exists(filepath.Join(dir, MetadataFile))
}

func write(dir, kind string, segments []Segment, values []float64) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, values); err != nil {
		return err
	}
	sum := sha256.Sum256(buf.Bytes())
	md := metadata{
		SchemaVersion: schemaVersion,
		Kind:          kind,
		Segments:      segments,
		Count:         len(values),
		BlobSHA256:    hex.EncodeToString(sum[:]),
	}
	b, err := fsutil.MarshalStable(md)
	if err != nil {
		return err
	}
	return fsutil.CommitDir(dir, func(tmp string) error {
		if err := os.WriteFile(filepath.Join(tmp, BlobFile), buf.Bytes(), 0o644); err != nil {
			return err
		}
		return fsutil.WriteFileAtomicDurable(filepath.Join(tmp, MetadataFile), b, 0o644)
	})
}

func read(dir, kind string) (metadata, []float64, error) {
	var md metadata
	if err := fsutil.ReadJSONStrict(filepath.Join(dir, MetadataFile), &md); err != nil {
		if os.IsNotExist(err) {
			return md, nil, err
		}
		return md, nil, &core.SchemaError{Artifact: dir, Msg: "metadata", Cause: err}
	}
	if md.SchemaVersion != schemaVersion {
		return md, nil, core.Schemaf(dir, "schema version %d, want %d", md.SchemaVersion, schemaVersion)
	}
	if md.Kind != kind {
		return md, nil, core.Schemaf(dir, "kind %q, want %q", md.Kind, kind)
	}
	raw, err := os.ReadFile(filepath.Join(dir, BlobFile))
	if err != nil {
		return md, nil, &core.SchemaError{Artifact: dir, Msg: "blob", Cause: err}
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != md.BlobSHA256 {
		return md, nil, core.Schemaf(dir, "blob checksum mismatch")
	}
	if len(raw) != 8*md.Count {
		return md, nil, core.Schemaf(dir, "blob holds %d bytes, want %d values", len(raw), md.Count)
	}
	values := make([]float64, md.Count)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, values); err != nil {
		return md, nil, &core.SchemaError{Artifact: dir, Msg: "blob", Cause: err}
	}
	return md, values, nil
}
