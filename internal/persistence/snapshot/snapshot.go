// Package snapshot stores a whole in-memory world as a zstd-compressed file:
// one JSON header line followed by a gob body.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

var ErrVersion = errors.New("unsupported snapshot version")

type Header struct {
	Version int    `json:"version"`
	Tick    uint64 `json:"tick"`
	// Partitions lists partition ids so tools can peek without decoding the body.
	Partitions []string `json:"partitions"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	Palette    []CellV1      `json:"palette"`
	Partitions []PartitionV1 `json:"partitions"`
	Bodies     []BodyV1      `json:"bodies"`
	Links      [][2]int64    `json:"links,omitempty"`
	Entities   []EntityV1    `json:"entities"`
	NextEntity int64         `json:"next_entity"`
}

type CellV1 struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Air      bool   `json:"air,omitempty"`
	Solid    bool   `json:"solid,omitempty"`
	Aperture bool   `json:"aperture,omitempty"`
	Axis     string `json:"axis,omitempty"`
}

type PartitionV1 struct {
	ID       string    `json:"id"`
	MinY     int       `json:"min_y"`
	MaxY     int       `json:"max_y"`
	Chunks   []ChunkV1 `json:"chunks"`
	Unloaded [][2]int  `json:"unloaded,omitempty"`
}

// ChunkV1 holds a column's palette ids run-length encoded.
type ChunkV1 struct {
	CX    int    `json:"cx"`
	CZ    int    `json:"cz"`
	Cells string `json:"cells"`
}

type BodyV1 struct {
	ID        int64      `json:"id"`
	Partition string     `json:"partition"`
	HullMin   [3]int     `json:"hull_min"`
	HullMax   [3]int     `json:"hull_max"`
	Position  [3]float64 `json:"position"`
	Rotation  [4]float64 `json:"rotation"` // w, x, y, z
	Velocity  [3]float64 `json:"velocity"`
	AngVel    [3]float64 `json:"ang_vel"`
}

type EntityV1 struct {
	ID         int64      `json:"id"`
	Partition  string     `json:"partition"`
	Kind       string     `json:"kind"`
	Tags       uint8      `json:"tags"`
	Alive      bool       `json:"alive"`
	Position   [3]float64 `json:"position"`
	Velocity   [3]float64 `json:"velocity"`
	Yaw        float64    `json:"yaw"`
	Vehicle    int64      `json:"vehicle,omitempty"`
	Passengers []int64    `json:"passengers,omitempty"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap SnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	if err := writeBody(enc, snap); err != nil {
		_ = enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func writeBody(enc *zstd.Encoder, snap SnapshotV1) error {
	bw := bufio.NewWriterSize(enc, 256*1024)
	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return bw.Flush()
}

// ReadHeader decodes only the leading header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("%w: %d", ErrVersion, snap.Header.Version)
	}
	return snap, nil
}
