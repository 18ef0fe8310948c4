// Package spill persists predictions to disk so the evaluation loop can
// keep paths instead of arrays. Files are NPY v1.0 arrays of little-endian
// int32 with shape (H, W).
package spill

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/uqseg/internal/tensor"
)

// DefaultDir is the working subdirectory spill files live under.
const DefaultDir = ".efficient_test"

var (
	// ErrFormat is returned for a file that is not an (H, W) <i4 NPY array.
	ErrFormat = errors.New("spill: unsupported npy file")
	// ErrRange is returned for a label that does not fit in int32.
	ErrRange = errors.New("spill: label out of int32 range")
)

var npyMagic = []byte("\x93NUMPY")

// #region spiller
// Spiller writes one file per prediction under a per-rank directory.
// Writes are serialised.
type Spiller struct {
	mu  sync.Mutex
	dir string
}

// New returns a spiller writing to root/rank_<rank>; an empty root means
// DefaultDir.
func New(root string, rank int) *Spiller {
	if root == "" {
		root = DefaultDir
	}
	return &Spiller{dir: filepath.Join(root, fmt.Sprintf("rank_%d", rank))}
}

func (s *Spiller) Dir() string { return s.dir }

// Spill writes lm to a uniquely named file and returns its path.
func (s *Spiller) Spill(lm tensor.LabelMap) (string, error) {
	return s.SpillNamed(lm, "")
}

// SpillNamed writes lm to name (a fresh uuid when empty) inside the
// spiller's directory.
func (s *Spiller) SpillNamed(lm tensor.LabelMap, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create spill dir: %w", err)
	}
	if name == "" {
		name = uuid.New().String() + ".npy"
	}
	path := filepath.Join(s.dir, name)
	if err := WriteNPY(path, lm); err != nil {
		return "", err
	}
	return path, nil
}

// #endregion spiller

// #region npy
// WriteNPY writes lm as an (H, W) <i4 array.
func WriteNPY(path string, lm tensor.LabelMap) error {
	header := fmt.Sprintf("{'descr': '<i4', 'fortran_order': False, 'shape': (%d, %d), }", lm.H, lm.W)
	// Pad so magic(6)+version(2)+len(2)+header+'\n' is a multiple of 64.
	pad := 64 - (10+len(header)+1)%64
	if pad == 64 {
		pad = 0
	}
	header += string(bytes.Repeat([]byte{' '}, pad)) + "\n"

	buf := bytes.NewBuffer(make([]byte, 0, 10+len(header)+4*len(lm.Data)))
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	binary.Write(buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	for _, v := range lm.Data {
		if v < math.MinInt32 || v > math.MaxInt32 {
			return fmt.Errorf("write %s value %d: %w", path, v, ErrRange)
		}
		binary.Write(buf, binary.LittleEndian, int32(v))
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

var (
	descrRe = regexp.MustCompile(`'descr':\s*'([^']*)'`)
	orderRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapeRe = regexp.MustCompile(`'shape':\s*\((\d+),\s*(\d+),?\s*\)`)
)

// ReadNPY reads a file written by WriteNPY.
func ReadNPY(path string) (tensor.LabelMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tensor.LabelMap{}, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) < 10 || !bytes.Equal(data[:6], npyMagic) || data[6] != 1 {
		return tensor.LabelMap{}, fmt.Errorf("%s: bad magic or version: %w", path, ErrFormat)
	}
	hlen := int(binary.LittleEndian.Uint16(data[8:10]))
	if len(data) < 10+hlen {
		return tensor.LabelMap{}, fmt.Errorf("%s: truncated header: %w", path, ErrFormat)
	}
	header := string(data[10 : 10+hlen])
	descr := descrRe.FindStringSubmatch(header)
	order := orderRe.FindStringSubmatch(header)
	shape := shapeRe.FindStringSubmatch(header)
	if descr == nil || descr[1] != "<i4" || order == nil || order[1] != "False" || shape == nil {
		return tensor.LabelMap{}, fmt.Errorf("%s: header %q: %w", path, header, ErrFormat)
	}
	h, _ := strconv.Atoi(shape[1])
	w, _ := strconv.Atoi(shape[2])
	body := data[10+hlen:]
	if len(body) != 4*h*w {
		return tensor.LabelMap{}, fmt.Errorf("%s: %d data bytes for %dx%d: %w", path, len(body), h, w, ErrFormat)
	}
	lm := tensor.NewLabelMap(h, w)
	for i := range lm.Data {
		lm.Data[i] = int(int32(binary.LittleEndian.Uint32(body[4*i:])))
	}
	return lm, nil
}

// #endregion npy
