package calibration

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/paws/internal/hw/motor"
)

// Record is the result of calibrating one channel. Offsets are relative to
// HomeOffset, the absolute position where the limit switch tripped.
type Record struct {
	Channel      int       `yaml:"channel" json:"channel"`
	HomeOffset   int64     `yaml:"home_offset" json:"home_offset"`
	OpenOffset   int64     `yaml:"open_offset" json:"open_offset"`
	ClosedOffset int64     `yaml:"closed_offset" json:"closed_offset"`
	StepsPerUnit float64   `yaml:"steps_per_unit" json:"steps_per_unit"` // microsteps per degree
	CalibratedAt time.Time `yaml:"calibrated_at" json:"calibrated_at"`
}

// Open returns the absolute open position.
func (r Record) Open() motor.Position {
	return motor.Position(r.HomeOffset + r.OpenOffset)
}

// Closed returns the absolute closed position.
func (r Record) Closed() motor.Position {
	return motor.Position(r.HomeOffset + r.ClosedOffset)
}

// Records maps channel index to its calibration.
type Records map[int]Record

// Missing returns the channels in want that have no record, sorted.
func (rs Records) Missing(want []int) []int {
	var out []int
	for _, ch := range want {
		if _, ok := rs[ch]; !ok {
			out = append(out, ch)
		}
	}
	sort.Ints(out)
	return out
}

// Channels returns the calibrated channel indexes, sorted.
func (rs Records) Channels() []int {
	out := make([]int, 0, len(rs))
	for ch := range rs {
		out = append(out, ch)
	}
	sort.Ints(out)
	return out
}

type storeFile struct {
	Version int      `yaml:"version"`
	Records []Record `yaml:"records"`
}

const storeVersion = 1

// Store persists records as YAML.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load reads the store. A missing file yields an empty set.
func (s *Store) Load() (Records, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Records{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read calibration store")
	}
	var f storeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parse calibration store %s", s.path)
	}
	if f.Version != 0 && f.Version != storeVersion {
		return nil, errors.Errorf("calibration store %s: unsupported version %d", s.path, f.Version)
	}
	out := make(Records, len(f.Records))
	for _, r := range f.Records {
		if _, dup := out[r.Channel]; dup {
			return nil, errors.Errorf("calibration store %s: duplicate channel %d", s.path, r.Channel)
		}
		out[r.Channel] = r
	}
	return out, nil
}

// Save replaces the store content. The file is written to a temporary name
// and renamed so a crash never leaves a truncated store.
func (s *Store) Save(rs Records) error {
	f := storeFile{Version: storeVersion}
	for _, ch := range rs.Channels() {
		f.Records = append(f.Records, rs[ch])
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return errors.Wrap(err, "encode calibration store")
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".calibration-*.yaml")
	if err != nil {
		return errors.Wrap(err, "create calibration store")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write calibration store")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write calibration store")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "replace calibration store")
	}
	return nil
}
