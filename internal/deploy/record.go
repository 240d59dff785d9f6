package deploy

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNoDeployment is returned when neither a record nor a descriptor exists.
	ErrNoDeployment = errors.New("no deployment found; run 'portainerctl install' first")
	// ErrNamedDataVolume is returned when /data is a named docker volume,
	// which has no host directory to archive.
	ErrNamedDataVolume = errors.New("server data lives in a named volume, not a host directory")
)

// Record is the typed deployment state persisted next to the descriptor.
type Record struct {
	Mode          Mode      `yaml:"mode"`
	Service       string    `yaml:"service"`
	Image         string    `yaml:"image"`
	Tag           string    `yaml:"tag"`
	ServerAddress string    `yaml:"server_address,omitempty"`
	GeneratedAt   time.Time `yaml:"generated_at"`

	// Inferred is set when the record was derived from a descriptor that had
	// no record file.
	Inferred bool `yaml:"-"`
}

// ImageRef returns image:tag.
func (r *Record) ImageRef() string {
	if r.Tag == "" {
		return r.Image
	}
	return r.Image + ":" + r.Tag
}

// SaveRecord writes r to path.
func SaveRecord(path string, r *Record) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding deployment record: %w", err)
	}
	return writeFileAtomic(path, data, 0o644)
}

// LoadRecord reads and validates the record at path.
func LoadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing deployment record %s: %w", path, err)
	}
	if !r.Mode.Valid() {
		return nil, fmt.Errorf("deployment record %s has invalid mode %q", path, r.Mode)
	}
	if r.Service == "" {
		r.Service = r.Mode.ServiceName()
	}
	return &r, nil
}

// Resolve determines the active deployment. The record at recordPath wins;
// when it is missing the descriptor at composePath is classified by its
// single service image.
func Resolve(recordPath, composePath string) (*Record, error) {
	rec, err := LoadRecord(recordPath)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if _, statErr := os.Stat(composePath); errors.Is(statErr, os.ErrNotExist) {
		return nil, ErrNoDeployment
	}
	d, err := LoadDescriptor(composePath)
	if err != nil {
		return nil, err
	}
	return InferRecord(d)
}

// InferRecord classifies a descriptor that has no accompanying record. It
// requires exactly one service whose image names a known Portainer image.
func InferRecord(d *Descriptor) (*Record, error) {
	if len(d.Services) != 1 {
		names := make([]string, 0, len(d.Services))
		for name := range d.Services {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("cannot infer deployment mode: expected exactly one service, found %d %v", len(names), names)
	}

	for name, svc := range d.Services {
		var mode Mode
		switch {
		case strings.Contains(svc.Image, "portainer/agent"):
			mode = ModeAgent
		case strings.Contains(svc.Image, "portainer/portainer"):
			mode = ModeServer
		default:
			return nil, fmt.Errorf("cannot infer deployment mode from image %q of service %q", svc.Image, name)
		}
		repo, tag := SplitImageRef(svc.Image)
		rec := &Record{
			Mode:     mode,
			Service:  name,
			Image:    repo,
			Tag:      tag,
			Inferred: true,
		}
		if mode == ModeAgent {
			rec.ServerAddress = d.ServerAddress(name)
		}
		return rec, nil
	}
	return nil, errors.New("unreachable")
}
