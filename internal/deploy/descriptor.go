package deploy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BackupTimeFormat is the timestamp layout used in descriptor backup copies
// and backup archive names.
const BackupTimeFormat = "20060102-150405"

// Descriptor is the compose file for a single-service deployment.
type Descriptor struct {
	Services map[string]Service `yaml:"services"`
}

// Service is the subset of the compose service schema this tool emits.
type Service struct {
	Image         string      `yaml:"image"`
	ContainerName string      `yaml:"container_name"`
	Restart       string      `yaml:"restart"`
	SecurityOpt   []string    `yaml:"security_opt,omitempty"`
	Ports         []string    `yaml:"ports"`
	Volumes       Volumes     `yaml:"volumes"`
	Environment   Environment `yaml:"environment,omitempty"`
}

// Environment is a service environment in KEY=VALUE list form. It also
// decodes the compose mapping form.
type Environment []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *Environment) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*e = list
	case yaml.MappingNode:
		env := make(Environment, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k, v := value.Content[i], value.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: environment value for %q must be a scalar", v.Line, k.Value)
			}
			if v.ShortTag() == "!!null" {
				env = append(env, k.Value)
				continue
			}
			env = append(env, k.Value+"="+v.Value)
		}
		*e = env
	default:
		return fmt.Errorf("line %d: environment must be a list or a mapping", value.Line)
	}
	return nil
}

// Lookup returns the value of key.
func (e Environment) Lookup(key string) (string, bool) {
	for _, kv := range e {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

// Volumes holds service mounts in short "source:target[:mode]" form. Long
// syntax entries are folded into the same form when decoded.
type Volumes []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *Volumes) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: volumes must be a list", value.Line)
	}
	out := make(Volumes, 0, len(value.Content))
	for _, item := range value.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, item.Value)
		case yaml.MappingNode:
			var long struct {
				Source   string `yaml:"source"`
				Target   string `yaml:"target"`
				ReadOnly bool   `yaml:"read_only"`
			}
			if err := item.Decode(&long); err != nil {
				return err
			}
			spec := long.Target
			if long.Source != "" {
				spec = long.Source + ":" + long.Target
			}
			if long.ReadOnly {
				spec += ":ro"
			}
			out = append(out, spec)
		default:
			return fmt.Errorf("line %d: unsupported volume entry", item.Line)
		}
	}
	*v = out
	return nil
}

// Source returns the host side of the mount targeting target.
func (v Volumes) Source(target string) (string, bool) {
	for _, spec := range v {
		parts := strings.Split(spec, ":")
		if len(parts) >= 2 && strings.TrimSuffix(parts[1], "/") == target {
			return parts[0], true
		}
	}
	return "", false
}

// Options drive Build.
type Options struct {
	Mode          Mode
	ServerImage   string
	AgentImage    string
	Tag           string
	ServerAddress string
	// DataDir is the host side of the server's /data mount as written in the
	// descriptor. Empty means "./data".
	DataDir string
	Now     time.Time
}

// Build produces the descriptor and matching record for opts. An agent build
// with an empty server address uses SentinelServerAddress.
func Build(opts Options) (*Descriptor, *Record, error) {
	if !opts.Mode.Valid() {
		return nil, nil, fmt.Errorf("unknown deployment mode %q", opts.Mode)
	}
	tag := opts.Tag
	if tag == "" {
		tag = "latest"
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	rec := &Record{
		Mode:        opts.Mode,
		Service:     opts.Mode.ServiceName(),
		Tag:         tag,
		GeneratedAt: opts.Now.UTC(),
	}

	var svc Service
	switch opts.Mode {
	case ModeServer:
		rec.Image = opts.ServerImage
		dataDir := opts.DataDir
		if dataDir == "" {
			dataDir = "./data"
		}
		svc = Service{
			ContainerName: ServerService,
			Restart:       "unless-stopped",
			SecurityOpt:   []string{"no-new-privileges:true"},
			Ports: []string{
				fmt.Sprintf("%d:%d", ServerEdgePort, ServerEdgePort),
				fmt.Sprintf("%d:%d", ServerUIPort, ServerUIPort),
			},
			Volumes: []string{
				"/var/run/docker.sock:/var/run/docker.sock:ro",
				dataDir + ":" + ServerDataTarget,
			},
		}
	case ModeAgent:
		rec.Image = opts.AgentImage
		addr := strings.TrimSpace(opts.ServerAddress)
		if addr == "" {
			addr = SentinelServerAddress
		}
		rec.ServerAddress = addr
		svc = Service{
			ContainerName: AgentService,
			Restart:       "always",
			Ports:         []string{fmt.Sprintf("%d:%d", AgentPort, AgentPort)},
			Volumes: []string{
				"/var/run/docker.sock:/var/run/docker.sock",
				"/var/lib/docker/volumes:/var/lib/docker/volumes",
				"/:/host:ro",
			},
			Environment: []string{
				"AGENT_CLUSTER_ADDR=" + addr,
				"PORTAINER_SERVER_ADDR=" + addr,
			},
		}
	}
	if rec.Image == "" {
		return nil, nil, fmt.Errorf("no image configured for %s mode", opts.Mode)
	}
	svc.Image = rec.ImageRef()

	return &Descriptor{Services: map[string]Service{rec.Service: svc}}, rec, nil
}

// MountSource renders dataPath the way the descriptor at composePath should
// reference it: "./rel" when it lies under the descriptor's directory,
// otherwise absolute.
func MountSource(composePath, dataPath string) (string, error) {
	base, err := filepath.Abs(filepath.Dir(composePath))
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(dataPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return abs, nil
	}
	return "./" + filepath.ToSlash(rel), nil
}

// DataDir returns the host directory mounted at /data by service in the
// descriptor at composePath. Relative sources resolve against the
// descriptor's directory, as compose does.
func (d *Descriptor) DataDir(service, composePath string) (string, error) {
	svc, ok := d.Services[service]
	if !ok {
		return "", fmt.Errorf("descriptor has no service %q", service)
	}
	src, ok := svc.Volumes.Source(ServerDataTarget)
	if !ok {
		return "", fmt.Errorf("service %q mounts nothing at %s", service, ServerDataTarget)
	}
	switch {
	case filepath.IsAbs(src):
		return filepath.Clean(src), nil
	case strings.HasPrefix(src, "."):
		return filepath.Join(filepath.Dir(composePath), src), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrNamedDataVolume, src)
	}
}

// ServerAddress returns the PORTAINER_SERVER_ADDR configured for service.
func (d *Descriptor) ServerAddress(service string) string {
	v, _ := d.Services[service].Environment.Lookup("PORTAINER_SERVER_ADDR")
	return v
}

// Marshal renders the descriptor as YAML.
func (d *Descriptor) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("encoding descriptor: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteDescriptor writes d to path via a temp file and rename.
func WriteDescriptor(path string, d *Descriptor) error {
	data, err := d.Marshal()
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

// LoadDescriptor parses the compose file at path.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing descriptor %s: %w", path, err)
	}
	return &d, nil
}

// BackupDescriptor copies the file at path to path.bak-<timestamp> and
// returns the copy's location.
func BackupDescriptor(path string, now time.Time) (string, error) {
	dst := path + ".bak-" + now.Format(BackupTimeFormat)
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("backup copy %s already exists", dst)
	}
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening descriptor: %w", err)
	}
	defer func() {
		_ = src.Close()
	}()

	info, err := src.Stat()
	if err != nil {
		return "", err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return "", fmt.Errorf("creating backup copy: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("copying descriptor: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

// RetagDescriptor rewrites the image of service in the compose file at path,
// leaving every other key as the operator left it.
func RetagDescriptor(path, service, image string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading descriptor: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing descriptor %s: %w", path, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return fmt.Errorf("descriptor %s is empty", path)
	}

	services := mappingValue(doc.Content[0], "services")
	if services == nil {
		return fmt.Errorf("descriptor %s has no services", path)
	}
	svc := mappingValue(services, service)
	if svc == nil {
		return fmt.Errorf("descriptor %s has no service %q", path, service)
	}
	img := mappingValue(svc, "image")
	if img == nil || img.Kind != yaml.ScalarNode {
		return fmt.Errorf("service %q has no image", service)
	}
	img.Value = image

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encoding descriptor: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return writeFileAtomic(path, buf.Bytes(), 0o644)
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// SplitImageRef separates "repo:tag" into its parts. A missing tag is "latest".
// Digests are left on the repository side untouched.
func SplitImageRef(ref string) (repo, tag string) {
	if strings.Contains(ref, "@") {
		return ref, ""
	}
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, "latest"
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path exists. Errors other than not-exist count as
// present so callers never overwrite something they could not inspect.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
