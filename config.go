package gitar

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tangled.org/rknarc.net/gitar/internal/archive"
	"tangled.org/rknarc.net/gitar/internal/gitstore"
	"tangled.org/rknarc.net/gitar/internal/mirror"
)

// Duration is a time.Duration that unmarshals from the usual notation
// ("20s", "5m") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return Error.New("bad duration %q: %v", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// VerifyConfig controls signature checking of ingested dumps.
type VerifyConfig struct {
	// OpensslBinary overrides the openssl executable, "openssl" by
	// default.
	OpensslBinary string `yaml:"openssl_binary"`

	// Engine is the legacy-algorithm engine to load.
	Engine string `yaml:"engine"`

	// AnchorDir is the trust anchor directory handed to -CApath.
	AnchorDir string `yaml:"anchor_dir"`

	// PurposeAnyCN names the signer whose certificate needs the relaxed
	// purpose check.
	PurposeAnyCN string `yaml:"purpose_any_cn"`
}

// MirrorConfig controls the chunked replica branch.
type MirrorConfig struct {
	// ChunkSize is the per-file byte ceiling on the mirror branch.
	ChunkSize int64 `yaml:"chunk_size"`

	// Remote names the git remote to push the mirror to; empty keeps
	// the mirror local.
	Remote string `yaml:"remote"`

	// Budget time-boxes one replication phase.
	Budget Duration `yaml:"budget"`
}

// DonorConfig describes one upstream source of signed dumps.
type DonorConfig struct {
	// Kind selects the fetch strategy: "file" polls a single URL with
	// conditional requests, "listing" scrapes an HTML directory of
	// zipped dumps.
	Kind string `yaml:"kind"`

	// URL is the dump URL (kind "file") or listing URL (kind "listing").
	URL string `yaml:"url"`
}

// SinkConfig forwards novel snapshots to a peer instance.
type SinkConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// ServerConfig controls the read/write HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// UploadToken enables the write endpoint when non-empty.
	UploadToken string `yaml:"upload_token"`
}

// Config is the full service configuration.
type Config struct {
	// GitDir is the bare repository holding the archive.
	GitDir string `yaml:"git_dir"`

	// DBPath is the dedup ledger database.
	DBPath string `yaml:"db_path"`

	// WorkDir hosts scratch directories for in-flight fetches.
	WorkDir string `yaml:"work_dir"`

	// Period is one full donor polling cycle.
	Period Duration `yaml:"period"`

	// HandleLimit bounds fetches per donor per cycle.
	HandleLimit int `yaml:"handle_limit"`

	// HeapCeiling triggers a repack when loose object bytes exceed it.
	HeapCeiling int64 `yaml:"heap_ceiling"`

	Verify  VerifyConfig  `yaml:"verify"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Donors  []DonorConfig `yaml:"donors"`
	Sink    SinkConfig    `yaml:"sink"`
	Server  ServerConfig  `yaml:"server"`
	Metrics bool          `yaml:"metrics"`
}

// DefaultConfig returns a configuration rooted at dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		GitDir:      dir + "/dump.git",
		DBPath:      dir + "/gitar.db",
		Period:      Duration(time.Minute),
		HandleLimit: 2,
		HeapCeiling: archive.DefaultHeapCeiling,
		Verify: VerifyConfig{
			Engine: "gost",
		},
		Mirror: MirrorConfig{
			ChunkSize: mirror.DefaultChunkSize,
			Budget:    Duration(20 * time.Second),
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Metrics: true,
	}
}

// LoadConfig reads a YAML configuration file, filling unset fields with
// defaults relative to dir.
func LoadConfig(path, dir string) (*Config, error) {
	config := DefaultConfig(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, Error.New("parse %s: %w", path, err)
	}
	return config, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.GitDir == "" {
		return Error.New("git_dir is required")
	}
	if c.DBPath == "" {
		return Error.New("db_path is required")
	}
	seen := make(map[string]bool, len(c.Donors))
	for i, d := range c.Donors {
		switch d.Kind {
		case "file", "listing":
		default:
			return Error.New("donor %d: unknown kind %q", i, d.Kind)
		}
		if d.URL == "" {
			return Error.New("donor %d: url is required", i)
		}
		// Each kind persists state in its own fixed table, so a second
		// instance would clobber the first.
		if seen[d.Kind] {
			return Error.New("donor %d: duplicate kind %q", i, d.Kind)
		}
		seen[d.Kind] = true
	}
	return nil
}

// PrimaryRef is the branch carrying whole-dump commits.
const PrimaryRef = gitstore.PrimaryRef

// MirrorRef is the branch carrying size-capped chunked commits.
const MirrorRef = gitstore.MirrorRef
