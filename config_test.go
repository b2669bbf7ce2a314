package gitar

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig("/data")
	if c.GitDir != "/data/dump.git" {
		t.Errorf("GitDir = %s", c.GitDir)
	}
	if c.DBPath != "/data/gitar.db" {
		t.Errorf("DBPath = %s", c.DBPath)
	}
	if c.Mirror.ChunkSize != 100<<20 {
		t.Errorf("ChunkSize = %d", c.Mirror.ChunkSize)
	}
	if c.Verify.Engine != "gost" {
		t.Errorf("Engine = %s", c.Verify.Engine)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gitar.yaml")
	doc := `
period: 5m
donors:
  - kind: file
    url: https://donor.example/dump.zip
  - kind: listing
    url: https://mirror.example/dumps/
mirror:
  chunk_size: 1048576
  remote: origin
sink:
  url: https://peer.example
  token: secret
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadConfig(path, dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Period.Std() != 5*time.Minute {
		t.Errorf("Period = %s", c.Period)
	}
	if len(c.Donors) != 2 || c.Donors[0].Kind != "file" || c.Donors[1].Kind != "listing" {
		t.Errorf("donors: %+v", c.Donors)
	}
	if c.Mirror.ChunkSize != 1<<20 || c.Mirror.Remote != "origin" {
		t.Errorf("mirror: %+v", c.Mirror)
	}
	// Unset fields keep their defaults.
	if c.GitDir != dir+"/dump.git" {
		t.Errorf("GitDir = %s", c.GitDir)
	}
	if c.Server.Addr != ":8080" {
		t.Errorf("Addr = %s", c.Server.Addr)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"MissingGitDir", func(c *Config) { c.GitDir = "" }},
		{"MissingDBPath", func(c *Config) { c.DBPath = "" }},
		{"UnknownDonorKind", func(c *Config) {
			c.Donors = []DonorConfig{{Kind: "ftp", URL: "x"}}
		}},
		{"DonorWithoutURL", func(c *Config) {
			c.Donors = []DonorConfig{{Kind: "file"}}
		}},
		{"DuplicateDonorKind", func(c *Config) {
			c.Donors = []DonorConfig{
				{Kind: "file", URL: "https://one.example/dump.zip"},
				{Kind: "file", URL: "https://two.example/dump.zip"},
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig("/data")
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}
