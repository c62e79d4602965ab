// Copyright 2020 The Nivlheim Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nivlheim

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the server configuration. Its native format is JSON; the
// run command loads it from a file and lets flags override individual
// fields.
type Config struct {
	// Listen is the address of the public listener, the one the
	// agents talk to. When TLS is configured this listener terminates
	// mutual TLS itself; otherwise it expects a fronting proxy to
	// pass the client certificate in request headers.
	Listen string `json:"listen,omitempty"`

	// WorkerListen is the address of the local listener that serves
	// the archive-processing endpoint and the metrics endpoint. It
	// must resolve to a loopback address.
	WorkerListen string `json:"worker_listen,omitempty"`

	// ConfDir is the state directory: the archive queue, the CA
	// material, and the serial database all live under it.
	ConfDir string `json:"confdir,omitempty"`

	// Database is the PostgreSQL connection string.
	Database string `json:"database,omitempty"`

	// TLS configures standalone TLS termination for the public
	// listener. Leave empty when running behind the front server.
	TLS TLSConfig `json:"tls,omitempty"`

	// Logs configures the process logger.
	Logs LogConfig `json:"logs,omitempty"`
}

// TLSConfig points at the server keypair and the CA bundle used to
// verify client certificates.
type TLSConfig struct {
	CertFile     string `json:"cert_file,omitempty"`
	KeyFile      string `json:"key_file,omitempty"`
	ClientCAFile string `json:"client_ca_file,omitempty"`
}

// LogConfig controls the process logger. With an empty Output the
// server logs to stderr; otherwise Output names a file which is
// size-rotated in place.
type LogConfig struct {
	Output     string `json:"output,omitempty"`
	Level      string `json:"level,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

// Default values for fields left empty in the config file.
const (
	DefaultListen       = ":8443"
	DefaultWorkerListen = "127.0.0.1:4040"
	DefaultConfDir      = "/var/nivlheim"
)

// LoadConfig reads a JSON config file and fills in defaults. An empty
// path yields a default config.
func LoadConfig(path string) (*Config, error) {
	cfg := new(Config)
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening config file: %w", err)
		}
		defer f.Close()
		dec := json.NewDecoder(f)
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decoding config file %s: %w", path, err)
		}
	}
	cfg.fillDefaults()
	return cfg, nil
}

func (cfg *Config) fillDefaults() {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.WorkerListen == "" {
		cfg.WorkerListen = DefaultWorkerListen
	}
	if cfg.ConfDir == "" {
		cfg.ConfDir = DefaultConfDir
	}
}

// QueueDir is where uploaded archives and their metadata sidecars
// wait for processing.
func (cfg *Config) QueueDir() string { return filepath.Join(cfg.ConfDir, "queue") }

// CADir holds the CA certificate and key. Only the issuer reads it.
func (cfg *Config) CADir() string { return filepath.Join(cfg.ConfDir, "CA") }

// DBDir holds the issuer's serial counter and issued-certificate log.
func (cfg *Config) DBDir() string { return filepath.Join(cfg.ConfDir, "db") }
