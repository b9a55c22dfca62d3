// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package aggconfig loads and validates the aggregator's run
// configuration: bus transport selection, NATS connection details, the
// gather interval, the output file store location, and the rank/size
// bootstrap. Config is loaded as JSON and validated against an embedded
// JSON schema.
package aggconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/NHR-FAU/smalldata-go/pkg/log"
	"github.com/NHR-FAU/smalldata-go/pkg/runtimeEnv"
)

// BusKind selects the collective transport (§5).
type BusKind string

const (
	BusInprocess BusKind = "inprocess"
	BusNats      BusKind = "nats"
)

// Config is the aggregator's run configuration.
type Config struct {
	Bus BusKind `json:"bus"`

	Nats struct {
		Address       string `json:"address"`
		Username      string `json:"username"`
		Password      string `json:"password"`
		CredsFilePath string `json:"creds-file-path"`
		SubjectPrefix string `json:"subject-prefix"`
	} `json:"nats"`

	GatherIntervalSeconds int `json:"gather-interval-seconds"`

	FileStore struct {
		Dir    string `json:"dir"`
		Format string `json:"format"`
	} `json:"file-store"`

	KeysToSave []string `json:"keys-to-save"`

	BreakAfter int `json:"break-after"`

	LivePublish struct {
		Enabled bool   `json:"enabled"`
		Subject string `json:"subject"`
	} `json:"live-publish"`

	MetricsListenAddr string `json:"metrics-listen-addr"`
}

const ConfigSchema = `{
    "type": "object",
    "description": "Configuration for the smalldata aggregator.",
    "properties": {
        "bus": {"type": "string", "enum": ["inprocess", "nats"]},
        "nats": {
            "type": "object",
            "properties": {
                "address": {"type": "string"},
                "username": {"type": "string"},
                "password": {"type": "string"},
                "creds-file-path": {"type": "string"},
                "subject-prefix": {"type": "string"}
            }
        },
        "gather-interval-seconds": {"type": "integer", "minimum": 1},
        "file-store": {
            "type": "object",
            "properties": {
                "dir": {"type": "string"},
                "format": {"type": "string", "enum": ["avro"]}
            },
            "required": ["dir"]
        },
        "keys-to-save": {"type": "array", "items": {"type": "string"}},
        "break-after": {"type": "integer", "minimum": 0},
        "live-publish": {
            "type": "object",
            "properties": {
                "enabled": {"type": "boolean"},
                "subject": {"type": "string"}
            }
        },
        "metrics-listen-addr": {"type": "string"}
    },
    "required": ["bus", "file-store"]
}`

// Load reads envFile (if non-empty, via runtimeEnv.LoadEnv) into the
// process environment, decodes configPath as JSON, validates it against
// ConfigSchema, and applies the SMALLDATA_* environment overrides (§5
// rank/size bootstrap: env vars take precedence so a job launcher can
// override per-process without rewriting the shared config file).
func Load(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := runtimeEnv.LoadEnv(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("aggconfig: load env file %s: %w", envFile, err)
		}
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("aggconfig: read %s: %w", configPath, err)
	}

	if err := validate(raw); err != nil {
		return nil, fmt.Errorf("aggconfig: %s failed schema validation: %w", configPath, err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("aggconfig: decode %s: %w", configPath, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.GatherIntervalSeconds == 0 {
		cfg.GatherIntervalSeconds = 10
	}
	return &cfg, nil
}

func validate(raw []byte) error {
	s, err := jsonschema.CompileString("smalldata-config.json", ConfigSchema)
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode for validation: %w", err)
	}
	return s.Validate(v)
}

// applyEnvOverrides lets SMALLDATA_NATS_ADDRESS etc. win over the config
// file, so a single shared config can be used across a job's processes
// while per-process bootstrap (rank, address) is injected by the
// launcher via environment.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SMALLDATA_NATS_ADDRESS"); v != "" {
		cfg.Nats.Address = v
	}
	if v := os.Getenv("SMALLDATA_BUS"); v != "" {
		cfg.Bus = BusKind(v)
	}
	if v := os.Getenv("SMALLDATA_FILESTORE_DIR"); v != "" {
		cfg.FileStore.Dir = v
	}
	if v := os.Getenv("SMALLDATA_BREAK_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BreakAfter = n
		} else {
			log.Warnf("aggconfig: ignoring invalid SMALLDATA_BREAK_AFTER=%q: %v", v, err)
		}
	}
}

// RankSize resolves this process's rank and size from the environment,
// the convention every launcher (mpirun-equivalent, a plain fan-out
// script) is expected to set (§5, §9 Open Question: bootstrap mechanism
// left to the deployment, not the aggregator).
func RankSize() (rank, size int, err error) {
	rank, err = envInt("SMALLDATA_RANK", 0)
	if err != nil {
		return 0, 0, err
	}
	size, err = envInt("SMALLDATA_SIZE", 1)
	if err != nil {
		return 0, 0, err
	}
	if size <= 0 || rank < 0 || rank >= size {
		return 0, 0, fmt.Errorf("aggconfig: invalid rank/size %d/%d", rank, size)
	}
	return rank, size, nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("aggconfig: %s=%q is not an integer: %w", name, v, err)
	}
	return n, nil
}
