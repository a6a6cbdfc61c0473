/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmseg/internal/logging"
	internalshm "github.com/srediag/shmseg/internal/shm"
)

type (
	SegmentProvider = internalshm.SegmentProvider
	SegmentHandle   = internalshm.SegmentHandle
	MutexProvider   = internalshm.MutexProvider
	LockHandle      = internalshm.LockHandle
	Remover         = internalshm.Remover
	Backend         = internalshm.Backend
)

const (
	BackendSysV   = internalshm.BackendSysV
	BackendFile   = internalshm.BackendFile
	BackendMemory = internalshm.BackendMemory
)

const (
	// DefaultLockRetryBudget is how many interrupted lock attempts are
	// tolerated before the condition is treated as fatal.
	DefaultLockRetryBudget = 100

	maxUint32 = 1<<32 - 1
)

// Config configures sessions. Use DefaultConfig and override fields.
type Config struct {
	// Backend selects the OS providers when Segments and Mutexes are nil.
	Backend Backend
	// Dir is where the file backend keeps its segment and lock files.
	Dir string
	// Segments and Mutexes override Backend when both are set.
	Segments SegmentProvider
	Mutexes  MutexProvider

	// LockRetryBudget bounds interrupted lock attempts.
	LockRetryBudget int
	// Fatal is called for lock exhaustion. It must not return; the default
	// logs and exits the process.
	Fatal func(error)

	// LogOutput receives log lines; nil means stderr.
	LogOutput io.Writer
	// Registerer receives the Prometheus collectors; nil disables registration.
	Registerer prometheus.Registerer
	// Meter and Tracer default to no-op implementations.
	Meter  metric.Meter
	Tracer trace.Tracer

	// Now and Pid stamp committed headers.
	Now func() time.Time
	Pid int
}

// DefaultConfig returns the configuration used when none is given. The
// environment variables SHMSEG_BACKEND, SHMSEG_DIR and SHMSEG_LOCK_RETRIES
// override the defaults.
func DefaultConfig() *Config {
	cfg := &Config{
		Backend:         internalshm.DefaultBackend(),
		Dir:             os.Getenv("SHMSEG_DIR"),
		LockRetryBudget: DefaultLockRetryBudget,
		Fatal:           defaultFatal,
		Now:             time.Now,
		Pid:             os.Getpid(),
	}
	if b := os.Getenv("SHMSEG_BACKEND"); b != "" {
		cfg.Backend = Backend(b)
	}
	if v := os.Getenv("SHMSEG_LOCK_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LockRetryBudget = n
		}
	}
	return cfg
}

// VerifyConfig reports the first invalid field of cfg.
func VerifyConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if (cfg.Segments == nil) != (cfg.Mutexes == nil) {
		return errors.New("Segments and Mutexes must be set together")
	}
	if cfg.Segments == nil {
		switch cfg.Backend {
		case BackendSysV, BackendFile, BackendMemory:
		default:
			return fmt.Errorf("unknown backend %q", cfg.Backend)
		}
	}
	if cfg.LockRetryBudget < 1 {
		return fmt.Errorf("LockRetryBudget must be at least 1, got %d", cfg.LockRetryBudget)
	}
	if cfg.Pid < 0 || uint64(cfg.Pid) > maxUint32 {
		return fmt.Errorf("pid %d does not fit the header", cfg.Pid)
	}
	return nil
}

// resolve fills defaults and opens the backend providers.
func (cfg *Config) resolve() (*Config, error) {
	c := *cfg
	if c.Segments == nil {
		segs, mus, err := internalshm.NewProviders(c.Backend, c.Dir)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", c.Backend, err)
		}
		c.Segments, c.Mutexes = segs, mus
	}
	if c.Fatal == nil {
		c.Fatal = defaultFatal
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Pid == 0 {
		c.Pid = os.Getpid()
	}
	return &c, nil
}

func (cfg *Config) logger(name string) *logging.Logger {
	if cfg.LogOutput == nil {
		return logging.Default.Named(name)
	}
	return logging.New(name, cfg.LogOutput)
}

func defaultFatal(err error) {
	logging.Default.Errorf("fatal: %v", err)
	os.Exit(2)
}
