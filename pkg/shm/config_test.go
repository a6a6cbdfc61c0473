package shm

import (
	"io"
	"testing"

	"github.com/stretchr/testify/suite"

	internalshm "github.com/srediag/shmseg/internal/shm"
)

type ConfigTestSuite struct {
	suite.Suite
}

func (s *ConfigTestSuite) TestDefaultConfigFromEnv() {
	s.T().Setenv("SHMSEG_BACKEND", "memory")
	s.T().Setenv("SHMSEG_LOCK_RETRIES", "7")
	s.T().Setenv("SHMSEG_DIR", "/run/shmseg")

	cfg := DefaultConfig()
	s.Equal(BackendMemory, cfg.Backend)
	s.Equal(7, cfg.LockRetryBudget)
	s.Equal("/run/shmseg", cfg.Dir)
	s.NoError(VerifyConfig(cfg))
}

func (s *ConfigTestSuite) TestDefaultConfigIgnoresBadRetries() {
	s.T().Setenv("SHMSEG_LOCK_RETRIES", "many")
	s.Equal(DefaultLockRetryBudget, DefaultConfig().LockRetryBudget)
}

func (s *ConfigTestSuite) TestVerifyConfig() {
	mem := internalshm.NewMemoryProvider()
	cases := []struct {
		name  string
		tweak func(*Config)
		ok    bool
	}{
		{"defaults", func(*Config) {}, true},
		{"nil fatal is filled later", func(c *Config) { c.Fatal = nil }, true},
		{"unknown backend", func(c *Config) { c.Backend = "tmpfs" }, false},
		{"custom providers skip backend", func(c *Config) {
			c.Backend = "tmpfs"
			c.Segments, c.Mutexes = mem, mem.Mutexes()
		}, true},
		{"segments without mutexes", func(c *Config) { c.Segments = mem }, false},
		{"zero budget", func(c *Config) { c.LockRetryBudget = 0 }, false},
		{"budget of one", func(c *Config) { c.LockRetryBudget = 1 }, true},
		{"negative pid", func(c *Config) { c.Pid = -1 }, false},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		cfg.Backend = BackendMemory
		tc.tweak(cfg)
		err := VerifyConfig(cfg)
		if tc.ok {
			s.NoError(err, tc.name)
		} else {
			s.Error(err, tc.name)
		}
	}
	s.Error(VerifyConfig(nil))
}

func (s *ConfigTestSuite) TestNewSessionRejectsInvalidConfig() {
	cfg := DefaultConfig()
	cfg.LockRetryBudget = -3
	_, err := NewSession(cfg)
	s.True(IsKind(err, KindConfiguration))
}

func (s *ConfigTestSuite) TestMemoryBackendIsShared() {
	cfg := DefaultConfig()
	cfg.Backend = BackendMemory
	cfg.LogOutput = io.Discard

	a, err := Open("config-shared", 64, cfg)
	s.Require().NoError(err)
	defer a.Detach()
	b, err := Open("config-shared", 0, cfg)
	s.Require().NoError(err)
	defer b.Detach()

	s.Require().NoError(a.Write(0, []byte("x")))
	got, err := b.Read(0, 1)
	s.Require().NoError(err)
	s.Equal("x", string(got))
	s.Require().NoError(Remove("config-shared", cfg))
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}
