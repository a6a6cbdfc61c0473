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

// Command shmctl inspects and drives shmseg segments from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/srediag/shmseg/internal/logging"
	"github.com/srediag/shmseg/pkg/shm"
)

var Version = "0.1.0"

var logLevels = map[string]int{
	"trace": logging.LevelTrace,
	"debug": logging.LevelDebug,
	"info":  logging.LevelInfo,
	"warn":  logging.LevelWarn,
	"error": logging.LevelError,
	"off":   logging.LevelNoPrint,
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "shmctl"
	app.Version = Version
	app.Usage = "inspect and drive named shared memory segments"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "backend, b",
			Usage:  "segment backend, sysv|file|memory",
			EnvVar: "SHMSEG_BACKEND",
		}, cli.StringFlag{
			Name:   "dir, d",
			Usage:  "directory of the file backend",
			EnvVar: "SHMSEG_DIR",
		}, cli.StringFlag{
			Name:  "log-level, l",
			Usage: "trace|debug|info|warn|error|off",
		},
	}

	app.Commands = []cli.Command{
		cmdInspect,
		cmdWrite,
		cmdRead,
		cmdClear,
		cmdRingInit,
		cmdPush,
		cmdDump,
		cmdWatch,
		cmdBench,
		cmdServe,
		cmdRemove,
	}

	app.Before = func(c *cli.Context) error {
		if lv := c.GlobalString("log-level"); lv != "" {
			l, ok := logLevels[lv]
			if !ok {
				return fmt.Errorf("unknown log level %q", lv)
			}
			logging.SetLevel(l)
		}
		return nil
	}
	return app
}

// configFrom builds the session config from the global flags.
func configFrom(c *cli.Context) *shm.Config {
	cfg := shm.DefaultConfig()
	if b := c.GlobalString("backend"); b != "" {
		cfg.Backend = shm.Backend(b)
	}
	if d := c.GlobalString("dir"); d != "" {
		cfg.Dir = d
	}
	cfg.LogOutput = c.App.ErrWriter
	return cfg
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "shmctl:", err)
		os.Exit(1)
	}
}
