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

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/urfave/cli"

	"github.com/srediag/shmseg/pkg/health"
	"github.com/srediag/shmseg/pkg/shm"
	"github.com/srediag/shmseg/pkg/watch"
)

var (
	hexFlag = cli.BoolFlag{
		Name:  "hex, x",
		Usage: "data is hex encoded (input) or hex dumped (output)",
	}
	capacityFlag = cli.UintFlag{
		Name:  "capacity, c",
		Usage: "segment capacity in bytes including the header; 0 joins an existing segment",
	}

	cmdInspect = cli.Command{
		Name:      "inspect",
		Usage:     "print the header of a segment",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "ring, r",
				Usage: "also print the ring header",
			},
		},
		Action: func(c *cli.Context) error {
			return withSession(c, 0, func(s *shm.Session) error {
				hdr, err := s.HeaderSnapshot()
				if err != nil {
					return err
				}
				w := c.App.Writer
				fmt.Fprintf(w, "name:        %s\n", s.Name())
				fmt.Fprintf(w, "key:         %s\n", s.Key())
				fmt.Fprintf(w, "capacity:    %d\n", hdr.Capacity)
				fmt.Fprintf(w, "usable:      %d\n", hdr.Usable())
				fmt.Fprintf(w, "length:      %d\n", hdr.Length)
				fmt.Fprintf(w, "writer pid:  %d (%s)\n", hdr.WriterPID, writerState(hdr.WriterPID))
				fmt.Fprintf(w, "last update: %s\n", hdr.LastUpdate().Format(time.RFC3339Nano))
				if c.Bool("ring") {
					rh, err := shm.NewRing(s).Header()
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "ring:        cursor=%d capacity=%d\n", rh.WriteCursor, rh.BufferCapacity)
				}
				return nil
			})
		},
	}

	cmdWrite = cli.Command{
		Name:      "write",
		Usage:     "write DATA at an offset and commit offset+len(DATA)",
		ArgsUsage: "NAME DATA|-",
		Flags: []cli.Flag{
			capacityFlag,
			hexFlag,
			cli.UintFlag{
				Name:  "offset, o",
				Usage: "payload offset",
			},
		},
		Action: func(c *cli.Context) error {
			data, err := payloadArg(c)
			if err != nil {
				return err
			}
			capacity, err := uint32Flag(c, "capacity")
			if err != nil {
				return err
			}
			offset, err := uint32Flag(c, "offset")
			if err != nil {
				return err
			}
			return withSession(c, capacity, func(s *shm.Session) error {
				if err := s.Write(offset, data); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "wrote %d bytes at offset %d\n", len(data), offset)
				return nil
			})
		},
	}

	cmdRead = cli.Command{
		Name:      "read",
		Usage:     "print payload bytes, by default up to the committed length",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			hexFlag,
			cli.UintFlag{
				Name:  "offset, o",
				Usage: "payload offset",
			}, cli.UintFlag{
				Name:  "size, s",
				Usage: "bytes to read; 0 reads up to the committed length",
			},
		},
		Action: func(c *cli.Context) error {
			offset, err := uint32Flag(c, "offset")
			if err != nil {
				return err
			}
			size, err := uint32Flag(c, "size")
			if err != nil {
				return err
			}
			return withSession(c, 0, func(s *shm.Session) error {
				if size == 0 {
					n, err := s.Length()
					if err != nil {
						return err
					}
					if n > offset {
						size = n - offset
					}
				}
				data, err := s.Read(offset, size)
				if err != nil {
					return err
				}
				return output(c, data)
			})
		},
	}

	cmdClear = cli.Command{
		Name:      "clear",
		Usage:     "zero the payload and commit length 0",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) error {
			return withSession(c, 0, func(s *shm.Session) error {
				return s.ClearAllData()
			})
		},
	}

	cmdRingInit = cli.Command{
		Name:      "ring-init",
		Usage:     "initialize a ring in the payload, discarding its contents",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			capacityFlag,
			cli.UintFlag{
				Name:  "ring, r",
				Usage: "ring data capacity in bytes",
			},
		},
		Action: func(c *cli.Context) error {
			capacity, err := uint32Flag(c, "capacity")
			if err != nil {
				return err
			}
			ring, err := uint32Flag(c, "ring")
			if err != nil {
				return err
			}
			return withSession(c, capacity, func(s *shm.Session) error {
				return shm.NewRing(s).Init(ring)
			})
		},
	}

	cmdPush = cli.Command{
		Name:      "push",
		Usage:     "append DATA to a ring",
		ArgsUsage: "NAME DATA|-",
		Flags:     []cli.Flag{hexFlag},
		Action: func(c *cli.Context) error {
			data, err := payloadArg(c)
			if err != nil {
				return err
			}
			return withSession(c, 0, func(s *shm.Session) error {
				return shm.NewRing(s).Push(data)
			})
		},
	}

	cmdDump = cli.Command{
		Name:      "dump",
		Usage:     "print a ring oldest byte first",
		ArgsUsage: "NAME",
		Flags:     []cli.Flag{hexFlag},
		Action: func(c *cli.Context) error {
			return withSession(c, 0, func(s *shm.Session) error {
				snap, err := shm.NewRing(s).Snapshot()
				if err != nil {
					return err
				}
				if c.Bool("hex") {
					return output(c, snap.Ordered())
				}
				_, err = snap.WriteTo(c.App.Writer)
				return err
			})
		},
	}

	cmdWatch = cli.Command{
		Name:      "watch",
		Usage:     "print header changes as they are committed",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			cli.DurationFlag{
				Name:  "interval, i",
				Usage: "poll interval",
				Value: watch.DefaultInterval,
			}, cli.IntFlag{
				Name:  "count, n",
				Usage: "stop after this many events; 0 runs until interrupted",
			}, cli.DurationFlag{
				Name:  "timeout, t",
				Usage: "stop when no change is seen for this long; 0 waits forever",
			},
		},
		Action: func(c *cli.Context) error {
			return withSession(c, 0, func(s *shm.Session) error {
				ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				w := watch.New(s, watch.Options{Interval: c.Duration("interval")})
				runErr := make(chan error, 1)
				go func() {
					runErr <- w.Run(ctx)
					w.Close()
				}()

				var err error
				for n := 0; c.Int("count") == 0 || n < c.Int("count"); n++ {
					ev, nerr := w.Next(c.Duration("timeout"))
					if nerr != nil {
						if !errors.Is(nerr, watch.ErrTimeout) && !errors.Is(nerr, watch.ErrClosed) {
							err = nerr
						}
						break
					}
					fmt.Fprintf(c.App.Writer, "#%d length=%d writer=%d at=%s\n",
						ev.Seq, ev.Header.Length, ev.Header.WriterPID,
						ev.Header.LastUpdate().Format(time.RFC3339Nano))
				}
				stop()
				if rerr := <-runErr; err == nil && !errors.Is(rerr, context.Canceled) {
					err = rerr
				}
				return err
			})
		},
	}

	cmdBench = cli.Command{
		Name:      "bench",
		Usage:     "push records to a ring from concurrent sessions",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			cli.UintFlag{
				Name:  "capacity, c",
				Usage: "segment capacity",
				Value: 1 << 20,
			}, cli.UintFlag{
				Name:  "ring, r",
				Usage: "ring data capacity",
				Value: 64 << 10,
			}, cli.IntFlag{
				Name:  "writers, w",
				Usage: "concurrent sessions",
				Value: 4,
			}, cli.IntFlag{
				Name:  "pushes, p",
				Usage: "pushes per session",
				Value: 10000,
			}, cli.IntFlag{
				Name:  "size, s",
				Usage: "bytes per push",
				Value: 64,
			},
		},
		Action: func(c *cli.Context) error {
			name, err := segmentArg(c)
			if err != nil {
				return err
			}
			capacity, err := uint32Flag(c, "capacity")
			if err != nil {
				return err
			}
			ring, err := uint32Flag(c, "ring")
			if err != nil {
				return err
			}
			res, err := runBench(configFrom(c), benchOptions{
				name:     name,
				capacity: capacity,
				ring:     ring,
				writers:  c.Int("writers"),
				pushes:   c.Int("pushes"),
				size:     c.Int("size"),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "%d pushes of %d bytes in %s: %.0f ops/s, %.2f MiB/s\n",
				res.ops, res.size, res.elapsed.Round(time.Microsecond), res.opsPerSec(), res.mibPerSec())
			return nil
		},
	}

	cmdServe = cli.Command{
		Name:      "serve",
		Usage:     "serve /live, /ready and /metrics for a segment",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "addr, a",
				Usage: "listen address",
				Value: ":9464",
			}, cli.DurationFlag{
				Name:  "max-age",
				Usage: "readiness fails when the last commit is older; 0 disables",
			}, cli.BoolFlag{
				Name:  "ring, r",
				Usage: "readiness requires a valid ring header",
			},
		},
		Action: func(c *cli.Context) error {
			name, err := segmentArg(c)
			if err != nil {
				return err
			}
			reg := prometheus.NewRegistry()
			cfg := configFrom(c)
			cfg.Registerer = reg
			sess, err := shm.Open(name, 0, cfg)
			if err != nil {
				return err
			}
			defer sess.Detach()

			checks := healthcheck.NewMetricsHandler(reg, "shmseg")
			health.NewMonitor(sess, health.Options{
				MaxAge:  c.Duration("max-age"),
				Ring:    c.Bool("ring"),
				Timeout: time.Second,
			}).Register(checks)

			mux := http.NewServeMux()
			mux.Handle("/live", checks)
			mux.Handle("/ready", checks)
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: c.String("addr"), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			fmt.Fprintf(c.App.Writer, "serving %q on %s\n", name, srv.Addr)

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		},
	}

	cmdRemove = cli.Command{
		Name:      "rm",
		Usage:     "destroy the OS objects of a segment",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) error {
			name, err := segmentArg(c)
			if err != nil {
				return err
			}
			return shm.Remove(name, configFrom(c))
		},
	}
)

func segmentArg(c *cli.Context) (string, error) {
	name := c.Args().First()
	if name == "" {
		return "", fmt.Errorf("%s: segment NAME is required", c.Command.Name)
	}
	return name, nil
}

// uint32Flag reads a uint flag that addresses the segment. Segment offsets and
// sizes are 32 bit.
func uint32Flag(c *cli.Context, name string) (uint32, error) {
	v := c.Uint(name)
	if uint64(v) > math.MaxUint32 {
		return 0, fmt.Errorf("%s: --%s %d exceeds %d", c.Command.Name, name, v, uint32(math.MaxUint32))
	}
	return uint32(v), nil
}

func payloadArg(c *cli.Context) ([]byte, error) {
	if c.NArg() < 2 {
		return nil, fmt.Errorf("%s: DATA is required", c.Command.Name)
	}
	arg := c.Args().Get(1)
	if arg == "-" {
		return io.ReadAll(os.Stdin)
	}
	if c.Bool("hex") {
		return hex.DecodeString(arg)
	}
	return []byte(arg), nil
}

func withSession(c *cli.Context, capacity uint32, fn func(*shm.Session) error) error {
	name, err := segmentArg(c)
	if err != nil {
		return err
	}
	sess, err := shm.Open(name, capacity, configFrom(c))
	if err != nil {
		return err
	}
	defer sess.Detach()
	return fn(sess)
}

func output(c *cli.Context, data []byte) error {
	if c.Bool("hex") {
		_, err := io.WriteString(c.App.Writer, hex.Dump(data))
		return err
	}
	_, err := c.App.Writer.Write(data)
	return err
}

func writerState(pid uint32) string {
	if pid == 0 {
		return "none"
	}
	ok, err := process.PidExists(int32(pid))
	switch {
	case err != nil:
		return "unknown"
	case ok:
		return "alive"
	default:
		return "gone"
	}
}

type benchOptions struct {
	name     string
	capacity uint32
	ring     uint32
	writers  int
	pushes   int
	size     int
}

type benchResult struct {
	ops     int
	size    int
	elapsed time.Duration
}

func (r benchResult) opsPerSec() float64 {
	return float64(r.ops) / r.elapsed.Seconds()
}

func (r benchResult) mibPerSec() float64 {
	return float64(r.ops*r.size) / r.elapsed.Seconds() / (1 << 20)
}

// runBench initializes the ring, then pushes from opts.writers sessions
// running on an ants pool.
func runBench(cfg *shm.Config, opts benchOptions) (benchResult, error) {
	if opts.writers <= 0 || opts.pushes <= 0 || opts.size <= 0 {
		return benchResult{}, errors.New("bench: writers, pushes and size must be positive")
	}
	setup, err := shm.Open(opts.name, opts.capacity, cfg)
	if err != nil {
		return benchResult{}, err
	}
	defer setup.Detach()
	if err := shm.NewRing(setup).Init(opts.ring); err != nil {
		return benchResult{}, err
	}

	pool, err := ants.NewPool(opts.writers)
	if err != nil {
		return benchResult{}, err
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) { errOnce.Do(func() { firstErr = err }) }

	sessions := make([]*shm.Session, 0, opts.writers)
	defer func() {
		for _, s := range sessions {
			_ = s.Detach()
		}
	}()
	for i := 0; i < opts.writers; i++ {
		s, err := shm.Open(opts.name, 0, cfg)
		if err != nil {
			return benchResult{}, err
		}
		sessions = append(sessions, s)
	}

	start := time.Now()
	for i, s := range sessions {
		ring := shm.NewRing(s)
		record := make([]byte, opts.size)
		for j := range record {
			record[j] = byte(i)
		}
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			for n := 0; n < opts.pushes; n++ {
				if err := ring.Push(record); err != nil {
					fail(err)
					return
				}
			}
		}); err != nil {
			wg.Done()
			fail(err)
		}
	}
	wg.Wait()
	if firstErr != nil {
		return benchResult{}, firstErr
	}
	return benchResult{
		ops:     opts.writers * opts.pushes,
		size:    opts.size,
		elapsed: time.Since(start),
	}, nil
}
