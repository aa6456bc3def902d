// Copyright 2024 The Pyscope Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command pyscope profiles a running CPython process without instrumenting
// it: it attaches with ptrace, periodically freezes the target for the
// microseconds it takes to read the interpreter's frame stacks out of its
// memory, and writes a flame-graph-compatible profile to stdout.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/procfs"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sys/unix"

	"github.com/pyscope-dev/pyscope/pkg/buildinfo"
	"github.com/pyscope-dev/pyscope/pkg/flamegraph"
	"github.com/pyscope-dev/pyscope/pkg/logger"
	"github.com/pyscope-dev/pyscope/pkg/memory"
	"github.com/pyscope-dev/pyscope/pkg/ptrace"
	"github.com/pyscope-dev/pyscope/pkg/pyruntime"
	"github.com/pyscope-dev/pyscope/pkg/sampler"
)

type flags struct {
	Pid int `kong:"arg,required,help='Process id of the Python process to profile.'"`

	SampleInterval time.Duration `kong:"name='sample-interval',short='s',default='1ms',help='Time between samples.'"`
	Duration       time.Duration `kong:"short='d',default='1s',help='Length of the profiling session. 0 profiles until the target exits.'"`
	MaxSamples     int           `kong:"name='max-samples',help='Stop after this many samples. 0 means unbounded.'"`
	ExcludeIdle    bool          `kong:"name='exclude-idle',short='x',help='Omit idle samples from the output.'"`
	Timestamp      bool          `kong:"short='t',help='Emit timestamped samples in capture order instead of collapsing.'"`

	LogLevel    string `kong:"name='log-level',enum='error,warn,info,debug',default='error',help='Log level.'"`
	HTTPAddress string `kong:"name='http-address',help='Address to bind the metrics/pprof HTTP server to. Empty disables it.'"`

	Version kong.VersionFlag `kong:"help='Print the build revision and exit.'"`
}

func main() {
	revision := "unknown"
	info, infoErr := buildinfo.Fetch()
	if infoErr == nil {
		revision = info.Revision()
	}

	flags := flags{}
	kong.Parse(&flags,
		kong.Name("pyscope"),
		kong.Description("Sampling profiler for running CPython processes."),
		kong.Vars{"version": revision},
	)

	logger := logger.NewLogger(flags.LogLevel, logger.LogFormatLogfmt, "pyscope")

	if infoErr == nil {
		level.Debug(logger).Log("msg", "starting", "revision", revision, "go", info.GoVersion)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Debug(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	if err := run(logger, reg, flags); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, reg *prometheus.Registry, flags flags) error {
	proc, err := procfs.NewProc(flags.Pid)
	if err != nil {
		return fmt.Errorf("no such process %d: %w", flags.Pid, err)
	}

	if ok, err := pyruntime.IsPython(proc); err != nil {
		return fmt.Errorf("inspecting pid %d: %w", flags.Pid, err)
	} else if !ok {
		return fmt.Errorf("pid %d does not look like a Python process", flags.Pid)
	}

	ctrl, err := ptrace.Seize(flags.Pid)
	if err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Detach(); err != nil {
			level.Warn(logger).Log("msg", "detach failed", "err", err)
		}
	}()

	mem := memory.NewVirtualMemory(flags.Pid)

	probeCtx, probeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer probeCancel()
	interp, err := pyruntime.ProbeWithRetry(probeCtx, proc, mem)
	if err != nil {
		return fmt.Errorf("probing interpreter of pid %d: %w", flags.Pid, err)
	}
	level.Info(logger).Log(
		"msg", "attached",
		"pid", flags.Pid,
		"python", interp.Version,
		"version_source", interp.VersionSource,
	)

	out := bufio.NewWriter(os.Stdout)
	var recorder flamegraph.Recorder
	if flags.Timestamp {
		recorder = flamegraph.NewTimestamped(out, flags.ExcludeIdle)
	} else {
		recorder = flamegraph.NewCollapsed(out, flags.ExcludeIdle)
	}

	s := sampler.New(logger, reg, ctrl, mem, interp, recorder, sampler.Config{
		Interval:   flags.SampleInterval,
		Duration:   flags.Duration,
		MaxSamples: flags.MaxSamples,
	})

	var g okrun.Group
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return s.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	if flags.HTTPAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		srv := &http.Server{Addr: flags.HTTPAddress, Handler: mux}

		g.Add(func() error {
			level.Info(logger).Log("msg", "http server listening", "addr", flags.HTTPAddress)
			return srv.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}
	g.Add(okrun.SignalHandler(context.Background(), os.Interrupt, unix.SIGTERM))

	err = g.Run()
	if flushErr := out.Flush(); flushErr != nil && err == nil {
		err = fmt.Errorf("flushing output: %w", flushErr)
	}

	var sig okrun.SignalError
	if errors.As(err, &sig) {
		level.Debug(logger).Log("msg", "interrupted", "signal", sig.Signal)
		return nil
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
