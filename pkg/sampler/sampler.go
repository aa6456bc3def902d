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

// Package sampler drives the profiling session: it periodically freezes the
// target, reads the interpreter's thread and frame state out of its memory,
// resolves the frames to symbols, and hands the finished sample to a
// recorder. The target runs untouched between pauses.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pyscope-dev/pyscope/pkg/flamegraph"
	"github.com/pyscope-dev/pyscope/pkg/memory"
	"github.com/pyscope-dev/pyscope/pkg/profile"
	"github.com/pyscope-dev/pyscope/pkg/ptrace"
	"github.com/pyscope-dev/pyscope/pkg/pyruntime"
	"github.com/pyscope-dev/pyscope/pkg/symbol"
	"github.com/pyscope-dev/pyscope/pkg/unwind"
)

// Target pauses and resumes the traced process. Satisfied by
// *ptrace.Controller.
type Target interface {
	PauseAll() error
	ResumeAll() error
}

// Config holds the session parameters.
type Config struct {
	// Interval is the time between freeze cycles.
	Interval time.Duration
	// Duration bounds the whole session. Zero means run until the target
	// exits or the context is cancelled.
	Duration time.Duration
	// MaxSamples bounds the number of captured samples. Zero means
	// unbounded.
	MaxSamples int
}

type metrics struct {
	samples       *prometheus.CounterVec
	failures      prometheus.Counter
	pauseDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		samples: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pyscope_samples_total",
			Help: "Number of captured samples by state.",
		}, []string{"state"}),
		failures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pyscope_sample_failures_total",
			Help: "Number of freeze cycles that produced no sample.",
		}),
		pauseDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pyscope_pause_duration_seconds",
			Help:    "Time the target spent frozen per sample.",
			Buckets: prometheus.ExponentialBuckets(10e-6, 2, 12),
		}),
	}
}

// Sampler runs the periodic capture loop against one attached target.
type Sampler struct {
	logger   log.Logger
	target   Target
	mem      memory.Reader
	interp   *pyruntime.Interpreter
	unwinder *unwind.Unwinder
	resolver *symbol.Resolver
	recorder flamegraph.Recorder
	cfg      Config
	metrics  *metrics
}

func New(
	logger log.Logger,
	reg prometheus.Registerer,
	target Target,
	mem memory.Reader,
	interp *pyruntime.Interpreter,
	recorder flamegraph.Recorder,
	cfg Config,
) *Sampler {
	return &Sampler{
		logger:   logger,
		target:   target,
		mem:      mem,
		interp:   interp,
		unwinder: unwind.NewUnwinder(mem, interp.Layout),
		resolver: symbol.NewResolver(reg, mem, interp.Layout),
		recorder: recorder,
		cfg:      cfg,
		metrics:  newMetrics(reg),
	}
}

// Run captures samples until the configured duration or sample budget is
// spent, the context is cancelled, or the target exits. All of those are
// normal ends: the recorder is flushed and nil is returned. Only recorder
// write failures and unexpected tracing errors are reported.
func (s *Sampler) Run(ctx context.Context) error {
	start := time.Now()
	var deadline time.Time
	if s.cfg.Duration > 0 {
		deadline = start.Add(s.cfg.Duration)
	}

	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	// Symbol addresses mean nothing past this attachment.
	defer s.resolver.Purge()

	captured := 0
loop:
	for {
		sample, err := s.capture()
		switch {
		case errors.Is(err, ptrace.ErrTargetExited):
			level.Debug(s.logger).Log("msg", "target exited, ending session")
			break loop
		case err != nil:
			s.metrics.failures.Inc()
			level.Debug(s.logger).Log("msg", "sample failed", "err", err)
		default:
			if err := s.recorder.Record(sample); err != nil {
				return fmt.Errorf("recording sample: %w", err)
			}
			captured++
		}

		if s.cfg.MaxSamples > 0 && captured >= s.cfg.MaxSamples {
			break
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
	}

	return s.recorder.Flush()
}

// capture runs one freeze cycle. The target is resumed on every path; a
// resume failure for a live target is surfaced over any capture error.
func (s *Sampler) capture() (profile.Sample, error) {
	pausedAt := time.Now()
	if err := s.target.PauseAll(); err != nil {
		return profile.Sample{}, err
	}

	sample, captureErr := s.snapshot()

	resumeErr := s.target.ResumeAll()
	s.metrics.pauseDuration.Observe(time.Since(pausedAt).Seconds())
	if resumeErr != nil {
		return profile.Sample{}, resumeErr
	}
	if captureErr != nil {
		return profile.Sample{}, captureErr
	}

	if sample.Idle {
		s.metrics.samples.WithLabelValues("idle").Inc()
	} else {
		s.metrics.samples.WithLabelValues("stacks").Inc()
	}
	return sample, nil
}

// snapshot reads the interpreter state while the target is frozen.
func (s *Sampler) snapshot() (profile.Sample, error) {
	ts := time.Now()

	current, err := memory.Uint64(s.mem, s.interp.Anchors.ThreadStateCurrent)
	if err != nil {
		return profile.Sample{}, fmt.Errorf("reading current thread state: %w", err)
	}
	if current == 0 {
		// No thread holds the interpreter: the process is idle.
		return profile.Sample{Timestamp: ts, Idle: true}, nil
	}

	interpHead, err := memory.Uint64(s.mem, s.interp.Anchors.InterpHead)
	if err != nil {
		return profile.Sample{}, fmt.Errorf("reading interpreter head: %w", err)
	}

	tstates, err := s.unwinder.ThreadStates(interpHead)
	if err != nil && len(tstates) == 0 {
		return profile.Sample{}, fmt.Errorf("walking thread states: %w", err)
	}

	var traces []profile.Trace
	for _, tstate := range tstates {
		raw, err := s.unwinder.Unwind(tstate)
		if err != nil {
			level.Debug(s.logger).Log("msg", "partial unwind", "tstate", fmt.Sprintf("%#x", tstate), "err", err)
		}
		if len(raw) == 0 {
			continue
		}
		frames := make([]profile.SymbolInfo, len(raw))
		for i, f := range raw {
			frames[i] = s.resolver.Resolve(f.CodeAddr)
		}
		traces = append(traces, profile.Trace{ThreadState: tstate, Frames: frames})
	}

	if len(traces) == 0 {
		// Threads exist but none is executing Python code.
		return profile.Sample{Timestamp: ts, Idle: true}, nil
	}
	return profile.Sample{Timestamp: ts, Traces: traces}, nil
}
