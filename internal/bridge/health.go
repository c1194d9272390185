// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bridge

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/hookbridge/internal/buildinfo"
	"github.com/traylinx/hookbridge/internal/persona"
)

// sampleInterval bounds how often process statistics are read.
const sampleInterval = 5 * time.Second

// Health is the periodic snapshot exported to health consumers.
type Health struct {
	Status                string        `json:"status"`
	Version               string        `json:"version"`
	Uptime                time.Duration `json:"uptime"`
	ActivationCount       int64         `json:"activationCount"`
	AverageActivationTime float64       `json:"averageActivationTime"`
	CollaborationCount    int64         `json:"collaborationCount"`
	ChainExecutions       int64         `json:"chainExecutions"`
	ErrorRate             float64       `json:"errorRate"`
	MemoryUsage           uint64        `json:"memoryUsage"`
	MemoryPercent         float64       `json:"memoryPercent"`
	CPUUsage              float64       `json:"cpuUsage"`
	OpenBreakers          int           `json:"openBreakers"`
}

// ProcessSample is one reading of the bridge process resources.
type ProcessSample struct {
	CPUPercent    float64
	MemoryRSS     uint64
	MemoryPercent float64
	TakenAt       time.Time
}

// sampler reads process statistics at most once per sampleInterval.
type sampler struct {
	now func() time.Time

	mu   sync.Mutex
	proc *process.Process
	last ProcessSample
}

func newSampler(now func() time.Time) *sampler {
	s := &sampler{now: now}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warnf("process statistics unavailable: %v", err)
		return s
	}
	s.proc = p
	return s
}

func (s *sampler) sample() ProcessSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.proc == nil || (!s.last.TakenAt.IsZero() && now.Sub(s.last.TakenAt) < sampleInterval) {
		return s.last
	}
	next := ProcessSample{TakenAt: now}
	if v, err := s.proc.CPUPercent(); err == nil {
		next.CPUPercent = v
	}
	if mi, err := s.proc.MemoryInfo(); err == nil {
		next.MemoryRSS = mi.RSS
	}
	if v, err := s.proc.MemoryPercent(); err == nil {
		next.MemoryPercent = float64(v)
	}
	s.last = next
	return next
}

// systemMetrics feeds live load into the persona performance sub-score.
func (s *Service) systemMetrics() *persona.SystemMetrics {
	ps := s.sampler.sample()
	overall := s.tracker.Overall()
	return &persona.SystemMetrics{
		ResponseTime:  overall.AverageTime,
		CPUPercent:    ps.CPUPercent,
		MemoryPercent: ps.MemoryPercent,
		ErrorRate:     overall.ErrorRate,
	}
}

// Health returns the current health snapshot.
func (s *Service) Health() Health {
	ps := s.sampler.sample()
	act := s.personas.Stats()
	co := s.collab.Stats()
	h := Health{
		Status:                "ok",
		Version:               buildinfo.Version,
		Uptime:                s.now().Sub(s.started),
		ActivationCount:       act.ActivationCount,
		AverageActivationTime: float64(act.AverageActivationTime) / float64(time.Millisecond),
		CollaborationCount:    co.Collaborations,
		ChainExecutions:       co.ChainExecutions,
		ErrorRate:             s.tracker.Overall().ErrorRate,
		MemoryUsage:           ps.MemoryRSS,
		MemoryPercent:         ps.MemoryPercent,
		CPUUsage:              ps.CPUPercent,
	}
	for _, b := range s.breakers.Snapshot() {
		if s.breakers.IsOpen(b.Operation) {
			h.OpenBreakers++
		}
	}
	if h.OpenBreakers > 0 || h.ErrorRate > 0.1 {
		h.Status = "degraded"
	}
	return h
}
