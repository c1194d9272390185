// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import "time"

// Record is the value type stored by the domain caches.
type Record = map[string]any

// Domains groups the independently sized caches for semantic analysis and
// language-server results. The two never share eviction or expiry state.
type Domains struct {
	Semantic *TTLCache[Record]
	LSP      *TTLCache[Record]
}

// Sizing bounds one domain cache.
type Sizing struct {
	MaxSize int
	TTL     time.Duration
}

// NewDomains creates the semantic and LSP caches.
func NewDomains(semantic, lsp Sizing, sweepInterval time.Duration) *Domains {
	return &Domains{
		Semantic: New[Record](Options{Name: "semantic", MaxSize: semantic.MaxSize, TTL: semantic.TTL, SweepInterval: sweepInterval}),
		LSP:      New[Record](Options{Name: "lsp", MaxSize: lsp.MaxSize, TTL: lsp.TTL, SweepInterval: sweepInterval}),
	}
}

// Invalidate removes matching keys from both caches and returns the total removed.
func (d *Domains) Invalidate(pattern string) int {
	return d.Semantic.Invalidate(pattern) + d.LSP.Invalidate(pattern)
}

// Metrics returns per-domain metrics keyed by cache name.
func (d *Domains) Metrics() map[string]Metrics {
	return map[string]Metrics{
		"semantic": d.Semantic.Metrics(),
		"lsp":      d.LSP.Metrics(),
	}
}

// Close stops both sweepers.
func (d *Domains) Close() {
	d.Semantic.Close()
	d.LSP.Close()
}
