// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	log "github.com/sirupsen/logrus"
)

// Override adjusts a built-in profile. It is read from <persona>.yaml files in
// the profiles directory. List fields are appended unless Replace is set.
type Override struct {
	Priority   *int     `yaml:"priority"`
	Keywords   []string `yaml:"keywords"`
	Verbs      []string `yaml:"verbs"`
	Frameworks []string `yaml:"frameworks"`
	Languages  []string `yaml:"languages"`
	Replace    bool     `yaml:"replace"`
}

// Registry holds the persona profiles.
type Registry struct {
	mu       sync.RWMutex
	profiles map[Name]Profile
}

// NewRegistry creates a registry with the default profiles.
func NewRegistry() *Registry {
	return &Registry{profiles: DefaultProfiles()}
}

// Get returns the profile of name.
func (r *Registry) Get(name Name) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, &UnknownPersonaError{Name: string(name)}
	}
	return p.clone(), nil
}

// Profiles returns every profile in declaration order.
func (r *Registry) Profiles() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.profiles))
	for _, n := range All() {
		out = append(out, r.profiles[n].clone())
	}
	return out
}

// Apply merges o into the profile of name.
func (r *Registry) Apply(name Name, o Override) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[name]
	if !ok {
		return &UnknownPersonaError{Name: string(name)}
	}
	if o.Priority != nil {
		p.Priority = *o.Priority
	}
	merge := func(dst *[]string, src []string) {
		if len(src) == 0 {
			return
		}
		if o.Replace {
			*dst = nil
		}
		for _, s := range src {
			s = strings.ToLower(strings.TrimSpace(s))
			if s != "" && !slices.Contains(*dst, s) {
				*dst = append(*dst, s)
			}
		}
	}
	p = p.clone()
	merge(&p.Keywords, o.Keywords)
	merge(&p.Verbs, o.Verbs)
	merge(&p.Frameworks, o.Frameworks)
	merge(&p.Languages, o.Languages)
	r.profiles[name] = p
	return nil
}

// LoadOverrides applies every <persona>.yaml file in dir. Files naming an
// unknown persona or failing to parse are logged and skipped. A missing
// directory is not an error.
func (r *Registry) LoadOverrides(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debugf("persona profiles directory %s does not exist, skipping", dir)
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read persona profiles directory: %w", err)
	}

	applied := 0
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		name, err := Parse(strings.TrimSuffix(entry.Name(), ext))
		if err != nil {
			log.Warnf("skipping persona override %s: %v", entry.Name(), err)
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Warnf("failed to read persona override %s: %v", entry.Name(), err)
			continue
		}
		var o Override
		if err := yaml.Unmarshal(data, &o); err != nil {
			log.Warnf("failed to parse persona override %s: %v", entry.Name(), err)
			continue
		}
		if err := r.Apply(name, o); err != nil {
			return applied, err
		}
		applied++
		log.Infof("applied persona override: %s", name)
	}
	return applied, nil
}
