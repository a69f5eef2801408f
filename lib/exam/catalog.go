// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package exam

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/vigil-proctoring/vigil/lib/integrity"
)

// Catalog holds the exams a service can run. It is safe for concurrent
// use.
type Catalog struct {
	mu    sync.RWMutex
	exams map[string]Exam
}

func NewCatalog(exams ...Exam) *Catalog {
	c := &Catalog{exams: make(map[string]Exam)}
	for _, e := range exams {
		c.exams[e.ID] = e
	}
	return c
}

// LoadDir reads every *.json and *.jsonc file in dir. Duplicate ids
// across files are an error.
func LoadDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("exam: reading %s: %w", dir, err)
	}
	c := NewCatalog()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".jsonc")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("exam: %w", err)
		}
		e, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if err := c.Add(e); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return c, nil
}

// Add registers an exam. An id already present is an error.
func (c *Catalog) Add(e Exam) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("exam %s: %w", e.ID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.exams[e.ID]; exists {
		return fmt.Errorf("exam: duplicate exam id %q", e.ID)
	}
	c.exams[e.ID] = e
	return nil
}

func (c *Catalog) Get(id string) (Exam, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.exams[id]
	if !ok {
		return Exam{}, fmt.Errorf("exam %q: %w", id, integrity.ErrNotFound)
	}
	return e, nil
}

// List returns all exams ordered by id.
func (c *Catalog) List() []Exam {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := make([]Exam, 0, len(c.exams))
	for _, e := range c.exams {
		list = append(list, e)
	}
	slices.SortFunc(list, func(a, b Exam) int { return cmp.Compare(a.ID, b.ID) })
	return list
}
