// Package memory is the namespaced key/value store shared by checks in a
// run. It holds arbitrary JSON-compatible values in memory and can persist
// to a JSON or CSV file; file-backed stores load on open and save after
// every mutation.
package memory

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Mode selects where values live.
type Mode string

const (
	ModeMemory Mode = "memory"
	ModeFile   Mode = "file"
)

// Format selects the on-disk encoding for file mode.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// DefaultNamespace receives operations that do not name a namespace.
const DefaultNamespace = "default"

// Options configure a store. Zero value means in-memory with defaults.
type Options struct {
	Mode      Mode
	File      string
	Format    Format
	Namespace string
}

func (o Options) withDefaults() (Options, error) {
	if o.Mode == "" {
		o.Mode = ModeMemory
	}
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.Mode == ModeFile {
		if o.File == "" {
			return o, fmt.Errorf("memory: file mode requires a file path")
		}
		if o.Format == "" {
			o.Format = FormatJSON
		}
		switch o.Format {
		case FormatJSON, FormatCSV:
		default:
			return o, fmt.Errorf("memory: unknown format %q", o.Format)
		}
	}
	return o, nil
}

// Store is safe for concurrent use. Concurrent writers to the same key are
// last-writer-wins; every read observes a fully applied prior write.
type Store struct {
	mu   sync.Mutex
	opts Options
	data map[string]map[string]any
}

// New opens a store, loading the backing file when it exists.
func New(opts Options) (*Store, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	s := &Store{opts: opts, data: map[string]map[string]any{}}
	if opts.Mode == ModeFile {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) ns(namespace string) string {
	if namespace == "" {
		return s.opts.Namespace
	}
	return namespace
}

// Get returns the value and whether it exists.
func (s *Store) Get(namespace, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data[s.ns(namespace)]
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// Set stores a value, overwriting any previous one.
func (s *Store) Set(namespace, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.ns(namespace)
	if s.data[ns] == nil {
		s.data[ns] = map[string]any{}
	}
	s.data[ns][key] = value
	return s.saveLocked()
}

// Append treats the value at key as a list and appends to it. A missing key
// becomes a single-element list; a non-list value is wrapped first.
func (s *Store) Append(namespace, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.ns(namespace)
	if s.data[ns] == nil {
		s.data[ns] = map[string]any{}
	}
	switch existing := s.data[ns][key].(type) {
	case nil:
		s.data[ns][key] = []any{value}
	case []any:
		s.data[ns][key] = append(existing, value)
	default:
		s.data[ns][key] = []any{existing, value}
	}
	return s.saveLocked()
}

// Increment adds delta to a numeric value, creating it at delta when absent.
// Non-numeric existing values are an error.
func (s *Store) Increment(namespace, key string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.ns(namespace)
	if s.data[ns] == nil {
		s.data[ns] = map[string]any{}
	}
	cur := 0.0
	switch existing := s.data[ns][key].(type) {
	case nil:
	case float64:
		cur = existing
	case int:
		cur = float64(existing)
	case int64:
		cur = float64(existing)
	case json.Number:
		f, err := existing.Float64()
		if err != nil {
			return 0, fmt.Errorf("memory: %s/%s is not numeric", ns, key)
		}
		cur = f
	default:
		return 0, fmt.Errorf("memory: %s/%s holds %T, cannot increment", ns, key, existing)
	}
	cur += delta
	s.data[ns][key] = cur
	if err := s.saveLocked(); err != nil {
		return 0, err
	}
	return cur, nil
}

// Delete removes a key. Deleting a missing key is a no-op.
func (s *Store) Delete(namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.ns(namespace)
	if m, ok := s.data[ns]; ok {
		delete(m, key)
		if len(m) == 0 {
			delete(s.data, ns)
		}
	}
	return s.saveLocked()
}

// Clear removes every key in the namespace.
func (s *Store) Clear(namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, s.ns(namespace))
	return s.saveLocked()
}

// List returns the namespace's keys sorted ascending.
func (s *Store) List(namespace string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.data[s.ns(namespace)]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetAll returns a copy of the namespace's key/value map.
func (s *Store) GetAll(namespace string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.data[s.ns(namespace)]
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Has reports whether the key exists.
func (s *Store) Has(namespace, key string) bool {
	_, ok := s.Get(namespace, key)
	return ok
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.opts.File)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("memory: load %s: %w", s.opts.File, err)
	}
	if len(raw) == 0 {
		return nil
	}
	switch s.opts.Format {
	case FormatJSON:
		var data map[string]map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("memory: parse %s: %w", s.opts.File, err)
		}
		if data != nil {
			s.data = data
		}
	case FormatCSV:
		rows, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
		if err != nil {
			return fmt.Errorf("memory: parse %s: %w", s.opts.File, err)
		}
		for i, row := range rows {
			if len(row) != 3 {
				return fmt.Errorf("memory: %s row %d has %d columns, want 3", s.opts.File, i+1, len(row))
			}
			ns, key, encoded := row[0], row[1], row[2]
			var value any
			if err := json.Unmarshal([]byte(encoded), &value); err != nil {
				return fmt.Errorf("memory: %s row %d value: %w", s.opts.File, i+1, err)
			}
			if s.data[ns] == nil {
				s.data[ns] = map[string]any{}
			}
			s.data[ns][key] = value
		}
	}
	return nil
}

// saveLocked persists the whole store; caller holds s.mu.
func (s *Store) saveLocked() error {
	if s.opts.Mode != ModeFile {
		return nil
	}
	if dir := filepath.Dir(s.opts.File); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("memory: save %s: %w", s.opts.File, err)
		}
	}
	var raw []byte
	switch s.opts.Format {
	case FormatJSON:
		b, err := json.MarshalIndent(s.data, "", "  ")
		if err != nil {
			return fmt.Errorf("memory: encode: %w", err)
		}
		raw = b
	case FormatCSV:
		var sb strings.Builder
		w := csv.NewWriter(&sb)
		for _, ns := range sortedKeys(s.data) {
			for _, key := range sortedKeys(s.data[ns]) {
				encoded, err := json.Marshal(s.data[ns][key])
				if err != nil {
					return fmt.Errorf("memory: encode %s/%s: %w", ns, key, err)
				}
				if err := w.Write([]string{ns, key, string(encoded)}); err != nil {
					return fmt.Errorf("memory: encode: %w", err)
				}
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return fmt.Errorf("memory: encode: %w", err)
		}
		raw = []byte(sb.String())
	}
	tmp := s.opts.File + ".tmp." + strconv.Itoa(os.Getpid())
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("memory: save %s: %w", s.opts.File, err)
	}
	if err := os.Rename(tmp, s.opts.File); err != nil {
		return fmt.Errorf("memory: save %s: %w", s.opts.File, err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
