package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"strata/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultJobTimeout bounds a single execution when the registry entry does
// not set one.
const DefaultJobTimeout = 10 * time.Minute

// JobSpec describes one scheduled process from the registry file.
type JobSpec struct {
	Name          string   `yaml:"name"`
	Schedule      string   `yaml:"schedule"`
	Timeout       string   `yaml:"timeout"`
	Dependencies  []string `yaml:"dependencies"`
	MaxExecutions int      `yaml:"max_executions"`
	Daily         bool     `yaml:"daily"`
	Entry         string   `yaml:"entry"`

	schedule cron.Schedule
	timeout  time.Duration
}

// NextActivation returns the first scheduled activation strictly after t.
func (j JobSpec) NextActivation(t time.Time) time.Time {
	if j.schedule == nil {
		return time.Time{}
	}
	return j.schedule.Next(t)
}

// TimeoutDuration returns the execution ceiling for this job.
func (j JobSpec) TimeoutDuration() time.Duration {
	if j.timeout <= 0 {
		return DefaultJobTimeout
	}
	return j.timeout
}

// FileConfig maps the processes registry file.
type FileConfig struct {
	Processes map[string]JobSpec `yaml:"processes"`
}

// Snapshot is the published view of the registry. Jobs are ordered by name so
// sequential execution is deterministic.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Jobs     []JobSpec
}

// ChangeListener fires after a successful reload.
type ChangeListener func(Snapshot)

// Registry loads job definitions and watches the file for updates.
type Registry struct {
	path   string
	v      *viper.Viper
	schema *jsonschema.Schema

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry reads the registry file and starts watching it.
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("process registry requires path")
	}
	schema, err := compileRegistrySchema()
	if err != nil {
		return nil, fmt.Errorf("compile registry schema failed: %w", err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read process registry failed: %w", err)
	}
	r := &Registry{path: path, v: v, schema: schema}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("process registry reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// Snapshot returns the current job set.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Job returns the spec for one process name.
func (r *Registry) Job(name string) (JobSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name = strings.TrimSpace(name)
	for _, j := range r.snapshot.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobSpec{}, false
}

// Subscribe registers a listener and immediately delivers the current snapshot.
func (r *Registry) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	snap := cloneSnapshot(r.snapshot)
	r.mu.Unlock()
	fn(snap)
}

func (r *Registry) reload() error {
	cfg, err := readRegistryFile(r.path, r.schema)
	if err != nil {
		return err
	}
	jobs := make([]JobSpec, 0, len(cfg.Processes))
	for name, spec := range cfg.Processes {
		norm, err := normalizeJob(name, spec)
		if err != nil {
			return fmt.Errorf("process %q: %w", name, err)
		}
		jobs = append(jobs, norm)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Name < jobs[k].Name })
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Jobs:     jobs,
	}
	r.mu.Unlock()
	logger.Infof("Process registry loaded %d jobs from %s", len(jobs), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		go func(cb ChangeListener) {
			defer safeRecover("process registry listener")
			cb(snap)
		}(fn)
	}
}

func normalizeJob(name string, spec JobSpec) (JobSpec, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		spec.Name = strings.TrimSpace(name)
	}
	if spec.Name == "" {
		return JobSpec{}, fmt.Errorf("job requires name")
	}
	spec.Entry = strings.TrimSpace(spec.Entry)
	if spec.Entry == "" {
		spec.Entry = spec.Name
	}
	spec.Schedule = strings.TrimSpace(spec.Schedule)
	sched, err := cron.ParseStandard(spec.Schedule)
	if err != nil {
		return JobSpec{}, fmt.Errorf("parse schedule %q failed: %w", spec.Schedule, err)
	}
	spec.schedule = sched
	if raw := strings.TrimSpace(spec.Timeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return JobSpec{}, fmt.Errorf("invalid timeout %q", raw)
		}
		spec.timeout = d
	}
	deps := make([]string, 0, len(spec.Dependencies))
	seen := make(map[string]bool)
	for _, dep := range spec.Dependencies {
		dep = strings.TrimSpace(dep)
		if dep == "" || seen[dep] {
			continue
		}
		if dep == spec.Name {
			return JobSpec{}, fmt.Errorf("job depends on itself")
		}
		seen[dep] = true
		deps = append(deps, dep)
	}
	spec.Dependencies = deps
	if spec.MaxExecutions < 0 {
		return JobSpec{}, fmt.Errorf("max_executions must be >= 0")
	}
	// Daily jobs default to a single run per calendar date.
	if spec.Daily && spec.MaxExecutions == 0 {
		spec.MaxExecutions = 1
	}
	return spec, nil
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Jobs:     make([]JobSpec, len(src.Jobs)),
	}
	copy(dst.Jobs, src.Jobs)
	return dst
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}

const registrySchemaJSON = `{
  "type": "object",
  "properties": {
    "processes": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "schedule": {"type": "string", "minLength": 1},
          "timeout": {"type": "string"},
          "dependencies": {"type": "array", "items": {"type": "string"}},
          "max_executions": {"type": "integer", "minimum": 0},
          "daily": {"type": "boolean"},
          "entry": {"type": "string"}
        },
        "required": ["schedule"],
        "additionalProperties": false
      }
    }
  },
  "required": ["processes"],
  "additionalProperties": false
}`

func compileRegistrySchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("processes.json", strings.NewReader(registrySchemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile("processes.json")
}

func readRegistryFile(path string, schema *jsonschema.Schema) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read process registry failed: %w", err)
	}
	if schema != nil {
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return FileConfig{}, fmt.Errorf("parse process registry failed: %w", err)
		}
		normalized, err := jsonCompatible(doc)
		if err != nil {
			return FileConfig{}, err
		}
		if err := schema.Validate(normalized); err != nil {
			return FileConfig{}, fmt.Errorf("process registry schema: %w", err)
		}
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse process registry failed: %w", err)
	}
	return cfg, nil
}

// jsonCompatible round-trips a yaml document through encoding/json so the
// schema validator sees json-typed values.
func jsonCompatible(doc any) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode process registry failed: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode process registry failed: %w", err)
	}
	return out, nil
}
