// Package config loads the typed configuration object consumed at
// startup and on reload (spec.md §6). Byte-size fields accept
// human-readable suffixes ("5GB") via github.com/docker/go-units, the
// same convenience the teacher's own fs.SizeSuffix option type offers.
package config

import (
	"os"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/mergefs/vfsd/internal/model"
)

// SyncPairSpec is the YAML-facing shape of a model.SyncPair; sizes are
// strings on the wire ("5GB") and parsed into bytes at load time.
type SyncPairSpec struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	LocalRoot        string   `yaml:"local_root"`
	ExternalRoot     string   `yaml:"external_root"`
	Target           string   `yaml:"target"`
	Direction        string   `yaml:"direction"` // "local_to_external" | "external_to_local" | "bidirectional"
	ExcludePatterns  []string `yaml:"exclude_patterns"`
	MaxFileSize      string   `yaml:"max_file_size"`
	IncludeHidden    bool     `yaml:"include_hidden"`
	FollowSymlinks   bool     `yaml:"follow_symlinks"`
	ExternalReadOnly bool     `yaml:"external_readonly"`
	CaseInsensitive  bool     `yaml:"case_insensitive"`
}

// SyncEngineSpec configures internal/diff and internal/syncexec.
type SyncEngineSpec struct {
	EnableChecksum        bool   `yaml:"enable_checksum"`
	ChecksumAlgorithm     string `yaml:"checksum_algorithm"` // md5 | sha256 | xxhash64
	VerifyAfterCopy       bool   `yaml:"verify_after_copy"`
	ConflictStrategy      string `yaml:"conflict_strategy"`
	BackupSuffix          string `yaml:"backup_suffix"`
	EnableDelete          bool   `yaml:"enable_delete"`
	ParallelOperations    int    `yaml:"parallel_operations"`
	StateCheckpointIntvl  int    `yaml:"state_checkpoint_interval"`
	TimeToleranceSeconds  int    `yaml:"time_tolerance_seconds"`
	IgnorePermissions     bool   `yaml:"ignore_permissions"`
	CompareChecksums      bool   `yaml:"compare_checksums"`
	BandwidthLimit        string `yaml:"bandwidth_limit"` // e.g. "10MB", empty = unlimited
}

// EvictionSpec configures internal/eviction.
type EvictionSpec struct {
	TriggerThreshold string `yaml:"trigger_threshold"`
	TargetFreeSpace  string `yaml:"target_free_space"`
	AutoEnabled      bool   `yaml:"auto_enabled"`
}

// Spec is the root of the YAML configuration file.
type Spec struct {
	SyncPairs   []SyncPairSpec `yaml:"sync_pairs"`
	SyncEngine  SyncEngineSpec `yaml:"sync_engine"`
	Eviction    EvictionSpec   `yaml:"eviction"`
	LockTTLSecs int            `yaml:"lock_ttl_seconds"`
	DataDir     string         `yaml:"data_dir"`
}

// Config is the parsed, byte-resolved configuration consumed by internal/core.
type Config struct {
	Pairs      []model.SyncPair
	SyncEngine SyncEngineResolved
	Eviction   EvictionResolved
	LockTTL    int64 // seconds
	DataDir    string
}

// SyncEngineResolved is SyncEngineSpec after string->enum/byte resolution.
type SyncEngineResolved struct {
	EnableChecksum     bool
	ChecksumAlgorithm  string
	VerifyAfterCopy    bool
	ConflictStrategy   model.ConflictStrategy
	BackupSuffix       string
	EnableDelete       bool
	ParallelOperations int
	CheckpointInterval int
	TimeTolerance      int64 // seconds
	IgnorePermissions  bool
	CompareChecksums   bool
	BandwidthLimitBps  int64 // bytes/sec, 0 = unlimited
}

// EvictionResolved is EvictionSpec after byte-size resolution.
type EvictionResolved struct {
	TriggerThresholdBytes int64
	TargetFreeSpaceBytes  int64
	AutoEnabled           bool
}

// Load reads and resolves a YAML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	var spec Spec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	return Resolve(&spec)
}

// Resolve converts a parsed Spec into a Config, applying every spec.md §6
// default and validating every enum.
func Resolve(spec *Spec) (*Config, error) {
	cfg := &Config{DataDir: spec.DataDir}

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}

	cfg.LockTTL = int64(spec.LockTTLSecs)
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 600 // 10 minutes, spec.md §6 default
	}

	for _, p := range spec.SyncPairs {
		pair, err := resolvePair(p)
		if err != nil {
			return nil, errors.Wrapf(err, "sync pair %q", p.Name)
		}
		cfg.Pairs = append(cfg.Pairs, pair)
	}

	resolvedEngine, err := resolveSyncEngine(spec.SyncEngine)
	if err != nil {
		return nil, err
	}
	cfg.SyncEngine = resolvedEngine

	resolvedEviction, err := resolveEviction(spec.Eviction)
	if err != nil {
		return nil, err
	}
	cfg.Eviction = resolvedEviction

	return cfg, nil
}

func resolvePair(p SyncPairSpec) (model.SyncPair, error) {
	dir, err := parseDirection(p.Direction)
	if err != nil {
		return model.SyncPair{}, err
	}
	maxSize, err := parseSizeOrZero(p.MaxFileSize)
	if err != nil {
		return model.SyncPair{}, errors.Wrap(err, "max_file_size")
	}
	patterns := p.ExcludePatterns
	if patterns == nil {
		patterns = model.DefaultExcludePatterns
	}
	return model.SyncPair{
		ID:               p.ID,
		Name:             p.Name,
		LocalRoot:        p.LocalRoot,
		ExternalRoot:     p.ExternalRoot,
		Target:           p.Target,
		Direction:        dir,
		ExternalReadOnly: p.ExternalReadOnly,
		CaseInsensitive:  p.CaseInsensitive,
		Filters: model.Filters{
			ExcludePatterns: patterns,
			MaxFileSize:     maxSize,
			IncludeHidden:   p.IncludeHidden,
			FollowSymlinks:  p.FollowSymlinks,
		},
	}, nil
}

func parseDirection(s string) (model.Direction, error) {
	switch s {
	case "", "local_to_external":
		return model.LocalToExternal, nil
	case "external_to_local":
		return model.ExternalToLocal, nil
	case "bidirectional":
		return model.Bidirectional, nil
	default:
		return 0, errors.Errorf("unknown sync direction %q", s)
	}
}

func parseSizeOrZero(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return units.RAMInBytes(s)
}

func resolveSyncEngine(s SyncEngineSpec) (SyncEngineResolved, error) {
	algorithm := s.ChecksumAlgorithm
	if algorithm == "" {
		algorithm = "sha256"
	}
	switch algorithm {
	case "md5", "sha256", "xxhash64":
	default:
		return SyncEngineResolved{}, errors.Errorf("unknown checksum_algorithm %q", algorithm)
	}
	strategyName := s.ConflictStrategy
	if strategyName == "" {
		strategyName = "newer_wins"
	}
	strategy, ok := model.ParseConflictStrategy(strategyName)
	if !ok {
		return SyncEngineResolved{}, errors.Errorf("unknown conflict_strategy %q", strategyName)
	}
	parallel := s.ParallelOperations
	if parallel < 1 {
		parallel = 1
	}
	checkpoint := s.StateCheckpointIntvl
	if checkpoint <= 0 {
		checkpoint = 50 // spec.md §6 default N
	}
	tolerance := s.TimeToleranceSeconds
	if tolerance <= 0 {
		tolerance = 2 // spec.md §4.5 default 2s
	}
	backupSuffix := s.BackupSuffix
	if backupSuffix == "" {
		backupSuffix = ".bak"
	}
	bwLimit, err := parseSizeOrZero(s.BandwidthLimit)
	if err != nil {
		return SyncEngineResolved{}, errors.Wrap(err, "bandwidth_limit")
	}
	return SyncEngineResolved{
		EnableChecksum:     s.EnableChecksum,
		ChecksumAlgorithm:  algorithm,
		VerifyAfterCopy:    s.VerifyAfterCopy,
		ConflictStrategy:   strategy,
		BackupSuffix:       backupSuffix,
		EnableDelete:       s.EnableDelete,
		ParallelOperations: parallel,
		CheckpointInterval: checkpoint,
		TimeTolerance:      int64(tolerance),
		IgnorePermissions:  s.IgnorePermissions,
		CompareChecksums:   s.CompareChecksums,
		BandwidthLimitBps:  bwLimit,
	}, nil
}

func resolveEviction(s EvictionSpec) (EvictionResolved, error) {
	trigger, err := parseSizeOrZero(s.TriggerThreshold)
	if err != nil {
		return EvictionResolved{}, errors.Wrap(err, "trigger_threshold")
	}
	target, err := parseSizeOrZero(s.TargetFreeSpace)
	if err != nil {
		return EvictionResolved{}, errors.Wrap(err, "target_free_space")
	}
	return EvictionResolved{
		TriggerThresholdBytes: trigger,
		TargetFreeSpaceBytes:  target,
		AutoEnabled:           s.AutoEnabled,
	}, nil
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.local/share/vfsd"
	}
	return "/var/lib/vfsd"
}
