// config.go - Machine configuration: defaults, YAML loading, validation

package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// VMConfig is the explicit configuration struct threaded through
// construction. There are no global registries: everything a subsystem
// needs arrives here.
type VMConfig struct {
	GuestArch  string `yaml:"guest_arch"`
	VCPUCount  int    `yaml:"vcpu_count"`
	MemorySize uint64 `yaml:"memory_size"`
	ExecMode   string `yaml:"exec_mode"`

	TLBL1Capacity int `yaml:"tlb_l1_capacity"`
	TLBL2Capacity int `yaml:"tlb_l2_capacity"`
	TLBL3Capacity int `yaml:"tlb_l3_capacity"`

	TranslationCacheMaxEntries int    `yaml:"translation_cache_max_entries"`
	CachePolicy                string `yaml:"cache_policy"`
	MaxChainLength             int    `yaml:"max_chain_length"`

	GCYoungRatio         float64 `yaml:"gc_young_ratio"`
	GCPromotionThreshold int     `yaml:"gc_promotion_threshold"`
	GCMarkQuotaUs        int64   `yaml:"gc_mark_quota_us"`
	GCSweepQuotaUs       int64   `yaml:"gc_sweep_quota_us"`
	GCEnableCards        bool    `yaml:"gc_enable_cards"`

	OptimizationLevel int `yaml:"optimization_level"`

	CompileWorkers   int   `yaml:"compile_workers"`
	CompileTimeoutMs int64 `yaml:"compile_timeout_ms"`

	DebugPort int    `yaml:"debug_port"` // 0 disables the remote probe
	LogLevel  string `yaml:"log_level"`
}

// DefaultVMConfig returns a runnable configuration for the given guest.
func DefaultVMConfig(guestArch string) VMConfig {
	return VMConfig{
		GuestArch:                  guestArch,
		VCPUCount:                  1,
		MemorySize:                 DEFAULT_GUEST_MEMORY,
		ExecMode:                   "Tiered",
		TLBL1Capacity:              64,
		TLBL2Capacity:              512,
		TLBL3Capacity:              4096,
		TranslationCacheMaxEntries: 4096,
		CachePolicy:                "AdaptiveLRU",
		MaxChainLength:             16,
		GCYoungRatio:               0.3,
		GCPromotionThreshold:       3,
		GCMarkQuotaUs:              1000,
		GCSweepQuotaUs:             500,
		GCEnableCards:              true,
		OptimizationLevel:          2,
		CompileWorkers:             2,
		CompileTimeoutMs:           500,
		LogLevel:                   "info",
	}
}

// LoadVMConfig reads a YAML config file over the defaults.
func LoadVMConfig(path string) (VMConfig, error) {
	cfg := DefaultVMConfig("")
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

func isPow2(n int) bool { return n > 0 && n&(n-1) == 0 }

// Validate checks every recognised option's domain.
func (c *VMConfig) Validate() error {
	if _, err := ParseArch(c.GuestArch); err != nil {
		return fmt.Errorf("guest_arch: %w", err)
	}
	if c.VCPUCount < 1 || c.VCPUCount > runtime.NumCPU() {
		return fmt.Errorf("vcpu_count %d outside [1, %d]", c.VCPUCount, runtime.NumCPU())
	}
	if c.MemorySize == 0 || c.MemorySize&GUEST_PAGE_MASK != 0 {
		return fmt.Errorf("memory_size 0x%X not page-aligned", c.MemorySize)
	}
	if _, ok := ParseExecMode(c.ExecMode); !ok {
		return fmt.Errorf("exec_mode %q unknown", c.ExecMode)
	}
	for _, v := range []struct {
		name string
		val  int
	}{
		{"tlb_l1_capacity", c.TLBL1Capacity},
		{"tlb_l2_capacity", c.TLBL2Capacity},
		{"tlb_l3_capacity", c.TLBL3Capacity},
	} {
		if !isPow2(v.val) {
			return fmt.Errorf("%s %d is not a power of two", v.name, v.val)
		}
	}
	if c.TranslationCacheMaxEntries < 1 {
		return fmt.Errorf("translation_cache_max_entries must be positive")
	}
	if _, ok := ParseCachePolicy(c.CachePolicy); !ok {
		return fmt.Errorf("cache_policy %q unknown", c.CachePolicy)
	}
	if c.GCYoungRatio <= 0 || c.GCYoungRatio >= 1 {
		return fmt.Errorf("gc_young_ratio %v outside (0,1)", c.GCYoungRatio)
	}
	if c.GCPromotionThreshold < 1 || c.GCPromotionThreshold > 16 {
		return fmt.Errorf("gc_promotion_threshold %d outside [1,16]", c.GCPromotionThreshold)
	}
	if c.OptimizationLevel < 0 || c.OptimizationLevel > 3 {
		return fmt.Errorf("optimization_level %d outside [0,3]", c.OptimizationLevel)
	}
	return nil
}

func (c *VMConfig) execMode() ExecMode {
	m, _ := ParseExecMode(c.ExecMode)
	return m
}

func (c *VMConfig) cachePolicy() CachePolicy {
	p, _ := ParseCachePolicy(c.CachePolicy)
	return p
}

func (c *VMConfig) guestArch() Arch {
	a, _ := ParseArch(c.GuestArch)
	return a
}

func (c *VMConfig) logLevel() LogLevel {
	switch c.LogLevel {
	case "debug":
		return LOG_DEBUG
	case "warn":
		return LOG_WARN
	case "error":
		return LOG_ERROR
	case "off":
		return LOG_OFF
	default:
		return LOG_INFO
	}
}

func (c *VMConfig) compileTimeout() time.Duration {
	return time.Duration(c.CompileTimeoutMs) * time.Millisecond
}
