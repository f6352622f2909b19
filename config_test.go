// config_test.go - Configuration validation and YAML loading tests

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfigDefaultsValidate: the shipped defaults pass validation for
// every guest architecture.
func TestConfigDefaultsValidate(t *testing.T) {
	for _, arch := range []string{"x86_64", "aarch64", "riscv64"} {
		cfg := DefaultVMConfig(arch)
		assert.NoError(t, cfg.Validate(), arch)
	}
}

// TestConfigRejectsBadValues walks each option's domain boundary.
func TestConfigRejectsBadValues(t *testing.T) {
	mutate := []struct {
		name string
		fn   func(*VMConfig)
	}{
		{"bad arch", func(c *VMConfig) { c.GuestArch = "mips" }},
		{"zero vcpus", func(c *VMConfig) { c.VCPUCount = 0 }},
		{"unaligned memory", func(c *VMConfig) { c.MemorySize = 12345 }},
		{"bad exec mode", func(c *VMConfig) { c.ExecMode = "Turbo" }},
		{"non-pow2 tlb", func(c *VMConfig) { c.TLBL1Capacity = 48 }},
		{"zero cache entries", func(c *VMConfig) { c.TranslationCacheMaxEntries = 0 }},
		{"bad policy", func(c *VMConfig) { c.CachePolicy = "Random" }},
		{"young ratio 0", func(c *VMConfig) { c.GCYoungRatio = 0 }},
		{"young ratio 1", func(c *VMConfig) { c.GCYoungRatio = 1 }},
		{"promotion 0", func(c *VMConfig) { c.GCPromotionThreshold = 0 }},
		{"promotion 17", func(c *VMConfig) { c.GCPromotionThreshold = 17 }},
		{"opt level 4", func(c *VMConfig) { c.OptimizationLevel = 4 }},
	}
	for _, tc := range mutate {
		cfg := DefaultVMConfig("riscv64")
		tc.fn(&cfg)
		assert.Error(t, cfg.Validate(), tc.name)
	}
}

// TestConfigYAMLLoad: file values override defaults.
func TestConfigYAMLLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.yaml")
	yaml := `
guest_arch: aarch64
vcpu_count: 1
memory_size: 33554432
exec_mode: Baseline
cache_policy: ARC
translation_cache_max_entries: 512
gc_young_ratio: 0.4
optimization_level: 1
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadVMConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "aarch64", cfg.GuestArch)
	assert.Equal(t, "Baseline", cfg.ExecMode)
	assert.Equal(t, POLICY_ARC, cfg.cachePolicy())
	assert.Equal(t, 512, cfg.TranslationCacheMaxEntries)
	assert.InDelta(t, 0.4, cfg.GCYoungRatio, 1e-9)
	// Untouched keys keep their defaults.
	assert.Equal(t, 64, cfg.TLBL1Capacity)
}

// TestConfigYAMLRejectsInvalid: a syntactically valid file with an invalid
// option fails validation at load time.
func TestConfigYAMLRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("guest_arch: riscv64\ntlb_l1_capacity: 3\n"), 0o644))
	_, err := LoadVMConfig(path)
	require.Error(t, err)
}
