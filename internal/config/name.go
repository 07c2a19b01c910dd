package config

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	nameExt      = ".csv"
	keyValueSep  = "@"
	tokenSep     = "-"
	pathSep      = "/"
	encodedSlash = "_"
)

// field is one key@value token of a result filename. The order of fields is
// the order tokens appear in the name.
type field struct {
	key string
	get func(Config) string
	set func(*Config, string) error
}

var fields = []field{
	{"bs", func(c Config) string { return strconv.Itoa(c.BatchSize) }, intSetter(func(c *Config, v int) { c.BatchSize = v })},
	{"fuse", func(c Config) string { return formatBool(c.EnableFusedProjections) }, boolSetter(func(c *Config, v bool) { c.EnableFusedProjections = v })},
	{"upcast_vae", func(c Config) string { return formatBool(c.UpcastVAE) }, boolSetter(func(c *Config, v bool) { c.UpcastVAE = v })},
	{"steps", func(c Config) string { return strconv.Itoa(c.NumInferenceSteps) }, intSetter(func(c *Config, v int) { c.NumInferenceSteps = v })},
	{"unet", func(c Config) string { return formatBool(c.CompileUNet) }, boolSetter(func(c *Config, v bool) { c.CompileUNet = v })},
	{"vae", func(c Config) string { return formatBool(c.CompileVAE) }, boolSetter(func(c *Config, v bool) { c.CompileVAE = v })},
	{"mode", func(c Config) string { return string(c.CompileMode) }, func(c *Config, s string) error {
		m, err := ParseCompileMode(s)
		c.CompileMode = m
		return err
	}},
	{"change_comp_config", func(c Config) string { return formatBool(c.ChangeCompConfig) }, boolSetter(func(c *Config, v bool) { c.ChangeCompConfig = v })},
	{"do_quant", func(c Config) string { return formatBool(c.DoQuant) }, boolSetter(func(c *Config, v bool) { c.DoQuant = v })},
	{"fp32", func(c Config) string { return formatBool(c.RunFP32) }, boolSetter(func(c *Config, v bool) { c.RunFP32 = v })},
	{"no_sdpa", func(c Config) string { return formatBool(c.NoSDPA) }, boolSetter(func(c *Config, v bool) { c.NoSDPA = v })},
	{"fuse_vae", func(c Config) string { return formatBool(c.FuseVAEProjections) }, boolSetter(func(c *Config, v bool) { c.FuseVAEProjections = v })},
	{"variant", func(c Config) string { return string(c.Variant) }, func(c *Config, s string) error {
		v, err := ParseVariant(s)
		c.Variant = v
		return err
	}},
	{"trials", func(c Config) string { return strconv.Itoa(c.Trials) }, intSetter(func(c *Config, v int) { c.Trials = v })},
}

// Name returns the result filename for the configuration. Every field that
// changes behaviour is encoded, so equal names mean equal experiments.
func (c Config) Name() string {
	n := c.Normalize()
	var b strings.Builder
	b.WriteString(EncodeCheckpoint(n.Checkpoint))
	for _, f := range fields {
		b.WriteString(tokenSep)
		b.WriteString(f.key)
		b.WriteString(keyValueSep)
		b.WriteString(f.get(n))
	}
	b.WriteString(nameExt)
	return b.String()
}

// ParseName recovers the configuration encoded by Name. The checkpoint is
// decoded with DecodeCheckpoint.
func ParseName(name string) (Config, error) {
	if !strings.HasSuffix(name, nameExt) {
		return Config{}, fmt.Errorf("parse name %q: missing %s suffix", name, nameExt)
	}
	rest := strings.TrimSuffix(name, nameExt)

	var c Config
	marker := tokenSep + fields[0].key + keyValueSep
	idx := strings.Index(rest, marker)
	if idx <= 0 {
		return Config{}, fmt.Errorf("parse name %q: missing checkpoint or %q token", name, fields[0].key)
	}
	c.Checkpoint = DecodeCheckpoint(rest[:idx])
	rest = rest[idx+len(marker):]

	for i, f := range fields {
		value := rest
		if i+1 < len(fields) {
			next := tokenSep + fields[i+1].key + keyValueSep
			j := strings.Index(rest, next)
			if j < 0 {
				return Config{}, fmt.Errorf("parse name %q: missing %q token", name, fields[i+1].key)
			}
			value = rest[:j]
			rest = rest[j+len(next):]
		}
		if err := f.set(&c, value); err != nil {
			return Config{}, fmt.Errorf("parse name %q: token %s: %w", name, f.key, err)
		}
	}
	return c, nil
}

// EncodeCheckpoint makes a checkpoint identifier safe for use in a filename.
func EncodeCheckpoint(ckpt string) string {
	return strings.ReplaceAll(ckpt, pathSep, encodedSlash)
}

// DecodeCheckpoint reverses EncodeCheckpoint for the common org/name form.
// An encoded value with anything other than exactly one underscore is
// ambiguous and returned unchanged.
func DecodeCheckpoint(encoded string) string {
	if strings.Count(encoded, encodedSlash) == 1 {
		return strings.Replace(encoded, encodedSlash, pathSep, 1)
	}
	return encoded
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func parseBool(s string) (bool, error) {
	switch s {
	case "True":
		return true, nil
	case "False":
		return false, nil
	}
	return false, fmt.Errorf("invalid bool %q (must be True or False)", s)
}

func boolSetter(set func(*Config, bool)) func(*Config, string) error {
	return func(c *Config, s string) error {
		v, err := parseBool(s)
		if err != nil {
			return err
		}
		set(c, v)
		return nil
	}
}

func intSetter(set func(*Config, int)) func(*Config, string) error {
	return func(c *Config, s string) error {
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid int %q: %w", s, err)
		}
		set(c, v)
		return nil
	}
}
