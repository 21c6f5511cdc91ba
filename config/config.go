// Package config loads manager settings from a file and the environment.
//
// Files may be YAML, TOML or JSON, chosen by extension. Every key can be
// overridden from the environment with the NATIVEMOD_ prefix and "_" in
// place of ".", for example NATIVEMOD_LOG_LEVEL=debug.
//
//	platform: android
//	system_module_dir: /system/lib64/module
//	log:
//	  level: info
//	policy:
//	  disk_check_only: true
//	  blocked: ["secret.*"]
//	  api_allow_list:
//	    net.*: ["net.http.get"]
//	app_paths:
//	  - key: default
//	    paths: ["/data/app/lib"]
//	    system_app: false
package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wippyai/nativemod/errors"
	"github.com/wippyai/nativemod/linkns"
	"github.com/wippyai/nativemod/manager"
	"github.com/wippyai/nativemod/platform"
	"github.com/wippyai/nativemod/policy"
)

// EnvPrefix is the environment variable prefix for overrides.
const EnvPrefix = "NATIVEMOD"

// keyDelim separates nested keys. Module patterns such as "net.*" are map
// keys, so "." cannot be the delimiter.
const keyDelim = "::"

// Config is the full settings tree.
type Config struct {
	Platform         string          `mapstructure:"platform"`
	SystemModuleDir  string          `mapstructure:"system_module_dir"`
	AbcRoot          string          `mapstructure:"abc_root"`
	Log              LogConfig       `mapstructure:"log"`
	Namespaces       NamespaceConfig `mapstructure:"namespaces"`
	Policy           PolicyConfig    `mapstructure:"policy"`
	AppPaths         []AppPath       `mapstructure:"app_paths"`
	ValidateBytecode bool            `mapstructure:"validate_bytecode"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// NamespaceConfig overrides the base linker namespace directories.
type NamespaceConfig struct {
	SystemLibDirs []string `mapstructure:"system_lib_dirs"`
	NDKLibDirs    []string `mapstructure:"ndk_lib_dirs"`
}

// PolicyConfig builds a policy.ListChecker.
type PolicyConfig struct {
	APIAllowList  map[string][]string `mapstructure:"api_allow_list"`
	Blocked       []string            `mapstructure:"blocked"`
	Allowed       []string            `mapstructure:"allowed"`
	AppBlocked    []string            `mapstructure:"app_blocked"`
	DiskCheckOnly bool                `mapstructure:"disk_check_only"`
}

// Empty reports whether no rule is configured.
func (p PolicyConfig) Empty() bool {
	return len(p.Blocked) == 0 && len(p.Allowed) == 0 && len(p.AppBlocked) == 0 && len(p.APIAllowList) == 0
}

// AppPath registers an application library search path.
type AppPath struct {
	Key       string   `mapstructure:"key"`
	Paths     []string `mapstructure:"paths"`
	SystemApp bool     `mapstructure:"system_app"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Platform:         platform.Detect().Name(),
		Log:              LogConfig{Level: "info"},
		ValidateBytecode: true,
	}
}

// Load reads path (optional) from fs and applies environment overrides.
// A nil fs uses the OS filesystem.
func Load(fs afero.Fs, path string) (*Config, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}

	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelim))
	v.SetFs(fs)

	defaults := Default()
	v.SetDefault("platform", defaults.Platform)
	v.SetDefault("system_module_dir", "")
	v.SetDefault("abc_root", "")
	v.SetDefault("log::level", defaults.Log.Level)
	v.SetDefault("log::development", defaults.Log.Development)
	v.SetDefault("validate_bytecode", defaults.ValidateBytecode)
	v.SetDefault("policy::disk_check_only", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelim, "_"))
	v.AutomaticEnv()

	if path != "" {
		ok, err := afero.Exists(fs, path)
		if err != nil || !ok {
			return nil, errors.Config("config file not found: "+path, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Config("read "+path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Config("decode configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that decoding cannot.
func (c *Config) Validate() error {
	if _, ok := platform.ByName(c.Platform); !ok {
		return errors.Config(fmt.Sprintf("unknown platform %q (want one of %s)",
			c.Platform, strings.Join(platform.Names(), ", ")), nil)
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return errors.Config("invalid log.level", err)
	}
	seen := make(map[string]bool, len(c.AppPaths))
	for i, ap := range c.AppPaths {
		if ap.Key == "" {
			return errors.Config(fmt.Sprintf("app_paths[%d]: empty key", i), nil)
		}
		if seen[ap.Key] {
			return errors.Config(fmt.Sprintf("app_paths[%d]: duplicate key %q", i, ap.Key), nil)
		}
		seen[ap.Key] = true
		if len(ap.Paths) == 0 {
			return errors.Config(fmt.Sprintf("app_paths[%d]: no paths for %q", i, ap.Key), nil)
		}
	}
	return nil
}

// PlatformPolicy returns the configured platform rules with directory
// overrides applied.
func (c *Config) PlatformPolicy() (platform.Policy, error) {
	rules, ok := platform.ByName(c.Platform)
	if !ok {
		return nil, errors.Config("unknown platform "+c.Platform, nil)
	}
	if c.SystemModuleDir != "" {
		rules = rules.WithSystemModuleDir(c.SystemModuleDir)
	}
	if c.AbcRoot != "" {
		rules = rules.WithAbcRoot(c.AbcRoot)
	}
	return rules, nil
}

// Checker returns the configured allow-list policy, or nil when no rule is set.
func (c *Config) Checker() policy.Checker {
	if c.Policy.Empty() {
		return nil
	}
	return &policy.ListChecker{
		APIAllowList: c.Policy.APIAllowList,
		Blocked:      c.Policy.Blocked,
		Allowed:      c.Policy.Allowed,
		AppBlocked:   c.Policy.AppBlocked,
		DiskOnly:     c.Policy.DiskCheckOnly,
	}
}

// ManagerOptions maps the settings onto manager options.
func (c *Config) ManagerOptions(fs afero.Fs) (manager.Options, error) {
	p, err := c.PlatformPolicy()
	if err != nil {
		return manager.Options{}, err
	}
	opts := manager.DefaultOptions()
	opts.Platform = p
	if fs != nil {
		opts.Fs = fs
	}
	opts.Checker = c.Checker()
	opts.ValidateBytecode = c.ValidateBytecode
	if len(c.Namespaces.SystemLibDirs) > 0 || len(c.Namespaces.NDKLibDirs) > 0 {
		opts.Namespaces = linkns.Options{
			SystemLibDirs: c.Namespaces.SystemLibDirs,
			NDKLibDirs:    c.Namespaces.NDKLibDirs,
		}
	}
	return opts, nil
}

// Apply registers every configured app path on m.
func (c *Config) Apply(ctx context.Context, m *manager.Manager) error {
	for _, ap := range c.AppPaths {
		if err := m.SetAppLibPath(ctx, ap.Key, ap.Paths, ap.SystemApp); err != nil {
			return err
		}
	}
	return nil
}

// Logger builds the zap logger described by Log.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, errors.Config("invalid log.level", err)
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
