// Package config loads benchstage configuration.
//
// Precedence, highest first: runtime overrides, environment variables,
// config file, defaults. The config file is <config name>.yaml in the
// project root or the user config directory, or the path passed to
// SetConfigFile.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppIdentity names the application for config and env lookups.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity Load uses when none was set.
var DefaultIdentity = AppIdentity{
	BinaryName: "benchstage",
	EnvPrefix:  "BENCHSTAGE",
	ConfigName: "benchstage",
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
	configFile  string
	usedFile    string
)

// envSpec maps one environment variable to a config key path.
type envSpec struct {
	Name string
	Path string
}

// SetIdentity replaces the application identity used by later loads.
func SetIdentity(id AppIdentity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = &id
}

// Identity returns the current application identity, or nil before Load.
func Identity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return nil
	}
	id := *appIdentity
	return &id
}

// SetConfigFile pins the config file. Empty restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load resolves the configuration and makes it the current one.
//
// Each override map is nested by section, e.g.
// {"server": {"port": 9000}}; later maps win.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Logging.Profile = strings.ToLower(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Queue.Backend = strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = gfconfig.GetAppDataDir(appIdentity.ConfigName)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	usedFile = v.ConfigFileUsed()
	return &cfg, nil
}

// ConfigFileUsed returns the file the last Load read, or "" when none was found.
func ConfigFileUsed() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return usedFile
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "http://localhost:8080/api/v1")
	v.SetDefault("backend.timeout", "0s")
	v.SetDefault("backend.auth_token", "")
	v.SetDefault("catalog.ttl", "5m")

	v.SetDefault("submit.concurrency", 0)
	v.SetDefault("submit.rate_limit", 0.0)

	v.SetDefault("queue.backend", "file")
	v.SetDefault("queue.path", "")

	v.SetDefault("data_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("artifacts.destination", ".")
	v.SetDefault("artifacts.s3.region", "")
	v.SetDefault("artifacts.s3.endpoint", "")
	v.SetDefault("artifacts.s3.profile", "")
	v.SetDefault("artifacts.s3.access_key_id", "")
	v.SetDefault("artifacts.s3.secret_access_key", "")
	v.SetDefault("artifacts.s3.force_path_style", false)
}

// getEnvSpecs returns the env mappings for the current identity.
// Must be called with configMu held or after Load.
func getEnvSpecs() []envSpec {
	if appIdentity == nil || appIdentity.EnvPrefix == "" {
		return []envSpec{}
	}
	p := appIdentity.EnvPrefix + "_"
	return []envSpec{
		{Name: p + "BACKEND_URL", Path: "backend.base_url"},
		{Name: p + "BACKEND_TIMEOUT", Path: "backend.timeout"},
		{Name: p + "AUTH_TOKEN", Path: "backend.auth_token"},
		{Name: p + "CATALOG_TTL", Path: "catalog.ttl"},
		{Name: p + "CONCURRENCY", Path: "submit.concurrency"},
		{Name: p + "RATE_LIMIT", Path: "submit.rate_limit"},
		{Name: p + "QUEUE_BACKEND", Path: "queue.backend"},
		{Name: p + "QUEUE_PATH", Path: "queue.path"},
		{Name: p + "DATA_DIR", Path: "data_dir"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "ARTIFACTS_DEST", Path: "artifacts.destination"},
		{Name: p + "S3_REGION", Path: "artifacts.s3.region"},
		{Name: p + "S3_ENDPOINT", Path: "artifacts.s3.endpoint"},
		{Name: p + "S3_PROFILE", Path: "artifacts.s3.profile"},
		{Name: p + "S3_FORCE_PATH_STYLE", Path: "artifacts.s3.force_path_style"},
	}
}

func readConfigFile(v *viper.Viper) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
		return nil
	}

	v.SetConfigName(appIdentity.ConfigName)
	v.SetConfigType("yaml")
	if root, err := findProjectRoot(); err == nil {
		v.AddConfigPath(root)
	}
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// getUserConfigPaths returns per-user config directories, most specific first.
func getUserConfigPaths() []string {
	if appIdentity == nil || appIdentity.ConfigName == "" {
		return []string{}
	}
	var paths []string
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		paths = append(paths, filepath.Join(xdg, appIdentity.ConfigName))
	}
	if dir, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(dir, appIdentity.ConfigName)
		if len(paths) == 0 || paths[0] != p {
			paths = append(paths, p)
		}
	}
	return paths
}

var rootMarkers = []string{"go.mod", ".git", "benchstage.yaml"}

// ciBoundaryVars name workspace roots exported by CI systems.
var ciBoundaryVars = []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// findProjectRoot walks up from the working directory to the nearest
// directory holding a root marker. In CI the walk stops at the workspace
// boundary when one is set and contains the working directory. Without a
// marker the working directory itself is returned.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	if boundary := ciBoundary(cwd); boundary != "" {
		if root := walkToMarker(cwd, boundary); root != "" {
			return root, nil
		}
		return boundary, nil
	}

	if root := walkToMarker(cwd, ""); root != "" {
		return root, nil
	}
	return cwd, nil
}

func ciBoundary(cwd string) string {
	if !isTrue(os.Getenv("CI")) && !isTrue(os.Getenv("GITHUB_ACTIONS")) {
		return ""
	}
	for _, name := range ciBoundaryVars {
		dir := strings.TrimSpace(os.Getenv(name))
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		dir = filepath.Clean(dir)
		rel, err := filepath.Rel(dir, cwd)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return dir
	}
	return ""
}

func walkToMarker(start, stop string) string {
	dir := start
	for {
		for _, m := range rootMarkers {
			if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
				return dir
			}
		}
		if stop != "" && dir == stop {
			return ""
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := m[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}
