package config

import (
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".tinydump"
	configFile string = "config.yml"
)

// Defaults for the heuristic knobs. The soinfo field offsets match the
// soinfo layout used by the 64-bit bionic linker on recent Android
// releases; older generations may need overrides from the config file.
const (
	DefaultLinkerPath          = "/system/bin/linker64"
	DefaultSoinfoBaseOffset    = 0x10
	DefaultSoinfoSizeOffset    = 0x18
	DefaultSoinfoNextOffset    = 0x28
	DefaultMaxSoinfoIterations = 1000
	DefaultSizeClampFactor     = 10
	DefaultChainWindowSize     = 256 * 1024
	DefaultSoFixerPath         = "./SoFixer"
)

// DefaultSkipPathPrefixes lists path prefixes whose mappings only contain
// framework-verified images; scanning them produces redundant output.
var DefaultSkipPathPrefixes = []string{"/data/dalvik-cache/", "/system/"}

// Config defines all configuration options available to be set through the
// config file.
type Config struct {
	// LinkerPath is the on-disk path of the dynamic linker whose symbol
	// table is used to locate the solist registry.
	LinkerPath string `yaml:"linker-path"`

	// Byte offsets of the base, size and next fields inside a live soinfo
	// record. These depend on the linker generation of the target device.
	SoinfoBaseOffset uint64 `yaml:"soinfo-base-offset"`
	SoinfoSizeOffset uint64 `yaml:"soinfo-size-offset"`
	SoinfoNextOffset uint64 `yaml:"soinfo-next-offset"`

	// MaxSoinfoIterations bounds the soinfo chain walk so that a corrupted
	// or cyclic chain cannot loop forever.
	MaxSoinfoIterations int `yaml:"max-soinfo-iterations"`

	// SizeClampFactor rejects a recovered library size larger than this
	// multiple of the raw mapped span.
	SizeClampFactor uint64 `yaml:"size-clamp-factor"`

	// ChainWindowSize is the number of bytes read around the solist head
	// for the raw pattern fallback search.
	ChainWindowSize int `yaml:"chain-window-size"`

	// SkipPathPrefixes are path prefixes excluded from the DEX scan.
	SkipPathPrefixes []string `yaml:"skip-path-prefixes"`

	// SoFixerPath is the path of the external SoFixer executable used to
	// repair raw dumps. An empty or missing tool disables auto-fix.
	SoFixerPath string `yaml:"sofixer-path"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	conf := &Config{}
	conf.applyDefaults()
	return conf
}

func (conf *Config) applyDefaults() {
	if conf.LinkerPath == "" {
		conf.LinkerPath = DefaultLinkerPath
	}
	if conf.SoinfoBaseOffset == 0 {
		conf.SoinfoBaseOffset = DefaultSoinfoBaseOffset
	}
	if conf.SoinfoSizeOffset == 0 {
		conf.SoinfoSizeOffset = DefaultSoinfoSizeOffset
	}
	if conf.SoinfoNextOffset == 0 {
		conf.SoinfoNextOffset = DefaultSoinfoNextOffset
	}
	if conf.MaxSoinfoIterations <= 0 {
		conf.MaxSoinfoIterations = DefaultMaxSoinfoIterations
	}
	if conf.SizeClampFactor == 0 {
		conf.SizeClampFactor = DefaultSizeClampFactor
	}
	if conf.ChainWindowSize <= 0 {
		conf.ChainWindowSize = DefaultChainWindowSize
	}
	if conf.SkipPathPrefixes == nil {
		conf.SkipPathPrefixes = DefaultSkipPathPrefixes
	}
	if conf.SoFixerPath == "" {
		conf.SoFixerPath = DefaultSoFixerPath
	}
}

// LoadConfig attempts to populate a Config object from the config.yml file.
// A missing or unreadable file yields the defaults.
func LoadConfig() *Config {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return Default()
	}

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		return Default()
	}

	conf, err := ParseConfig(data)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.\n", err)
		return Default()
	}
	return conf
}

// ParseConfig decodes a yaml config document and fills in defaults for any
// option left unset.
func ParseConfig(data []byte) (*Config, error) {
	conf := &Config{}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, err
	}
	conf.applyDefaults()
	return conf, nil
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return path.Join(home, configDir, file), nil
}
