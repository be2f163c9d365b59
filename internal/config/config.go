// Package config loads the parameters the connector needs to locate a
// runtime, assemble a daemon command line, and reach the shared registry.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Parameters is the resolved configuration the launcher and orchestrator
// consume: toml tags for the on-disk format, mapstructure tags for
// viper's decode step.
type Parameters struct {
	RuntimeHome     string `toml:"runtime_home" mapstructure:"runtime_home"`
	LibraryDir      string `toml:"library_dir" mapstructure:"library_dir"`
	StorageDir      string `toml:"storage_dir" mapstructure:"storage_dir"`
	RegistryPath    string `toml:"registry_path" mapstructure:"registry_path"`
	EntryPointClass string `toml:"entry_point_class" mapstructure:"entry_point_class"`

	JVMArgs              []string `toml:"jvm_args" mapstructure:"jvm_args"`
	ProjectJVMConfigFile string   `toml:"project_jvm_config_file" mapstructure:"project_jvm_config_file"`
	DiscriminatingOpts   []string `toml:"discriminating_opts" mapstructure:"discriminating_opts"`

	MinHeap  string `toml:"min_heap" mapstructure:"min_heap"`
	MaxHeap  string `toml:"max_heap" mapstructure:"max_heap"`
	DebugOpt string `toml:"debug_opt" mapstructure:"debug_opt"`

	Embedded bool `toml:"embedded" mapstructure:"embedded"`
	Native   bool `toml:"native" mapstructure:"native"`
}

// Load reads a TOML configuration file at path into Parameters.
func Load(path string) (Parameters, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return Parameters{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var p Parameters
	if err := v.Unmarshal(&p); err != nil {
		return Parameters{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return p, nil
}

// RuntimeProfileOpts returns a copy of DiscriminatingOpts: the options a
// later client must find on a daemon launched with these Parameters to
// consider it compatible. RuntimeHome is not included; the constraint
// checks it separately.
func (p Parameters) RuntimeProfileOpts() []string {
	out := make([]string, len(p.DiscriminatingOpts))
	copy(out, p.DiscriminatingOpts)
	return out
}
