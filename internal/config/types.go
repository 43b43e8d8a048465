package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Config represents the full pkgmill configuration document.
type Config struct {
	Envvars    map[string]string `yaml:"envvars,omitempty"`
	Bindmounts map[string]string `yaml:"bindmounts,omitempty"`
	Repository RepositoryConfig  `yaml:"repository" validate:"required"`
	Pkgmill    PkgmillConfig     `yaml:"pkgmill" validate:"required"`
	Builder    BuilderConfig     `yaml:"builder,omitempty"`
	Nvchecker  NvcheckerConfig   `yaml:"nvchecker,omitempty"`
	Misc       MiscConfig        `yaml:"misc,omitempty"`
}

// RepositoryConfig locates the recipe repository and artifact destination.
type RepositoryConfig struct {
	Path    string `yaml:"path" validate:"required"`
	DestDir string `yaml:"destdir" validate:"required"`
}

// PkgmillConfig holds scheduler parameters.
type PkgmillConfig struct {
	Name              string `yaml:"name" validate:"required,min=1,max=100"`
	DBURL             string `yaml:"dburl,omitempty"`
	MaxConcurrency    int    `yaml:"max_concurrency,omitempty" validate:"omitempty,min=1,max=64"`
	RebuildFailedPkgs bool   `yaml:"rebuild_failed_pkgs,omitempty"`
	GitPush           bool   `yaml:"git_push,omitempty"`
}

// NvcheckerConfig configures the external upstream checker.
type NvcheckerConfig struct {
	Proxy   string   `yaml:"proxy,omitempty" validate:"omitempty,url"`
	Cmd     []string `yaml:"cmd,omitempty"`
	TakeCmd []string `yaml:"take_cmd,omitempty"`
}

// BuilderConfig names the external build command.
type BuilderConfig struct {
	Cmd []string `yaml:"cmd,omitempty"`
}

// MiscConfig carries pre- and post-run commands, each an argv array that must
// exit zero.
type MiscConfig struct {
	Prerun  [][]string `yaml:"prerun,omitempty"`
	Postrun [][]string `yaml:"postrun,omitempty"`
}

// BindmountArgs expands and formats the configured bindmounts as "src:dst"
// strings, sorted descending by source, so a longer path comes before any
// path that is a prefix of it.
func (c *Config) BindmountArgs() []string {
	if len(c.Bindmounts) == 0 {
		return nil
	}

	sources := make([]string, 0, len(c.Bindmounts))
	for src := range c.Bindmounts {
		sources = append(sources, src)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(sources)))

	args := make([]string, 0, len(sources))
	for _, src := range sources {
		args = append(args, expandPath(src)+":"+expandPath(c.Bindmounts[src]))
	}
	return args
}

func expandPath(path string) string {
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
