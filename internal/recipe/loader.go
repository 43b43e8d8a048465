package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	pkgmillerrors "github.com/pkgmill/pkgmill/pkg/errors"
)

// RecipeFileName is the per-package metadata file looked up in each package
// directory of the repository.
const RecipeFileName = "pkgmill.yaml"

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

var validate = validator.New(validator.WithRequiredStructEnabled())

// recipeFile mirrors the on-disk YAML document.
type recipeFile struct {
	Depends     []dependencyEntry `yaml:"depends,omitempty" validate:"omitempty,dive"`
	UpdateOn    []updateOnEntry   `yaml:"update_on,omitempty" validate:"omitempty,dive"`
	Throttle    map[int]string    `yaml:"throttle,omitempty"`
	Maintainers []string          `yaml:"maintainers,omitempty"`
}

type updateOnEntry struct {
	Source string `yaml:"source" validate:"required"`
}

// dependencyEntry accepts either a bare pkgbase string or a mapping with an
// explicit artifact name.
type dependencyEntry struct {
	PkgBase string `yaml:"pkgbase" validate:"required"`
	Name    string `yaml:"name,omitempty"`
}

func (d *dependencyEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		d.PkgBase = value.Value
		return nil
	}

	type rawDependency dependencyEntry
	var raw rawDependency
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*d = dependencyEntry(raw)
	return nil
}

// LoadCatalog scans every direct subdirectory of repoDir containing a recipe
// file and assembles the catalog. destDir is where built artifacts land; the
// dependency predicates check it. Recipes that fail to parse or validate are
// collected as broken rather than aborting the load.
func LoadCatalog(repoDir, destDir string) (*Catalog, error) {
	entries, err := os.ReadDir(repoDir)
	if err != nil {
		return nil, fmt.Errorf("read repository directory: %w", err)
	}

	recipes := make(map[string]*Recipe)
	broken := make(map[string]error)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(repoDir, entry.Name(), RecipeFileName)
		if _, err := os.Stat(path); err != nil {
			continue
		}

		r, err := loadRecipe(entry.Name(), path, destDir)
		if err != nil {
			broken[entry.Name()] = err
			continue
		}
		recipes[entry.Name()] = r
	}

	return NewCatalog(recipes, broken), nil
}

func loadRecipe(pkgbase, path, destDir string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgmillerrors.NewParseError(path, 0, err)
	}

	var file recipeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, pkgmillerrors.NewParseError(path, extractLine(err), err)
	}

	if err := validate.Struct(&file); err != nil {
		return nil, pkgmillerrors.NewValidationError(pkgbase, err.Error(), err)
	}

	r := &Recipe{
		PkgBase:     pkgbase,
		Maintainers: append([]string(nil), file.Maintainers...),
	}

	for _, dep := range file.Depends {
		name := dep.Name
		if name == "" {
			name = dep.PkgBase
		}
		r.Deps = append(r.Deps, NewDependency(dep.PkgBase, name, artifactPredicate(destDir, name)))
	}

	for _, src := range file.UpdateOn {
		r.Sources = append(r.Sources, UpstreamSource{Source: src.Source})
	}

	if len(file.Throttle) > 0 {
		r.Throttle = make(map[int]time.Duration, len(file.Throttle))
		for idx, raw := range file.Throttle {
			interval, err := time.ParseDuration(raw)
			if err != nil {
				return nil, pkgmillerrors.NewValidationError(pkgbase, fmt.Sprintf("invalid throttle interval %q", raw), err)
			}
			r.Throttle[idx] = interval
		}
	}

	return r, nil
}

// artifactPredicate reports whether a built artifact for name exists under
// destDir. The match is a filename prefix so versioned artifact names resolve.
func artifactPredicate(destDir, name string) func() bool {
	return func() bool {
		matches, err := filepath.Glob(filepath.Join(destDir, name+"-*"))
		if err != nil {
			return false
		}
		return len(matches) > 0
	}
}

func extractLine(err error) int {
	if err == nil {
		return 0
	}

	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}

	var line int
	if _, scanErr := fmt.Sscanf(matches[1], "%d", &line); scanErr != nil {
		return 0
	}
	return line
}
