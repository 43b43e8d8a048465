package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	pkgmillerrors "github.com/pkgmill/pkgmill/pkg/errors"
)

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseConfig loads a configuration file from disk, validates it, applies
// defaults, and returns the resulting model.
func ParseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgmillerrors.NewParseError(path, 0, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, pkgmillerrors.NewParseError(path, extractLine(err), err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, pkgmillerrors.NewValidationError("config", err.Error(), err)
	}

	if cfg.Pkgmill.MaxConcurrency == 0 {
		cfg.Pkgmill.MaxConcurrency = 1
	}

	return &cfg, nil
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
