package src

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/greentic/greentic-session/src/model"
)

// Config aggregates everything the host application wires in: logging plus
// the session backend selection and tuning.
type Config struct {
	LogConfig     model.LogConfig     `envconfig:"" yaml:"log"`
	SessionConfig model.SessionConfig `envconfig:"" yaml:"session"`
}

// LoadConfig builds the configuration from environment variables.
func LoadConfig() (*Config, error) {
	var config Config
	err := envconfig.Process("", &config)
	if err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %v", err)
	}

	return &config, nil
}

// LoadConfigFile reads configuration from a YAML file. Environment variables
// take precedence: callers typically load the file first, then overlay with
// envconfig via LoadConfig.
func LoadConfigFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("error parsing YAML: %v", err)
	}

	return &config, nil
}
