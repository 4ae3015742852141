// Package config defines the typed engine configuration and the loader for
// desired-state documents. A document is a YAML mapping carrying the
// engine-level options plus resource sections, either at the top level
// (one implicit block) or under an explicit blocks list.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openconverge/openconverge/pkg/engine"
)

// Controller holds the connection parameters for the target controller.
type Controller struct {
	// Host is the controller hostname or address.
	Host string `yaml:"host" validate:"required,hostname|ip"`

	// Port is the HTTPS port.
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// VerifyTLS controls certificate verification.
	VerifyTLS bool `yaml:"verify_tls"`

	// Username authenticates the token request.
	Username string `yaml:"username" validate:"required"`

	// Password authenticates the token request. Never logged.
	Password string `yaml:"password" validate:"required"`

	// Version is the controller version used for minimum-version gating.
	Version string `yaml:"version"`
}

// Config is the per-invocation engine configuration.
type Config struct {
	Controller Controller `yaml:"controller"`

	// State is the default disposition for the implicit top-level block.
	State string `yaml:"state" validate:"oneof=present absent"`

	// Verify runs the verification pass after execution.
	Verify bool `yaml:"verify"`

	// APITaskTimeout is the per-task deadline in seconds.
	APITaskTimeout int `yaml:"api_task_timeout" validate:"min=1"`

	// TaskPollInterval is the task poll spacing in seconds.
	TaskPollInterval int `yaml:"task_poll_interval" validate:"min=1"`

	// LogLevel is one of ERROR, WARNING, INFO, DEBUG.
	LogLevel string `yaml:"log_level" validate:"oneof=ERROR WARNING INFO DEBUG"`

	// LogFile is the append-only log target ("" = stderr).
	LogFile string `yaml:"log_file"`
}

// engineKeys are the document keys consumed by the engine itself; everything
// else is a resource section or the blocks list.
var engineKeys = map[string]bool{
	"controller":         true,
	"state":              true,
	"verify":             true,
	"api_task_timeout":   true,
	"task_poll_interval": true,
	"log_level":          true,
	"log_file":           true,
	"blocks":             true,
}

var validate = validator.New()

// Defaults returns a Config with every optional field at its default.
func Defaults() Config {
	return Config{
		Controller: Controller{
			Port:      443,
			VerifyTLS: true,
			Username:  "admin",
			Version:   "2.2.3.3",
		},
		State:            string(engine.StatePresent),
		APITaskTimeout:   1200,
		TaskPollInterval: 2,
		LogLevel:         "WARNING",
	}
}

// Load reads and parses a desired-state document from a file.
func Load(path string) (*Config, *engine.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read document: %w", err)
	}
	return Parse(data)
}

// Parse decodes a desired-state document, applies defaults and validates the
// engine options. Resource sections are passed through untouched; their
// validation belongs to the adapters' schemas.
func Parse(data []byte) (*Config, *engine.Document, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse document: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid engine options: %w", err)
	}

	var full map[string]interface{}
	if err := yaml.Unmarshal(data, &full); err != nil {
		return nil, nil, fmt.Errorf("failed to parse document: %w", err)
	}

	doc, err := buildDocument(full, engine.State(cfg.State))
	if err != nil {
		return nil, nil, err
	}
	return &cfg, doc, nil
}

// buildDocument splits the raw mapping into config blocks. With an explicit
// blocks list, each entry carries its own state and sections; otherwise the
// non-engine top-level keys form one block under the document-level state.
func buildDocument(full map[string]interface{}, defaultState engine.State) (*engine.Document, error) {
	doc := &engine.Document{}

	if rawBlocks, ok := full["blocks"]; ok {
		list, ok := rawBlocks.([]interface{})
		if !ok {
			return nil, fmt.Errorf("blocks must be a list")
		}
		for i, rawBlock := range list {
			mapping, ok := rawBlock.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("blocks[%d] must be a mapping", i)
			}
			block, err := buildBlock(mapping, defaultState)
			if err != nil {
				return nil, fmt.Errorf("blocks[%d]: %w", i, err)
			}
			doc.Blocks = append(doc.Blocks, block)
		}
		return doc, nil
	}

	sections := make(map[string]interface{})
	for key, value := range full {
		if engineKeys[key] {
			continue
		}
		sections[key] = value
	}
	if len(sections) == 0 {
		return doc, nil
	}

	block, err := buildBlock(sections, defaultState)
	if err != nil {
		return nil, err
	}
	doc.Blocks = append(doc.Blocks, block)
	return doc, nil
}

func buildBlock(mapping map[string]interface{}, defaultState engine.State) (engine.Block, error) {
	block := engine.Block{
		State:    defaultState,
		Sections: make(map[string]map[string]interface{}),
	}

	for key, value := range mapping {
		if key == "state" {
			str, ok := value.(string)
			if !ok {
				return block, fmt.Errorf("state must be a string")
			}
			block.State = engine.State(str)
			continue
		}
		section, ok := value.(map[string]interface{})
		if !ok {
			return block, fmt.Errorf("section %q must be a mapping", key)
		}
		block.Sections[key] = section
	}

	if err := block.State.Validate(); err != nil {
		return block, err
	}
	return block, nil
}

// TaskTimeout returns the per-task deadline as a duration.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.APITaskTimeout) * time.Second
}

// PollInterval returns the task poll spacing as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.TaskPollInterval) * time.Second
}
