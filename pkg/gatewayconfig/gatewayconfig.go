// Package gatewayconfig loads the gateway's environment variables and
// its JSON model-mapping config file, per spec §6.
package gatewayconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Env is every environment variable the gateway reads directly, with
// the defaults spec §6/§4.7 specify.
type Env struct {
	Port         string
	Debug        bool
	Fallback     bool
	LocalLLMURL  string
	LocalLLMKey  string
}

// LoadEnv reads the process environment, applying defaults.
func LoadEnv() Env {
	return Env{
		Port:        orDefault(os.Getenv("PORT"), "8080"),
		Debug:       parseBool(os.Getenv("DEBUG")),
		Fallback:    parseBool(os.Getenv("FALLBACK")),
		LocalLLMURL: os.Getenv("LOCAL_LLM_URL"),
		LocalLLMKey: os.Getenv("LOCAL_LLM_KEY"),
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// ModelMappingEntry is one alias's mapping record in the config file.
type ModelMappingEntry struct {
	Mapping string `json:"mapping"`
}

// FileConfig is the decoded shape of
// ~/.config/antigravity-proxy/config.json.
type FileConfig struct {
	ModelMapping map[string]ModelMappingEntry `json:"modelMapping"`

	// FallbackModels maps a canonical model to the model the dispatcher
	// falls back to when the pool is exhausted. It is a separate table
	// from ModelMapping: by the time the dispatcher consults it the
	// request's model has already been rewritten to canonical form, so
	// alias keys would never match.
	FallbackModels map[string]string `json:"fallbackModels"`
}

// DefaultConfigPath returns ~/.config/antigravity-proxy/config.json.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "antigravity-proxy", "config.json"), nil
}

// LoadFileConfig reads and decodes the config file at path. A missing
// file is not an error: it yields an empty FileConfig, since model
// mapping is optional.
func LoadFileConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Mapper builds a validate.ModelMapper closure from the loaded
// alias->canonical table.
func (c FileConfig) Mapper() func(model string) (string, bool) {
	return func(model string) (string, bool) {
		entry, ok := c.ModelMapping[model]
		if !ok || entry.Mapping == "" {
			return "", false
		}
		return entry.Mapping, true
	}
}

// FallbackFor builds the dispatch-level fallback resolver from the
// fallbackModels table. A self-referential entry is ignored: falling
// back to the same exhausted model would never make progress.
func (c FileConfig) FallbackFor() func(model string) (string, bool) {
	return func(model string) (string, bool) {
		fb, ok := c.FallbackModels[model]
		if !ok || fb == "" || fb == model {
			return "", false
		}
		return fb, true
	}
}
