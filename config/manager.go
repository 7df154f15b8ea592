package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Manager is a flat key/value store filled from JSON files and environment
// variables. Keys are lower-case and dot-separated ("idle.timeout").
type Manager struct {
	values map[string]interface{}
	mu     sync.RWMutex
}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{
		values: make(map[string]interface{}),
	}
}

// Set sets a configuration value
func (m *Manager) Set(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value
}

// Get gets a configuration value
func (m *Manager) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.values[key]
	return value, exists
}

// Has reports whether key was loaded
func (m *Manager) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// GetString gets a string configuration value
func (m *Manager) GetString(key string, defaultValue ...string) string {
	if value, exists := m.Get(key); exists {
		switch v := value.(type) {
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}

	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return ""
}

// GetInt gets an integer configuration value
func (m *Manager) GetInt(key string, defaultValue ...int) (int, error) {
	if value, exists := m.Get(key); exists {
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			return int(v), nil
		case string:
			i, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return 0, fmt.Errorf("config %s: %w", key, err)
			}
			return i, nil
		default:
			return 0, fmt.Errorf("config %s: unexpected type %T", key, value)
		}
	}

	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, nil
}

// GetBool gets a boolean configuration value
func (m *Manager) GetBool(key string, defaultValue ...bool) bool {
	if value, exists := m.Get(key); exists {
		switch v := value.(type) {
		case bool:
			return v
		case string:
			v = strings.ToLower(v)
			return v == "true" || v == "yes" || v == "1"
		case int:
			return v != 0
		case float64:
			return v != 0
		}
	}

	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return false
}

// GetDuration gets a duration configuration value. Bare numbers are seconds.
func (m *Manager) GetDuration(key string, defaultValue ...time.Duration) (time.Duration, error) {
	if value, exists := m.Get(key); exists {
		switch v := value.(type) {
		case time.Duration:
			return v, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case int64:
			return time.Duration(v), nil
		case string:
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return 0, fmt.Errorf("config %s: %w", key, err)
			}
			return d, nil
		default:
			return 0, fmt.Errorf("config %s: unexpected type %T", key, value)
		}
	}

	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, nil
}

// LoadFromEnv loads configuration from environment variables.
// PREFIX_IDLE_TIMEOUT becomes "idle.timeout".
func (m *Manager) LoadFromEnv(prefix string) {
	m.loadFromEnviron(prefix, os.Environ())
}

func (m *Manager) loadFromEnviron(prefix string, environ []string) {
	for _, env := range environ {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := parts[0]
		value := parts[1]

		// Check if key has the prefix
		if prefix != "" && !strings.HasPrefix(key, prefix+"_") {
			continue
		}

		// Remove prefix
		if prefix != "" {
			key = strings.TrimPrefix(key, prefix+"_")
		}

		// Convert key to lowercase and replace underscores with dots
		key = strings.ToLower(key)
		key = strings.ReplaceAll(key, "_", ".")

		m.Set(key, value)
	}
}

// LoadFromJSON loads configuration from JSON file
func (m *Manager) LoadFromJSON(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var values map[string]interface{}
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse JSON config: %w", err)
	}

	m.loadFromMap("", values)
	return nil
}

// loadFromMap recursively loads configuration from a map
func (m *Manager) loadFromMap(prefix string, values map[string]interface{}) {
	for key, value := range values {
		fullKey := strings.ToLower(key)
		if prefix != "" {
			fullKey = prefix + "." + fullKey
		}

		// If value is a map, recurse
		if nested, ok := value.(map[string]interface{}); ok {
			m.loadFromMap(fullKey, nested)
		} else {
			m.Set(fullKey, value)
		}
	}
}
