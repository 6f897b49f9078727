package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadSecretsEnv reads $XDG_CONFIG_HOME/sitepub/secrets.env (or ~/.config/sitepub/secrets.env)
// and returns key/value pairs in dotenv format. A missing file yields an empty map.
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = filepath.Join(ConfigDir(), "secrets.env")
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets %s: %w", path, err)
	}
	return values, nil
}
