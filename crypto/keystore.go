package crypto

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// LoadOperatorKeyFile reads an operator credential from path. The file holds
// either encoding ParseOperatorKey accepts; surrounding whitespace is ignored.
func LoadOperatorKeyFile(path string) (*OperatorKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("crypto: empty keypair path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("crypto: keypair path %s is a directory", path)
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := ParseOperatorKey(string(contents))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}
