// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package certstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relabs-tech/provisio/core/logger"
	"github.com/relabs-tech/provisio/enroll"
)

// LocalFilesystem stores certificates as files below a base folder.
type LocalFilesystem struct {
	baseFolder string
}

// NewLocalFilesystem returns a filesystem driver rooted at baseFolder. The
// folder is created if it does not exist.
func NewLocalFilesystem(baseFolder string) (*LocalFilesystem, error) {
	if len(baseFolder) == 0 {
		return nil, fmt.Errorf("base folder must not be empty")
	}
	if err := os.MkdirAll(baseFolder, 0700); err != nil {
		return nil, err
	}
	logger.Default().Debugln("certificate archive on local filesystem enabled:", baseFolder)
	return &LocalFilesystem{baseFolder: baseFolder}, nil
}

func (f *LocalFilesystem) path(key string) (string, error) {
	if len(key) == 0 || strings.Contains(key, "..") || strings.ContainsRune(key, os.PathSeparator) {
		return "", fmt.Errorf("invalid archive key %q: %w", key, enroll.ErrInvalidInput)
	}
	return filepath.Join(f.baseFolder, key), nil
}

// Store writes the data to a file named after the key.
func (f *LocalFilesystem) Store(ctx context.Context, key string, data []byte) error {
	filePath, err := f.path(key)
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0600)
}

// Load reads the file named after the key.
func (f *LocalFilesystem) Load(ctx context.Context, key string) ([]byte, error) {
	filePath, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("certificate %s: %w", key, enroll.ErrNotFound)
	}
	return data, err
}

// Delete removes the file named after the key.
func (f *LocalFilesystem) Delete(ctx context.Context, key string) error {
	filePath, err := f.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(filePath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns all stored keys with the given prefix.
func (f *LocalFilesystem) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.baseFolder)
	if err != nil {
		return nil, err
	}
	keys := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), prefix) {
			keys = append(keys, entry.Name())
		}
	}
	return keys, nil
}
