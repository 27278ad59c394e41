// Package persistence stores small JSON state blobs on disk so the client
// can resume a session across restarts.
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
)

// ErrNotExists is returned by Load when nothing has been saved yet.
var ErrNotExists = errors.New("persistence: data does not exist")

// Service hands out named stores.
type Service interface {
	NewStore(name string) Store
}

// Store saves and loads one JSON document.
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) error
}

// JSONFileService keeps each store as a JSON file under baseDir.
type JSONFileService struct {
	baseDir string
}

// NewJSONFileService creates a service rooted at baseDir. The directory is
// created on first save.
func NewJSONFileService(baseDir string) *JSONFileService {
	return &JSONFileService{baseDir: baseDir}
}

// NewStore returns the store for name.
func (s *JSONFileService) NewStore(name string) Store {
	return &jsonFileStore{service: s, name: name}
}

type jsonFileStore struct {
	service *JSONFileService
	name    string
}

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func (s *jsonFileStore) filePath() string {
	safe := nameSanitizer.ReplaceAllString(s.name, "_")
	return filepath.Join(s.service.baseDir, safe+".json")
}

// Save writes data atomically: a temp file is renamed over the target so a
// crash mid-write never leaves a truncated document.
func (s *jsonFileStore) Save(data interface{}) error {
	if err := os.MkdirAll(s.service.baseDir, 0o700); err != nil {
		return errors.Wrap(err, "create state dir")
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal state")
	}

	path := s.filePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.Wrap(err, "write state")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "replace state")
	}
	return nil
}

// Load reads the document into data.
func (s *jsonFileStore) Load(data interface{}) error {
	raw, err := os.ReadFile(s.filePath())
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExists
		}
		return errors.Wrap(err, "read state")
	}
	if err := json.Unmarshal(raw, data); err != nil {
		return errors.Wrap(err, "decode state")
	}
	return nil
}
