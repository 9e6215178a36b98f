package remote

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config holds the configuration of a single remote.
//
// It is a tagged union over Kind - only the fields for the remote's
// kind are set, the rest stay at their zero value.  The JSON form is
// what the remotes file stores.
type Config struct {
	// Common fields
	ID     string `json:"id"`
	Name   string `json:"name"`
	Kind   Kind   `json:"kind"`
	Color  string `json:"color,omitempty"`
	Active bool   `json:"isActive"`

	// Object storage (kind "s3")
	Endpoint       string `json:"endpoint,omitempty"`
	AccessKey      string `json:"accessKey,omitempty"`
	SecretKey      string `json:"secretKey,omitempty"`
	Bucket         string `json:"bucket,omitempty"`
	Region         string `json:"region,omitempty"`
	ForcePathStyle bool   `json:"forcePathStyle,omitempty"`

	// Drive (kind "drive")
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Token        string `json:"token,omitempty"`
	RootFolderID string `json:"rootFolderId,omitempty"`

	// WebDAV (kind "webdav")
	URL      string `json:"url,omitempty"`
	BasePath string `json:"basePath,omitempty"`
	User     string `json:"user,omitempty"`
	Pass     string `json:"pass,omitempty"`
}

// Validate checks the config has the fields its kind needs
func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("remote is missing an id")
	}
	if c.Name == "" {
		return errors.Errorf("remote %q is missing a name", c.ID)
	}
	switch c.Kind {
	case KindS3:
		if c.Bucket == "" {
			return errors.Errorf("remote %q: s3 remote needs a bucket", c.Name)
		}
		if c.AccessKey == "" || c.SecretKey == "" {
			return errors.Errorf("remote %q: s3 remote needs accessKey and secretKey", c.Name)
		}
	case KindDrive:
		if c.Token == "" {
			return errors.Errorf("remote %q: drive remote needs a token", c.Name)
		}
	case KindWebdav:
		if c.URL == "" {
			return errors.Errorf("remote %q: webdav remote needs a url", c.Name)
		}
	case "":
		return errors.Errorf("remote %q is missing a kind", c.Name)
	default:
		return errors.Errorf("remote %q has unknown kind %q", c.Name, c.Kind)
	}
	return nil
}

// configFile is the JSON shape of the remotes file
type configFile struct {
	Remotes []Config `json:"remotes"`
}

// LoadConfigFile reads the remotes file at path and validates every
// remote in it.  Remotes which are configured but not active are kept
// so their ids still resolve.
func LoadConfigFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read remotes file")
	}
	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "failed to parse remotes file")
	}
	seen := make(map[string]struct{}, len(file.Remotes))
	for i := range file.Remotes {
		cfg := &file.Remotes[i]
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[cfg.ID]; dup {
			return nil, errors.Errorf("duplicate remote id %q in remotes file", cfg.ID)
		}
		seen[cfg.ID] = struct{}{}
	}
	return file.Remotes, nil
}
