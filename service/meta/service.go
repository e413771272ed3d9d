// Package meta loads declaration documents (target inventories, test
// case requirements) from any afs-addressable location, expanding
// ${env.KEY} expressions before decoding.
package meta

import (
	"context"
	"fmt"

	"github.com/viant/afs"
	"github.com/viant/afs/storage"
	"github.com/viant/afs/url"
	"gopkg.in/yaml.v3"
)

// Service loads YAML declaration documents relative to a base URL.
type Service struct {
	fs      afs.Service
	baseURL string
	options []storage.Option
}

// New creates a meta service.
func New(fs afs.Service, baseURL string, options ...storage.Option) *Service {
	return &Service{fs: fs, baseURL: baseURL, options: options}
}

// Load reads the document at URL (resolved against the base URL when
// relative), expands environment expressions and decodes it into target.
func (s *Service) Load(ctx context.Context, URL string, target interface{}) error {
	data, err := s.Download(ctx, URL)
	if err != nil {
		return err
	}
	if err = yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to decode %s: %w", URL, err)
	}
	return nil
}

// Download reads the raw document with environment expressions expanded.
func (s *Service) Download(ctx context.Context, URL string) ([]byte, error) {
	location := s.resolve(URL)
	data, err := s.fs.DownloadWithURL(ctx, location, s.options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", location, err)
	}
	return []byte(expandEnvExpr(string(data))), nil
}

// List enumerates documents under the given location.
func (s *Service) List(ctx context.Context, URL string) ([]storage.Object, error) {
	return s.fs.List(ctx, s.resolve(URL), s.options...)
}

func (s *Service) resolve(URL string) string {
	if s.baseURL != "" && url.IsRelative(URL) {
		return url.Join(s.baseURL, URL)
	}
	return URL
}
