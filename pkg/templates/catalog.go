// Package templates loads the read-only challenge template catalog.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/arenactf/instanced/pkg/types"
)

// Catalog resolves challenge templates by id
type Catalog interface {
	Get(templateId string) (*types.ChallengeTemplate, error)
	List() []*types.ChallengeTemplate
}

// StaticCatalog is an immutable, in-memory Catalog
type StaticCatalog struct {
	templates map[string]*types.ChallengeTemplate
}

// NewStaticCatalog builds a catalog from already-parsed templates, applying
// defaults and rejecting invalid or duplicate definitions.
func NewStaticCatalog(templates ...*types.ChallengeTemplate) (*StaticCatalog, error) {
	c := &StaticCatalog{templates: make(map[string]*types.ChallengeTemplate, len(templates))}
	for _, t := range templates {
		t.ApplyDefaults()
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, ok := c.templates[t.ID]; ok {
			return nil, fmt.Errorf("duplicate template id %q", t.ID)
		}
		c.templates[t.ID] = t
	}
	return c, nil
}

func (c *StaticCatalog) Get(templateId string) (*types.ChallengeTemplate, error) {
	t, ok := c.templates[templateId]
	if !ok {
		return nil, &types.ErrTemplateNotFound{TemplateId: templateId}
	}
	copied := *t
	return &copied, nil
}

func (c *StaticCatalog) List() []*types.ChallengeTemplate {
	out := make([]*types.ChallengeTemplate, 0, len(c.templates))
	for _, t := range c.templates {
		copied := *t
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MinLifetime returns the shortest reset interval in the catalog, or 0 when empty
func (c *StaticCatalog) MinLifetime() time.Duration {
	var shortest time.Duration
	for _, t := range c.templates {
		if shortest == 0 || t.Lifetime() < shortest {
			shortest = t.Lifetime()
		}
	}
	return shortest
}

// LoadDir reads every *.yaml / *.yml file in dir into a catalog
func LoadDir(dir string) (*StaticCatalog, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("read templates directory: %w", err)
	}
	return LoadFS(os.DirFS(dir), ".")
}

// LoadFS reads every template file under root in fsys
func LoadFS(fsys fs.FS, root string) (*StaticCatalog, error) {
	var templates []*types.ChallengeTemplate

	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		parsed, err := ParseTemplates(data)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		templates = append(templates, parsed...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	catalog, err := NewStaticCatalog(templates...)
	if err != nil {
		return nil, err
	}

	log.Info().Int("count", len(catalog.templates)).Msg("loaded challenge templates")
	return catalog, nil
}

// ParseTemplates parses one or more YAML documents, each a single template
func ParseTemplates(data []byte) ([]*types.ChallengeTemplate, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []*types.ChallengeTemplate
	for {
		var t types.ChallengeTemplate
		err := dec.Decode(&t)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse template yaml: %w", err)
		}
		out = append(out, &t)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no templates defined")
	}
	return out, nil
}
