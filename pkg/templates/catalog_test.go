package templates

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenactf/instanced/pkg/types"
)

func TestParseTemplatesAppliesDefaults(t *testing.T) {
	fsys := fstest.MapFS{
		"challenges/web.yaml": {Data: []byte(`
id: web
image: ctf/web:1
internal_port: 80
`)},
		"challenges/README.md": {Data: []byte("ignored")},
	}

	catalog, err := LoadFS(fsys, "challenges")
	require.NoError(t, err)

	tpl, err := catalog.Get("web")
	require.NoError(t, err)
	assert.Equal(t, "web", tpl.Name)
	assert.Equal(t, types.DefaultResetIntervalSeconds, tpl.ResetIntervalSeconds)
	assert.Equal(t, types.DefaultMaxInstances, tpl.MaxInstances)
	assert.Equal(t, types.DefaultMemoryLimit, tpl.Limits.Memory)
	assert.Equal(t, time.Hour, tpl.Lifetime())
}

func TestLoadMultiDocument(t *testing.T) {
	fsys := fstest.MapFS{
		"pwn.yml": {Data: []byte(`
id: a
image: ctf/a
internal_port: 1337
reset_interval_seconds: 600
---
id: b
image: ctf/b
internal_port: 1337
max_instances: 2
`)},
	}

	catalog, err := LoadFS(fsys, ".")
	require.NoError(t, err)

	list := catalog.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
	assert.Equal(t, 2, list[1].MaxInstances)
	assert.Equal(t, 10*time.Minute, catalog.MinLifetime())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing image", "id: x\ninternal_port: 80\n"},
		{"bad port", "id: x\nimage: i\ninternal_port: 70000\n"},
		{"unknown field", "id: x\nimage: i\ninternal_port: 80\nreplicas: 3\n"},
		{"negative cpus", "id: x\nimage: i\ninternal_port: 80\nlimits:\n  cpus: -1\n"},
		{"empty", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFS(fstest.MapFS{"t.yaml": {Data: []byte(tc.data)}}, ".")
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsDuplicateIds(t *testing.T) {
	fsys := fstest.MapFS{
		"a.yaml": {Data: []byte("id: x\nimage: i\ninternal_port: 80\n")},
		"b.yaml": {Data: []byte("id: x\nimage: j\ninternal_port: 81\n")},
	}
	_, err := LoadFS(fsys, ".")
	assert.Error(t, err)
}

func TestGetUnknownTemplate(t *testing.T) {
	catalog, err := NewStaticCatalog()
	require.NoError(t, err)

	_, err = catalog.Get("nope")
	var notFound *types.ErrTemplateNotFound
	assert.ErrorAs(t, err, &notFound)
	assert.Equal(t, time.Duration(0), catalog.MinLifetime())
}

func TestGetReturnsCopy(t *testing.T) {
	catalog, err := NewStaticCatalog(&types.ChallengeTemplate{ID: "x", Image: "i", InternalPort: 80})
	require.NoError(t, err)

	tpl, _ := catalog.Get("x")
	tpl.MaxInstances = 999

	again, _ := catalog.Get("x")
	assert.Equal(t, types.DefaultMaxInstances, again.MaxInstances)
}

func TestLoadDirShippedTemplates(t *testing.T) {
	catalog, err := LoadDir("../../templates")
	require.NoError(t, err)

	ids := []string{}
	for _, tpl := range catalog.List() {
		ids = append(ids, tpl.ID)
	}
	assert.Equal(t, []string{"pwn-heap", "pwn-rop", "web-login"}, ids)
}
