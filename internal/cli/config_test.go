package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/acksell/portalsync/collection"
	"github.com/acksell/portalsync/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
dataDir: /var/lib/portalsync
remote: dynamodb
dynamodb:
  table: portal
  region: eu-north-1
  pollInterval: 2s
metricsAddr: ":9090"
maxAttempts: 8
resyncAfter: 24h
collections:
  - name: signals
  - name: events
    orderBy: scheduledAt
    ascending: true
    remoteIndex: byScheduledAt
watch:
  - collection: signals
    limit: 50
`

func TestLoadConfig_WalksUp(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte(sampleConfig), 0o644))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	t.Chdir(nested)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/portalsync", cfg.DataDir)
	assert.Equal(t, RemoteDynamoDB, cfg.Remote)
	assert.Equal(t, DynamoDBConfig{Table: "portal", Region: "eu-north-1", PollInterval: 2 * time.Second}, cfg.DynamoDB)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, 8, cfg.MaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.ResyncAfter)
	assert.Equal(t, []collection.Definition{
		{Name: "signals"},
		{Name: "events", OrderBy: "scheduledAt", Ascending: true, RemoteIndex: "byScheduledAt"},
	}, cfg.Collections)
	assert.Equal(t, []remote.Query{{Collection: "signals", Limit: 50}}, watchQueries(cfg))
}

func TestLoadConfig_Missing(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, Config{}, cfg)
	assert.Equal(t, collection.Defaults, cfg.definitions())
	assert.Len(t, watchQueries(cfg), len(collection.Defaults))

	_, err = LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_CollectionsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "collections.yaml"), []byte("collections:\n  - name: complaints\n"), 0o644))
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("collectionsFile: collections.yaml\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []collection.Definition{{Name: "complaints"}}, cfg.definitions())
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxAttempts: [1"), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestResolve_FlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portalsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dataDir: from-config\nremote: dynamodb\n"), 0o644))

	cmd := NewRootCommand()
	opts := &RootOptions{ConfigPath: path, Remote: RemoteMemory, LogLevel: "debug", Format: "text"}
	require.NoError(t, opts.resolve(cmd))
	assert.Equal(t, "from-config", opts.DataDir)
	assert.Equal(t, RemoteMemory, opts.Remote)

	opts = &RootOptions{ConfigPath: path, DataDir: "from-flag", LogLevel: "info", Format: "json"}
	require.NoError(t, opts.resolve(cmd))
	assert.Equal(t, "from-flag", opts.DataDir)
	assert.Equal(t, RemoteDynamoDB, opts.Remote)
}

func TestParsePayload(t *testing.T) {
	payload, err := parsePayload(`{"title":"Benches","votes":1}`, []string{
		"votes=3",
		"urgent=true",
		"tags=[road, lights]",
		"location={lat: 59.85, lon: 17.63}",
		"note=",
		"street=Kungsgatan 4",
	}, false)
	require.NoError(t, err)
	assert.Equal(t, "Benches", payload["title"])
	assert.Equal(t, 3, payload["votes"])
	assert.Equal(t, true, payload["urgent"])
	assert.Equal(t, []any{"road", "lights"}, payload["tags"])
	assert.Equal(t, map[string]any{"lat": 59.85, "lon": 17.63}, payload["location"])
	assert.Equal(t, "", payload["note"])
	assert.Equal(t, "Kungsgatan 4", payload["street"])

	payload, err = parsePayload("", []string{"votes=3"}, true)
	require.NoError(t, err)
	assert.Equal(t, "3", payload["votes"])

	_, err = parsePayload("", []string{"novalue"}, false)
	assert.Error(t, err)
	_, err = parsePayload("", []string{"=3"}, false)
	assert.Error(t, err)
	_, err = parsePayload("[1]", nil, false)
	assert.Error(t, err)
}
