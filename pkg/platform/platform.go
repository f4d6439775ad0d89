package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/cuemby/logship/pkg/log"
	"github.com/cuemby/logship/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Version is the agent version reported in every entry's labels
var Version = "dev"

// InstanceIDFile is the file inside the data directory holding the
// persistent instance id
const InstanceIDFile = "instance-id"

// Provider supplies the global labels merged into every entry
type Provider interface {
	Labels() types.Labels
}

// Static is a fixed set of labels
type Static types.Labels

func (s Static) Labels() types.Labels {
	return types.Labels(s).Clone()
}

// Runtime describes the running process and host
type Runtime struct {
	labels types.Labels
}

// NewRuntime collects host and build information once. The instance id is
// read from dataDir or created there on first use.
func NewRuntime(fs afero.Fs, dataDir string) *Runtime {
	labels := types.Labels{
		"logship-version": types.String(Version),
		"platform":        types.String(runtime.GOOS),
		"arch":            types.String(runtime.GOARCH),
		"go-version":      types.String(runtime.Version()),
		"instance-id":     types.String(ensureInstanceID(fs, dataDir)),
	}

	if host, err := os.Hostname(); err == nil {
		labels["host"] = types.String(host)
	}
	if lang := language(); lang != "" {
		labels["language"] = types.String(lang)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Path != "" {
			labels["app-id"] = types.String(info.Main.Path)
		}
		if info.Main.Version != "" {
			labels["app-version"] = types.String(info.Main.Version)
		}
	}

	return &Runtime{labels: labels}
}

func (r *Runtime) Labels() types.Labels {
	return r.labels.Clone()
}

// language returns the user locale from the environment, e.g. "en-US"
func language() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := os.Getenv(key)
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		return strings.ReplaceAll(v, "_", "-")
	}
	return ""
}

// ensureInstanceID returns the persisted instance id, creating it when
// missing. It falls back to an ephemeral id when the directory is not
// writable.
func ensureInstanceID(fs afero.Fs, dataDir string) string {
	logger := log.WithComponent("platform")

	if err := fs.MkdirAll(dataDir, 0o700); err != nil {
		logger.Warn().Err(err).Msg("Using ephemeral instance id")
		return uuid.NewString()
	}

	path := filepath.Join(dataDir, InstanceIDFile)
	if data, err := afero.ReadFile(fs, path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String()
		}
		logger.Warn().Str("path", path).Msg("Replacing malformed instance id")
	}

	id := uuid.NewString()
	if err := afero.WriteFile(fs, path, []byte(id+"\n"), 0o600); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist instance id")
	}
	return id
}
