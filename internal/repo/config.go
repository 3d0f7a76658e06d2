package repo

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/oxen-ai/oxen-go/internal/oxerr"
)

// DefaultRemoteName is the remote used when none is named.
const DefaultRemoteName = "origin"

// Remotes parses .oxen/config and returns remote names to URLs with any
// embedded credentials stripped. A missing config file yields an empty map.
func (r *Repository) Remotes() map[string]string {
	content, err := os.ReadFile(r.ConfigPath())
	if err != nil {
		return make(map[string]string)
	}
	return parseRemotesFromConfig(string(content))
}

// RemoteURL resolves one remote. NotFound if the name is not configured.
func (r *Repository) RemoteURL(name string) (string, error) {
	if url, ok := r.Remotes()[name]; ok {
		return url, nil
	}
	return "", oxerr.NotFound("no remote %q configured", name)
}

// SetRemote adds or replaces a remote and rewrites the config file.
func (r *Repository) SetRemote(name, url string) error {
	if name == "" || strings.ContainsAny(name, "[]\"\n") {
		return oxerr.InvalidInput("invalid remote name %q", name)
	}
	remotes := r.Remotes()
	remotes[name] = url

	names := make([]string, 0, len(remotes))
	for n := range remotes {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "[remote %q]\n\turl = %s\n", n, remotes[n])
	}
	if err := os.WriteFile(r.ConfigPath(), []byte(b.String()), 0o644); err != nil {
		return oxerr.Wrap(oxerr.CodeIO, err, "writing config")
	}
	return nil
}

// parseRemotesFromConfig parses the config file's remote sections.
func parseRemotesFromConfig(config string) map[string]string {
	remotes := make(map[string]string)
	var currentRemote string

	for _, line := range strings.Split(config, "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, "[remote \"") && strings.HasSuffix(line, "\"]") {
			start := strings.Index(line, "\"") + 1
			end := strings.LastIndex(line, "\"")
			if start > 0 && end > start {
				currentRemote = line[start:end]
			}
			continue
		}

		if strings.HasPrefix(line, "[") && !strings.HasPrefix(line, "[remote") {
			currentRemote = ""
			continue
		}

		if currentRemote != "" && strings.HasPrefix(line, "url = ") {
			url := strings.TrimPrefix(line, "url = ")
			remotes[currentRemote] = stripCredentials(url)
			currentRemote = ""
		}
	}
	return remotes
}

// stripCredentials removes embedded credentials from HTTP/HTTPS URLs.
func stripCredentials(url string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(url, scheme) && strings.Contains(url, "@") {
			parts := strings.SplitN(url, "@", 2)
			if len(parts) == 2 {
				return scheme + parts[1]
			}
		}
	}
	return url
}
