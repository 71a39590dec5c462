package envfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Precedence is the fixed merge order for project env files. Later
// files override earlier ones, and every file overrides the base
// process environment.
var Precedence = []string{".env", ".env.local", ".env.development", ".env.production"}

// Merge builds the environment for a process spawned in dir: the base
// environment overlaid with each env file from Precedence that exists.
// Files are KEY=VALUE lines with optional quoting; # lines are ignored
// (godotenv's parsing rules). Unreadable or malformed files are skipped
// so a broken .env never blocks a spawn.
func Merge(base []string, dir string) []string {
	merged := make(map[string]string, len(base))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}

	for _, name := range Precedence {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		vars, err := godotenv.Read(path)
		if err != nil {
			continue
		}
		for k, v := range vars {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, merged[k]))
	}
	return out
}
