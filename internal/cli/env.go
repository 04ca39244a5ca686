package cli

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// EnvLoader loads .env files with a predictable override order.
type EnvLoader struct {
	value       *string
	defaultPath string
}

// AddEnvFlag registers an --env flag and returns an EnvLoader.
func AddEnvFlag(fs *flag.FlagSet, defaultPath, description string) *EnvLoader {
	if fs == nil {
		fs = flag.CommandLine
	}
	if defaultPath == "" {
		defaultPath = ".env"
	}
	if description == "" {
		description = "Path to the .env file"
	}

	value := fs.String("env", defaultPath, description)
	return &EnvLoader{
		value:       value,
		defaultPath: defaultPath,
	}
}

// EnvFileVar names an env file that must load, overriding --env.
const EnvFileVar = "ADOBS_ENV_FILE"

// Load overlays the first existing env file onto the process environment and
// returns its path. Deployments usually configure through the environment
// alone, so finding no file is not an error; an explicit EnvFileVar that
// fails to load, or an existing file that fails to parse, is.
func (l *EnvLoader) Load() (string, error) {
	if l == nil {
		return "", fmt.Errorf("env loader is nil")
	}

	log.SetOutput(os.Stderr)

	if custom := strings.TrimSpace(os.Getenv(EnvFileVar)); custom != "" {
		if err := godotenv.Overload(custom); err != nil {
			return "", fmt.Errorf("load %s=%s: %w", EnvFileVar, custom, err)
		}
		log.Printf("Loaded environment from %s: %s", EnvFileVar, custom)
		return custom, nil
	}

	for _, candidate := range l.candidates() {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if err := godotenv.Overload(candidate); err != nil {
			return "", fmt.Errorf("load env file %s: %w", candidate, err)
		}
		log.Printf("Loaded environment from: %s", candidate)
		return candidate, nil
	}
	return "", nil
}

// candidates lists the requested path, its basename in the working directory
// and the default path, without repeats.
func (l *EnvLoader) candidates() []string {
	requested := strings.TrimSpace(derefString(l.value))
	if requested == "" {
		requested = l.defaultPath
	}
	out := make([]string, 0, 3)
	for _, p := range []string{requested, filepath.Base(requested), l.defaultPath} {
		if p == "" || p == "." {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen == p {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, p)
		}
	}
	return out
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
