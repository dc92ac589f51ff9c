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

// OverrideVars name environment variables that point at an env file and
// take precedence over the --env flag.
var OverrideVars = []string{"GREENHOUSE_ENV_FILE", "HORSE_ENV_FILE"}

// EnvLoader loads a .env file chosen by flag, override variable or fallback.
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
	return &EnvLoader{
		value:       fs.String("env", defaultPath, description),
		defaultPath: defaultPath,
	}
}

type envCandidate struct {
	path     string
	origin   string
	override bool
}

// candidates lists env files in load order: override variables, the flag
// value, its basename in the working directory, then the default.
func (l *EnvLoader) candidates() []envCandidate {
	var out []envCandidate
	seen := make(map[string]struct{})
	add := func(path, origin string, override bool) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		out = append(out, envCandidate{path: path, origin: origin, override: override})
	}

	for _, name := range OverrideVars {
		add(os.Getenv(name), name, true)
	}
	requested := l.requested()
	add(requested, "--env", false)
	add(filepath.Base(requested), "basename fallback", false)
	add(l.defaultPath, "default", false)
	return out
}

func (l *EnvLoader) requested() string {
	if l.value != nil && strings.TrimSpace(*l.value) != "" {
		return strings.TrimSpace(*l.value)
	}
	return l.defaultPath
}

// Load overlays the first readable candidate onto the process environment
// and returns its path.
func (l *EnvLoader) Load() (string, error) {
	if l == nil {
		return "", fmt.Errorf("env loader is nil")
	}
	log.SetOutput(os.Stderr)

	for _, c := range l.candidates() {
		if err := godotenv.Overload(c.path); err != nil {
			if c.override {
				log.Printf("Warning: failed to load %s=%s", c.origin, c.path)
			}
			continue
		}
		log.Printf("Loaded environment from %s: %s", c.origin, c.path)
		return c.path, nil
	}
	return "", fmt.Errorf("failed to load env file from %s", l.requested())
}
