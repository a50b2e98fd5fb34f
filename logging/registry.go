package logging

import (
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// LevelPattern assigns a level to every registered logger whose dotted name matches Pattern.
// A `*` matches any run of characters, e.g. "sandcore.autocalib.*".
type LevelPattern struct {
	Pattern string `json:"pattern"`
	Level   string `json:"level"`
}

// ParseLevelPattern parses the CLI form `pattern=level`.
func ParseLevelPattern(s string) (LevelPattern, error) {
	pattern, level, found := strings.Cut(s, "=")
	if !found || pattern == "" {
		return LevelPattern{}, errors.Errorf("expected pattern=level, got %q", s)
	}
	if !validPattern.MatchString(pattern) {
		return LevelPattern{}, errors.Errorf("invalid logger pattern %q", pattern)
	}
	if _, err := LevelFromString(level); err != nil {
		return LevelPattern{}, err
	}
	return LevelPattern{Pattern: pattern, Level: level}, nil
}

// e.g. "foo", "foo.*.bar" or "*".
var validPattern = regexp.MustCompile(`^([a-zA-Z0-9]+([_-]*[a-zA-Z0-9]+)*|\*)(\.([a-zA-Z0-9]+([_-]*[a-zA-Z0-9]+)*|\*))*$`)

func buildRegexFromPattern(pattern string) string {
	var matcher strings.Builder
	matcher.WriteRune('^')
	for _, ch := range pattern {
		switch ch {
		case '*':
			matcher.WriteString(`.*`)
		case '.':
			matcher.WriteString(`\.`)
		default:
			matcher.WriteRune(ch)
		}
	}
	matcher.WriteRune('$')
	return matcher.String()
}

type registry struct {
	mu       sync.RWMutex
	loggers  map[string]Logger
	patterns []LevelPattern
}

var globalRegistry = &registry{loggers: make(map[string]Logger)}

// levelFor returns the level of the last pattern matching name.
func (lr *registry) levelFor(name string) (Level, bool) {
	matched := false
	var level Level
	for _, lp := range lr.patterns {
		r, err := regexp.Compile(buildRegexFromPattern(lp.Pattern))
		if err != nil || !r.MatchString(name) {
			continue
		}
		parsed, err := LevelFromString(lp.Level)
		if err != nil {
			continue
		}
		level, matched = parsed, true
	}
	return level, matched
}

// register records logger under name, replacing any earlier logger of the same name, and applies
// the current patterns to it.
func (lr *registry) register(name string, logger Logger) Logger {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.loggers[name] = logger
	if level, ok := lr.levelFor(name); ok {
		logger.SetLevel(level)
	}
	return logger
}

// UpdateLevels replaces the active patterns and re-levels every registered logger. Loggers that no
// longer match any pattern keep their current level.
func UpdateLevels(patterns []LevelPattern) error {
	for _, lp := range patterns {
		if !validPattern.MatchString(lp.Pattern) {
			return errors.Errorf("invalid logger pattern %q", lp.Pattern)
		}
		if _, err := LevelFromString(lp.Level); err != nil {
			return err
		}
	}

	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.patterns = patterns
	for name, logger := range globalRegistry.loggers {
		if level, ok := globalRegistry.levelFor(name); ok {
			logger.SetLevel(level)
		}
	}
	return nil
}

// LoggerNamed returns a registered sublogger by its dotted name.
func LoggerNamed(name string) (Logger, bool) {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	logger, ok := globalRegistry.loggers[name]
	return logger, ok
}
