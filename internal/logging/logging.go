// Package logging holds the logger shared by the internal packages. This is in an independent package to avoid
// dependency cycles.
package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type LogScopes uint64

const (
	LogScopeNone           = LogScopes(0)
	LogScopeTrap LogScopes = 1 << iota
	LogScopeAllocator
	LogScopePool
	LogScopeMemory
	LogScopeAll = LogScopes(0xffffffffffffffff)
)

func scopeName(s LogScopes) string {
	switch s {
	case LogScopeTrap:
		return "trap"
	case LogScopeAllocator:
		return "allocator"
	case LogScopePool:
		return "pool"
	case LogScopeMemory:
		return "memory"
	default:
		return fmt.Sprintf("<unknown=%d>", s)
	}
}

// IsEnabled returns true if the scope (or group of scopes) is enabled.
func (f LogScopes) IsEnabled(scope LogScopes) bool {
	return f&scope != 0
}

// String implements fmt.Stringer by returning each enabled log scope.
func (f LogScopes) String() string {
	if f == LogScopeAll {
		return "all"
	}
	var builder strings.Builder
	for i := 0; i <= 63; i++ { // cycle through all bits to reduce code and maintenance
		target := LogScopes(1 << i)
		if f.IsEnabled(target) {
			if name := scopeName(target); name != "" {
				if builder.Len() > 0 {
					builder.WriteByte('|')
				}
				builder.WriteString(name)
			}
		}
	}
	return builder.String()
}

// ParseLogScopes parses a comma or pipe separated list of scope names, e.g. "trap,pool". "all" enables every scope and
// the empty string none.
func ParseLogScopes(s string) (LogScopes, error) {
	var scopes LogScopes
	for _, name := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' }) {
		switch strings.TrimSpace(name) {
		case "all":
			return LogScopeAll, nil
		case "trap":
			scopes |= LogScopeTrap
		case "allocator":
			scopes |= LogScopeAllocator
		case "pool":
			scopes |= LogScopePool
		case "memory":
			scopes |= LogScopeMemory
		case "":
		default:
			return 0, fmt.Errorf("invalid log scope: %q", name)
		}
	}
	return scopes, nil
}

var (
	mux    sync.RWMutex
	logger = zap.NewNop()
	scopes = LogScopeAll
)

// Logger returns the logger of the internal packages. It is a no-op logger until SetLogger is called.
func Logger() *zap.Logger {
	mux.RLock()
	defer mux.RUnlock()
	return logger
}

// For returns the logger named after scope when scope is enabled, or a no-op logger otherwise.
func For(scope LogScopes) *zap.Logger {
	mux.RLock()
	defer mux.RUnlock()
	if !scopes.IsEnabled(scope) {
		return nopLogger
	}
	return logger.Named(scopeName(scope))
}

var nopLogger = zap.NewNop()

// SetLogger replaces the logger and the enabled scopes. A nil logger restores the no-op logger.
func SetLogger(l *zap.Logger, enabled LogScopes) {
	if l == nil {
		l = zap.NewNop()
	}
	mux.Lock()
	defer mux.Unlock()
	logger = l
	scopes = enabled
}
