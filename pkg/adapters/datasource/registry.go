// Package datasource opens database/sql connections to the databases a
// workflow reads its input rows from. Each database type registers itself
// from its own package's init function.
package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/ekaya-inc/ekaya-features/pkg/logging"
)

// SourceInfo describes a registered source type.
type SourceInfo struct {
	Type        string // "postgres", "mssql"
	DisplayName string // "PostgreSQL", "Microsoft SQL Server"
}

// Registration pairs a source type with the function that opens it from a
// generic config map, as read from YAML or JSON.
type Registration struct {
	Info SourceInfo
	Open func(config map[string]any) (*sql.DB, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Registration)
)

// Register is called by each source package's init() function.
func Register(reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredSources returns info for all registered source types, sorted by type.
func RegisteredSources() []SourceInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]SourceInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// Open connects to a source of the given type and verifies it is reachable.
func Open(ctx context.Context, sourceType string, config map[string]any) (*sql.DB, error) {
	registryMu.RLock()
	reg, ok := registry[sourceType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source type %q", sourceType)
	}

	db, err := reg.Open(config)
	if err != nil {
		return nil, fmt.Errorf("open %s source: %s", sourceType, logging.SanitizeError(err))
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s source: %s", sourceType, logging.SanitizeError(err))
	}
	return db, nil
}
