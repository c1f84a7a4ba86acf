package ops

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ekaya-inc/ekaya-features/pkg/sparse"
)

// DecodeEnv carries the shared resources an operator may need when it is
// rebuilt from a persisted workflow.
type DecodeEnv struct {
	Matrices map[string]*sparse.Matrix
	Funcs    map[string]LambdaFunc
}

// Decoder rebuilds an operator from its persisted config.
type Decoder func(config json.RawMessage, env DecodeEnv) (Operator, error)

var (
	registryMu sync.RWMutex
	registry   = map[Kind]Decoder{
		KindCategorify:       decodeCategorify,
		KindTargetEncoding:   decodeTargetEncoding,
		KindTimeDelta:        decodeTimeDelta,
		KindColumnSimilarity: decodeColumnSimilarity,
		KindFillMissing:      decodeFillMissing,
		KindLog:              decodeLog,
		KindNormalize:        decodeNormalize,
		KindRename:           decodeRename,
		KindLambda:           decodeLambda,
	}
)

// Register makes a custom operator kind loadable from persisted workflows.
// Registering an existing kind replaces its decoder.
func Register(kind Kind, dec Decoder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = dec
}

// Decode rebuilds an operator of the given kind.
func Decode(kind Kind, config json.RawMessage, env DecodeEnv) (Operator, error) {
	registryMu.RLock()
	dec, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown operator kind %q", kind)
	}
	op, err := dec(config, env)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s operator: %w", kind, err)
	}
	return op, nil
}

// RegisteredKinds returns all registered kinds, sorted.
func RegisteredKinds() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func lookupMatrix(env DecodeEnv, name string) (*sparse.Matrix, error) {
	m, ok := env.Matrices[name]
	if !ok {
		return nil, fmt.Errorf("sparse matrix %q not provided", name)
	}
	return m, nil
}
