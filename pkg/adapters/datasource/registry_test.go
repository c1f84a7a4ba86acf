package datasource

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_UnknownType(t *testing.T) {
	_, err := Open(context.Background(), "oracle", nil)
	require.ErrorContains(t, err, `unknown source type "oracle"`)
}

func TestOpen_SanitizesErrors(t *testing.T) {
	Register(Registration{
		Info: SourceInfo{Type: "failing", DisplayName: "Failing"},
		Open: func(config map[string]any) (*sql.DB, error) {
			return nil, errors.New("bad dsn postgres://app:hunter2@db:5432/x")
		},
	})

	_, err := Open(context.Background(), "failing", nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2")

	var types []string
	for _, info := range RegisteredSources() {
		types = append(types, info.Type)
	}
	assert.Contains(t, types, "failing")
}
