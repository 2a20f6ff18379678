package graph

import (
	"context"
	"io"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// Driver construction is lazy, so an exporter over an unreachable address
// can still be built and closed without network IO.
func TestExporterClose(t *testing.T) {
	driver, err := neo4j.NewDriverWithContext("bolt://localhost:7687", neo4j.NoAuth())
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	e := &Exporter{driver: driver, database: "neo4j", logger: logger}
	require.NoError(t, e.Close(context.Background()))
}
