package control

import (
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"
)

// IDGenerator can generate IDs for control cycles, safety events, and
// recorded rows.
type IDGenerator interface {
	// Generate an ID
	Generate() string
}

// UseSequentialIDGenerator configures the ID generator to generate IDs in
// sequential. Sequential IDs keep cycle traces deterministic in tests.
func UseSequentialIDGenerator() {
	idGeneratorInstance = &sequentialIDGenerator{}
}

// UseParallelIDGenerator configures the ID generator to generate ID in
// parallel. The IDs generated will not be deterministic anymore.
func UseParallelIDGenerator() {
	idGeneratorInstance = &parallelIDGenerator{}
}

// GetIDGenerator returns the ID generator currently in use
func GetIDGenerator() IDGenerator {
	return idGeneratorInstance
}

var idGeneratorInstance IDGenerator = &sequentialIDGenerator{}

type sequentialIDGenerator struct {
	nextID uint64
}

func (g *sequentialIDGenerator) Generate() string {
	id := atomic.AddUint64(&g.nextID, 1) - 1
	return strconv.FormatUint(id, 10)
}

type parallelIDGenerator struct{}

func (g *parallelIDGenerator) Generate() string {
	return xid.New().String()
}
