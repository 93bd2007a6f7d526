// Package idgen hands out ids that never collide across replicas.
package idgen

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Generator produces ids of the form clientID<<32 | counter. The client id
// must fit into 31 bits so the top bit stays free for merge version ids, and
// must not be 0, whose first id would be the root node id.
type Generator struct {
	clientID int64
	counter  atomic.Uint32
}

func New(clientID uint32) (*Generator, error) {
	if clientID == 0 {
		return nil, fmt.Errorf("idgen: client id 0 is reserved")
	}
	if clientID > math.MaxInt32 {
		return nil, fmt.Errorf("idgen: client id %d does not fit into 31 bits", clientID)
	}
	return &Generator{clientID: int64(clientID)}, nil
}

func (g *Generator) ClientID() uint32 {
	return uint32(g.clientID)
}

// Generate returns the next id. Ids of one generator increase monotonically.
// It panics once the 32-bit counter is exhausted.
func (g *Generator) Generate() int64 {
	n := g.counter.Add(1)
	if n == 0 {
		panic("idgen: id range exhausted")
	}
	return g.clientID<<32 | int64(n)
}
