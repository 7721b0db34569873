package server

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/PixelWeatherProject/pwmp-server/internal/proto"
)

// idBatchSize is how many ids one refill draws from the system CSPRNG.
// Batching amortizes the syscall over many messages.
const idBatchSize = 64

// MsgIDGenerator is a process-wide source of unpredictable 64-bit message
// ids, backed by the system CSPRNG, that refills a small buffer behind a
// mutex. The self-test client draws its request ids from it; session
// responses do not use it and follow the sequential id chain instead.
type MsgIDGenerator struct {
	mu  sync.Mutex
	buf []proto.MsgID
}

var (
	globalIDs     *MsgIDGenerator
	globalIDsOnce sync.Once
)

// MsgIDs returns the process-wide generator, initializing it on first use.
func MsgIDs() *MsgIDGenerator {
	globalIDsOnce.Do(func() {
		globalIDs = &MsgIDGenerator{buf: make([]proto.MsgID, 0, idBatchSize)}
	})
	return globalIDs
}

// Next returns a fresh unpredictable message id.
func (g *MsgIDGenerator) Next() (proto.MsgID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.buf) == 0 {
		if err := g.refill(); err != nil {
			return 0, err
		}
	}

	id := g.buf[len(g.buf)-1]
	g.buf = g.buf[:len(g.buf)-1]
	return id, nil
}

// refill draws a full batch from the system CSPRNG. Caller holds the mutex.
func (g *MsgIDGenerator) refill() error {
	raw := make([]byte, idBatchSize*8)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("refill message id buffer: %w", err)
	}

	for i := 0; i < idBatchSize; i++ {
		g.buf = append(g.buf, proto.MsgID(binary.BigEndian.Uint64(raw[i*8:])))
	}
	return nil
}
