package idgen

import (
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Snowflake IDs
// ============================================================================
//
//   0 - 41 bit timestamp - 10 bit worker id - 12 bit sequence
//
// Order and transaction numbers are derived from these ids so they are unique,
// roughly time ordered and do not expose business volume.
//
// ============================================================================

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator *Snowflake
	once             sync.Once

	millisMu   sync.Mutex
	lastMillis int64
)

// Init sets up the default generator. Later calls are ignored.
func Init(workerID int64) error {
	if workerID < 0 || workerID > maxWorkerID {
		return fmt.Errorf("workerID must be within 0-%d", maxWorkerID)
	}
	once.Do(func() {
		defaultGenerator = &Snowflake{workerID: workerID}
	})
	return nil
}

func NextID() int64 {
	once.Do(func() {
		defaultGenerator = &Snowflake{workerID: 1}
	})
	return defaultGenerator.Generate()
}

func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// sequence exhausted, spin to the next millisecond
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

// NextMillis returns a unix millisecond timestamp that is strictly greater
// than any value previously returned by this process. Deposit references
// embed it, so two initiations in the same millisecond still differ.
func NextMillis() int64 {
	millisMu.Lock()
	defer millisMu.Unlock()

	now := time.Now().UnixMilli()
	if now <= lastMillis {
		now = lastMillis + 1
	}
	lastMillis = now
	return now
}

// GenerateOrderNo e.g. ORD2024011514305212345678
func GenerateOrderNo() string {
	id := NextID()
	timestamp := time.Now().Format("20060102150405")
	return fmt.Sprintf("ORD%s%08d", timestamp, id%100000000)
}

func GenerateTransactionNo() string {
	id := NextID()
	timestamp := time.Now().Format("20060102150405")
	return fmt.Sprintf("TXN%s%08d", timestamp, id%100000000)
}
