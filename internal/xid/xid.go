package xid

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// Sequencer hands out strictly increasing snowflake ids.
type Sequencer struct {
	mu   sync.Mutex
	node *snowflake.Node
	last int64
}

func NewSequencer(node int64) (*Sequencer, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, err
	}
	return &Sequencer{node: n}, nil
}

func MustSequencer(node int64) *Sequencer {
	seq, err := NewSequencer(node)
	if err != nil {
		panic(err)
	}
	return seq
}

func (s *Sequencer) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.node.Generate().Int64()
	if next <= s.last {
		next = s.last + 1
	}
	s.last = next
	return next
}

func (s *Sequencer) NextID() string {
	return Format(s.Next())
}

func Format(seq int64) string {
	return snowflake.ID(seq).String()
}
