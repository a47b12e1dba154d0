package database

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	writeQueueLen   = 4096
	writeOpTimeout  = 10 * time.Second
	writerDrainTime = 5 * time.Second
)

type writeOp struct {
	desc string
	fn   func(ctx context.Context) error
}

// StartWriter drains the save queue on a single goroutine, which keeps
// inserts for any one game in enqueue order. Runs until ctx is canceled,
// then drains briefly so a shutdown doesn't throw away queued saves.
func (s *Store) StartWriter(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				s.drain()
				return
			case op := <-s.ops:
				s.exec(op)
			}
		}
	}()
}

func (s *Store) drain() {
	deadline := time.After(writerDrainTime)
	for {
		select {
		case op := <-s.ops:
			s.exec(op)
		case <-deadline:
			s.log.Warnf("db writer: drain timed out with %d ops queued", len(s.ops))
			return
		default:
			return
		}
	}
}

func (s *Store) exec(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), writeOpTimeout)
	defer cancel()
	if err := op.fn(ctx); err != nil {
		s.log.WithFields(logrus.Fields{
			"op":    op.desc,
			"error": err,
		}).Error("db write failed")
	}
}

// enqueue hands a save to the writer. If the queue is full the op is
// dropped with a log line rather than stalling a client loop.
func (s *Store) enqueue(desc string, fn func(ctx context.Context) error) {
	select {
	case s.ops <- writeOp{desc: desc, fn: fn}:
	default:
		s.log.Errorf("db writer: queue full, dropping %s", desc)
	}
}
