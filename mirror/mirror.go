// Package mirror is the analytics side channel. It is deliberately lossy:
// the buffer drops the oldest doc on overflow and counts the drops. The
// sqlite ledger is the source of truth; nothing here is ever read back
// into trading decisions.
package mirror

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

// Doc is one analytics document.
type Doc map[string]any

// ledgerDocTypes are canonical in sqlite. The mirror accepts writes for
// them but refuses reads.
var ledgerDocTypes = map[string]bool{
	"trades":        true,
	"positions":     true,
	"backtest_runs": true,
}

// Sink receives encoded docs.
type Sink interface {
	WriteDoc(data []byte) error
}

// FileSink appends a msgpack stream to one file.
type FileSink struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewFileSink opens (appending) the analytics stream at path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mirror sink: %w", err)
	}
	return &FileSink{w: f}, nil
}

func (s *FileSink) WriteDoc(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(data)
	return err
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}

// Mirror buffers docs and drains them to the sink in the background.
type Mirror struct {
	sink    Sink
	ch      chan Doc
	dropped atomic.Int64
	written atomic.Int64
}

// New builds a mirror with the given buffer capacity.
func New(sink Sink, buffer int) *Mirror {
	if buffer < 1 {
		buffer = 1
	}
	return &Mirror{sink: sink, ch: make(chan Doc, buffer)}
}

// Publish stamps and enqueues a doc. Never blocks: on a full buffer the
// oldest doc is dropped and counted.
func (m *Mirror) Publish(docType string, fields map[string]any) {
	doc := make(Doc, len(fields)+4)
	for k, v := range fields {
		doc[k] = v
	}
	doc["doc_type"] = docType
	doc["canonical_source"] = "sqlite"
	doc["analytics_mirror"] = true
	doc["ts"] = time.Now().UTC().UnixMilli()

	for {
		select {
		case m.ch <- doc:
			return
		default:
		}
		select {
		case <-m.ch:
			m.dropped.Add(1)
		default:
		}
	}
}

// Read refuses ledger doc types: the canonical source is sqlite. Other
// doc types are fire-and-forget, so there is nothing to return.
func (m *Mirror) Read(docType string) ([]Doc, error) {
	if ledgerDocTypes[docType] {
		return nil, fmt.Errorf("doc type %q is write-only in the mirror; read it from the ledger", docType)
	}
	return nil, nil
}

// Dropped reports how many docs were lost to overflow.
func (m *Mirror) Dropped() int64 { return m.dropped.Load() }

// Written reports how many docs reached the sink.
func (m *Mirror) Written() int64 { return m.written.Load() }

// Run drains the buffer until ctx is done, then flushes whatever is left.
// Sink failures are logged and swallowed.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case doc := <-m.ch:
			m.emit(doc)
		case <-ctx.Done():
			for {
				select {
				case doc := <-m.ch:
					m.emit(doc)
				default:
					if n := m.dropped.Load(); n > 0 {
						log.Warn().Int64("dropped_docs", n).Msg("Analytics mirror lost docs to overflow")
					}
					return
				}
			}
		}
	}
}

func (m *Mirror) emit(doc Doc) {
	data, err := msgpack.Marshal(doc)
	if err != nil {
		log.Warn().Err(err).Msg("Mirror doc encode failed")
		return
	}
	if err := m.sink.WriteDoc(data); err != nil {
		log.Warn().Err(err).Msg("Mirror sink write failed")
		return
	}
	m.written.Add(1)
}

// Drain empties the buffer synchronously. Test and shutdown helper.
func (m *Mirror) Drain() {
	for {
		select {
		case doc := <-m.ch:
			m.emit(doc)
		default:
			return
		}
	}
}
