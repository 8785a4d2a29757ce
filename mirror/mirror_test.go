package mirror

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type captureSink struct {
	mu   sync.Mutex
	docs []Doc
}

func (s *captureSink) WriteDoc(data []byte) error {
	var doc Doc
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return err
	}
	s.mu.Lock()
	s.docs = append(s.docs, doc)
	s.mu.Unlock()
	return nil
}

type failingSink struct{}

func (failingSink) WriteDoc([]byte) error { return errors.New("sink down") }

func TestOverflowDropsOldest(t *testing.T) {
	sink := &captureSink{}
	m := New(sink, 2)

	m.Publish("signals", map[string]any{"seq": int64(1)})
	m.Publish("signals", map[string]any{"seq": int64(2)})
	m.Publish("signals", map[string]any{"seq": int64(3)})

	m.Drain()

	assert.EqualValues(t, 1, m.Dropped())
	require.Len(t, sink.docs, 2)
	assert.EqualValues(t, 2, sink.docs[0]["seq"])
	assert.EqualValues(t, 3, sink.docs[1]["seq"])
}

func TestDocsCarryCanonicalStamp(t *testing.T) {
	sink := &captureSink{}
	m := New(sink, 8)

	m.Publish("trades", map[string]any{"trade_id": "t-1", "event": "opened"})
	m.Drain()

	require.Len(t, sink.docs, 1)
	doc := sink.docs[0]
	assert.Equal(t, "sqlite", doc["canonical_source"])
	assert.Equal(t, true, doc["analytics_mirror"])
	assert.Equal(t, "trades", doc["doc_type"])
	assert.Equal(t, "t-1", doc["trade_id"])
	assert.NotNil(t, doc["ts"])
}

func TestLedgerDocTypesRefuseReads(t *testing.T) {
	m := New(&captureSink{}, 4)

	for _, docType := range []string{"trades", "positions", "backtest_runs"} {
		_, err := m.Read(docType)
		assert.ErrorContains(t, err, "write-only", docType)
	}

	docs, err := m.Read("signals")
	assert.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSinkFailureIsSwallowed(t *testing.T) {
	m := New(failingSink{}, 4)

	m.Publish("metrics", map[string]any{"name": "cpu"})
	m.Drain()

	assert.EqualValues(t, 0, m.Written())
	assert.EqualValues(t, 0, m.Dropped())
}
