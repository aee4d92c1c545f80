package discovery_test

import (
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/stefanaki/topology-plugin/pkg/discovery"
	"github.com/stefanaki/topology-plugin/pkg/platform"
	"github.com/stefanaki/topology-plugin/pkg/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeAR(t *testing.T) (*assert.Assertions, *require.Assertions) {
	return assert.New(t), require.New(t)
}

// countingSnapshot tracks the enumeration handles it hands out.
type countingSnapshot struct {
	*platform.Static
	iterators, closed  int
	entries, released int
}

func newSnapshot() *countingSnapshot {
	return &countingSnapshot{Static: platform.NewStatic()}
}

func (s *countingSnapshot) Children(path string) (platform.Iterator, error) {
	it, err := s.Static.Children(path)
	if err != nil {
		return nil, err
	}
	s.iterators++
	return &countingIterator{Iterator: it, s: s}, nil
}

func (s *countingSnapshot) balanced() bool {
	return s.iterators == s.closed && s.entries == s.released
}

type countingIterator struct {
	platform.Iterator
	s *countingSnapshot
}

func (it *countingIterator) Next() (platform.Entry, bool) {
	e, ok := it.Iterator.Next()
	if !ok {
		return nil, false
	}
	it.s.entries++
	return &countingEntry{Entry: e, s: it.s}, true
}

func (it *countingIterator) Close() error {
	it.s.closed++
	return it.Iterator.Close()
}

type countingEntry struct {
	platform.Entry
	s *countingSnapshot
}

func (e *countingEntry) Release() {
	e.s.released++
	e.Entry.Release()
}

// logSink records every log line, tracing included.
type logSink struct {
	lines []string
}

func (l *logSink) logger() logr.Logger {
	return funcr.New(func(prefix, args string) {
		l.lines = append(l.lines, prefix+" "+args)
	}, funcr.Options{Verbosity: 4})
}

func (l *logSink) contains(substr string) bool {
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func discover(t *testing.T, s platform.Snapshot, opts discovery.Options) (*discovery.Result, *logSink) {
	t.Helper()
	sink := &logSink{}
	res, err := discovery.NewPipeline(s, opts, sink.logger()).Run()
	require.NoError(t, err)
	require.NoError(t, res.Tree.Validate())
	return res, sink
}

func cpusets(objs []*topology.Object) []string {
	var s []string
	for _, o := range objs {
		s = append(s, o.CPUSet.String())
	}
	return s
}
