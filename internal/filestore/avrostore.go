// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package filestore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/linkedin/goavro/v2"

	"github.com/NHR-FAU/smalldata-go/internal/schema"
	"github.com/NHR-FAU/smalldata-go/pkg/log"
)

// AvroFileStore is the FileStore backed by one Avro Object Container
// File per key: every row is a record {v: array<long|double>, shape:
// array<int>}, so fixed, ragged and variable rows all share one schema
// per dtype regardless of shape. A node's OCF writer is kept open for
// the life of the run and appended to every round.
type AvroFileStore struct {
	rootDir string

	mu    sync.Mutex
	nodes map[string]*avroNode
	total int
}

func NewAvroFileStore(rootDir string) (*AvroFileStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create root dir: %w", err)
	}
	return &AvroFileStore{rootDir: rootDir, nodes: map[string]*avroNode{}}, nil
}

func sanitizeKey(key string) string {
	return strings.ReplaceAll(key, "/", "__")
}

func rowSchema(dtype schema.Dtype) string {
	itemType := "long"
	if dtype == schema.Float64 {
		itemType = "double"
	}
	return fmt.Sprintf(`{"type":"record","name":"Row","fields":[{"name":"v","type":{"type":"array","items":"%s"}},{"name":"shape","type":{"type":"array","items":"int"}}]}`, itemType)
}

func (s *AvroFileStore) create(key string, dtype schema.Dtype) (*avroNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[key]; ok {
		return n, nil
	}

	path := filepath.Join(s.rootDir, sanitizeKey(key)+".avro")
	schemaStr := rowSchema(dtype)
	count := 0

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		rf, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("filestore: reopen %s: %w", path, err)
		}
		reader, err := goavro.NewOCFReader(bufio.NewReader(rf))
		if err != nil {
			rf.Close()
			return nil, fmt.Errorf("filestore: read OCF header for %s: %w", path, err)
		}
		schemaStr = reader.Codec().Schema()
		for reader.Scan() {
			if _, err := reader.Read(); err != nil {
				break
			}
			count++
		}
		rf.Close()
	}

	codec, err := goavro.NewCodec(schemaStr)
	if err != nil {
		return nil, fmt.Errorf("filestore: build codec for %q: %w", key, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filestore: open %s: %w", path, err)
	}
	writer, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               f,
		Codec:           codec,
		CompressionName: goavro.CompressionDeflateLabel,
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("filestore: create OCF writer for %s: %w", path, err)
	}

	n := &avroNode{key: key, dtype: dtype, file: f, writer: writer, count: count}
	s.nodes[key] = n
	return n, nil
}

func (s *AvroFileStore) CreateEArray(key string, dtype schema.Dtype, shape []int) (Node, error) {
	return s.create(key, dtype)
}

func (s *AvroFileStore) CreateVLArray(key string, dtype schema.Dtype) (Node, error) {
	return s.create(key, dtype)
}

func (s *AvroFileStore) CreateCArray(key string, dtype schema.Dtype) (Node, error) {
	return s.create(key, dtype)
}

func (s *AvroFileStore) GetNode(key string) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[key]
	return n, ok
}

func (s *AvroFileStore) NodeLength(key string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[key]
	if !ok {
		return 0, false
	}
	return n.Length(), true
}

func (s *AvroFileStore) TotalEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *AvroFileStore) CommitRound(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total += n
}

func (s *AvroFileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, n := range s.nodes {
		if err := n.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type avroNode struct {
	key    string
	dtype  schema.Dtype
	mu     sync.Mutex
	file   *os.File
	writer *goavro.OCFWriter
	count  int
}

func (n *avroNode) Append(rows []schema.Value) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	records := make([]any, len(rows))
	for i, v := range rows {
		record := map[string]any{}
		shape := make([]any, len(v.Shape))
		for j, s := range v.Shape {
			shape[j] = int32(s)
		}
		record["shape"] = shape
		if n.dtype == schema.Int64 {
			vals := make([]any, len(v.Ints))
			for j, x := range v.Ints {
				vals[j] = x
			}
			record["v"] = vals
		} else {
			vals := make([]any, len(v.Floats))
			for j, x := range v.Floats {
				vals[j] = x
			}
			record["v"] = vals
		}
		records[i] = record
	}

	if err := n.writer.Append(records); err != nil {
		return fmt.Errorf("filestore: append to %q: %w", n.key, err)
	}
	n.count += len(rows)
	log.Debugf("filestore: appended %d row(s) to %q (total %d)", len(rows), n.key, n.count)
	return nil
}

func (n *avroNode) Length() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}
