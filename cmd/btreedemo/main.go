// Command btreedemo exercises a single index under concurrent goroutines:
// up to 16 goroutines at a time insert a contiguous key range, then a
// concurrent read pass verifies every key once all inserts have landed,
// then the lower half is deleted and the surviving half is read back.
// Reads do not overlap the inserts.
package main

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-indexcore/internal/index/bptree"
	"github.com/sushant-115/gojodb-indexcore/internal/storage/buffer"
	"github.com/sushant-115/gojodb-indexcore/internal/storage/diskmanager"
	"github.com/sushant-115/gojodb-indexcore/pkg/logger"
	"github.com/sushant-115/gojodb-indexcore/pkg/metrics"
)

const (
	pageSize  = 4096
	poolSize  = 256
	keyCount  = 2000
	keyPrefix = "key-"
)

func main() {
	zlogger, err := logger.New(logger.Config{Level: "info", Format: "console", OutputFile: "stdout"})
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}

	dir, err := os.MkdirTemp("", "btreedemo")
	if err != nil {
		zlogger.Fatal("creating scratch dir", zap.Error(err))
	}
	defer os.RemoveAll(dir)
	dbPath := filepath.Join(dir, "index.db")

	disk, err := diskmanager.Open(dbPath, pageSize, zlogger.Named("diskmanager"))
	if err != nil {
		zlogger.Fatal("opening disk manager", zap.Error(err))
	}
	defer disk.Close()

	reg := metrics.New("btreedemo")
	pool := buffer.New(poolSize, pageSize, disk, reg, zlogger.Named("bufferpool"))

	idx, err := bptree.NewIndex[string, string](bptree.Options[string, string]{
		Name:            "demo",
		LeafMaxSize:     32,
		InternalMaxSize: 32,
		Pool:            pool,
		Compare:         bptree.CompareStrings,
		KeyCodec:        bptree.StringCodec(),
		ValueCodec:      bptree.StringValueCodec(),
		Logger:          zlogger.Named("bptree"),
		Metrics:         reg,
	})
	if err != nil {
		zlogger.Fatal("opening index", zap.Error(err))
	}

	zlogger.Info("inserting", zap.Int("count", keyCount))
	insertRange(idx, 0, keyCount)

	zlogger.Info("verifying reads", zap.Int("count", keyCount))
	readRange(idx, 0, keyCount)

	zlogger.Info("deleting lower half", zap.Int("count", keyCount/2))
	deleteRange(idx, 0, keyCount/2)

	zlogger.Info("verifying surviving half")
	readRange(idx, keyCount/2, keyCount)

	if err := pool.FlushAll(); err != nil {
		zlogger.Fatal("flushing buffer pool", zap.Error(err))
	}
	zlogger.Info("btreedemo complete", zap.Int("final_size", idx.Size()))
}

func insertRange(idx *bptree.Index[string, string], lo, hi int) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, 16)
	for i := lo; i < hi; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			key := keyPrefix + strconv.Itoa(i)
			if _, err := idx.Insert(key, key, nil); err != nil {
				log.Printf("insert %s failed: %v", key, err)
			}
		}(i)
	}
	wg.Wait()
}

func readRange(idx *bptree.Index[string, string], lo, hi int) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, 32)
	for i := lo; i < hi; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			key := keyPrefix + strconv.Itoa(i)
			v, found, err := idx.GetValue(key, nil)
			if err != nil {
				log.Printf("get_value %s error: %v", key, err)
				return
			}
			if !found {
				log.Printf("get_value %s: not found", key)
				return
			}
			if v != key {
				log.Printf("get_value %s: mismatch, got %q", key, v)
			}
		}(i)
	}
	wg.Wait()
}

func deleteRange(idx *bptree.Index[string, string], lo, hi int) {
	for i := lo; i < hi; i++ {
		key := keyPrefix + strconv.Itoa(i)
		if _, err := idx.Remove(key, nil); err != nil {
			log.Printf("remove %s failed: %v", key, err)
		}
	}
}
