package stage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/lexicraft/lexicraft-backend/internal/domain"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

type fakeGenerator struct {
	mu   sync.Mutex
	fail map[string]bool
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[prompt] {
		return nil, errors.New("render failed")
	}
	return []byte("img:" + prompt), nil
}

func (f *fakeGenerator) Format() string { return "jpg" }

type fakeObjectStore struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeObjectStore) PutObject(_ context.Context, _, key string, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "https://blob/" + key, nil
}

func imageBlocks() []domain.ChunkBlocks {
	return []domain.ChunkBlocks{{
		ChunkIndex: 0,
		Blocks: []domain.Block{
			{ID: "t1", Type: domain.BlockText, Text: "a"},
			{ID: "i1", Type: domain.BlockPageImage, Description: "rain over hills"},
			{ID: "i2", Type: domain.BlockPageImage, Description: "river to sea"},
		},
	}}
}

func TestImageWorkerAttachesURLs(t *testing.T) {
	gen := &fakeGenerator{}
	blobs := &fakeObjectStore{}
	w := NewImageWorker(logger.NewNop(), gen, blobs, fastStagePolicy())

	cb := imageBlocks()
	failed, err := w.Run(context.Background(), "J1", cb, domain.Options{EnableImages: true}, NopReport)
	if err != nil || failed != 0 {
		t.Fatalf("failed=%d err=%v", failed, err)
	}
	for _, b := range cb[0].Blocks[1:] {
		if b.URL == "" || b.S3Key == "" {
			t.Fatalf("image block missing url/key: %+v", b)
		}
		if !strings.HasPrefix(b.S3Key, "images/J1/") {
			t.Fatalf("key = %q", b.S3Key)
		}
	}
	if cb[0].Blocks[0].URL != "" {
		t.Fatal("text block should not gain a URL")
	}
}

func TestImageWorkerDisabledIsNoOp(t *testing.T) {
	w := NewImageWorker(logger.NewNop(), &fakeGenerator{}, &fakeObjectStore{}, fastStagePolicy())
	var last float64
	cb := imageBlocks()
	failed, err := w.Run(context.Background(), "J1", cb, domain.Options{}, func(p float64) { last = p })
	if err != nil || failed != 0 {
		t.Fatalf("failed=%d err=%v", failed, err)
	}
	if last != 100 {
		t.Fatalf("disabled stage must report 100, got %v", last)
	}
	if cb[0].Blocks[1].URL != "" {
		t.Fatal("disabled stage must not touch blocks")
	}
}

func TestImageWorkerPartialFailureLeavesBlockIntact(t *testing.T) {
	gen := &fakeGenerator{fail: map[string]bool{"rain over hills": true}}
	w := NewImageWorker(logger.NewNop(), gen, &fakeObjectStore{}, executor0())

	cb := imageBlocks()
	failed, err := w.Run(context.Background(), "J1", cb, domain.Options{EnableImages: true}, NopReport)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if failed != 1 {
		t.Fatalf("failed = %d", failed)
	}
	bad := cb[0].Blocks[1]
	if bad.URL != "" || bad.Description != "rain over hills" {
		t.Fatalf("failed block mutated: %+v", bad)
	}
	if cb[0].Blocks[2].URL == "" {
		t.Fatal("healthy block should still get its URL")
	}
}

func TestImageWorkerUploadFailureCounts(t *testing.T) {
	blobs := &fakeObjectStore{err: errors.New("bucket gone")}
	w := NewImageWorker(logger.NewNop(), &fakeGenerator{}, blobs, executor0())

	cb := imageBlocks()
	failed, err := w.Run(context.Background(), "J1", cb, domain.Options{EnableImages: true}, NopReport)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if failed != 2 {
		t.Fatalf("failed = %d", failed)
	}
}
