package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/lexicraft/lexicraft-backend/internal/domain"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

type memTransport struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newMemTransport() *memTransport {
	return &memTransport{messages: map[string][][]byte{}}
}

func (m *memTransport) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[channel] = append(m.messages[channel], payload)
	return nil
}

func (m *memTransport) on(channel string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[channel]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPublishProgressWireFormat(t *testing.T) {
	tr := newMemTransport()
	p := New(logger.NewNop(), tr)
	defer p.Close()

	p.PublishProgress("J1", 42.5, domain.StageTransformation)
	waitFor(t, func() bool { return len(tr.on("progress-channel")) == 1 })

	var msg ProgressMessage
	if err := json.Unmarshal(tr.on("progress-channel")[0], &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.JobID != "J1" || msg.Progress != 42.5 || msg.Step != "TRANSFORMATION" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if _, err := time.Parse(time.RFC3339, msg.Timestamp); err != nil {
		t.Fatalf("timestamp not RFC3339: %q", msg.Timestamp)
	}
}

func TestPublishResultAndFailureChannels(t *testing.T) {
	tr := newMemTransport()
	p := New(logger.NewNop(), tr)

	p.PublishResult("J1", "https://bucket/results/J1.json")
	p.PublishFailure("J2", "storage failed: boom")
	p.Close()

	if n := len(tr.on("result-channel")); n != 1 {
		t.Fatalf("result-channel got %d messages, want 1", n)
	}
	if n := len(tr.on("failure-channel")); n != 1 {
		t.Fatalf("failure-channel got %d messages, want 1", n)
	}

	var res ResultMessage
	if err := json.Unmarshal(tr.on("result-channel")[0], &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.S3URL != "https://bucket/results/J1.json" {
		t.Fatalf("unexpected result url: %q", res.S3URL)
	}

	var fail FailureMessage
	if err := json.Unmarshal(tr.on("failure-channel")[0], &fail); err != nil {
		t.Fatalf("decode failure: %v", err)
	}
	if fail.JobID != "J2" || fail.Error == "" {
		t.Fatalf("unexpected failure message: %+v", fail)
	}
}

func TestCloseFlushesQueued(t *testing.T) {
	tr := newMemTransport()
	p := New(logger.NewNop(), tr)

	for i := 0; i < 20; i++ {
		p.PublishProgress("J1", float64(i), domain.StagePDFPreprocessing)
	}
	p.Close()

	if n := len(tr.on("progress-channel")); n != 20 {
		t.Fatalf("got %d messages after close, want 20", n)
	}
}
