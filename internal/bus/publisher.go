package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lexicraft/lexicraft-backend/internal/domain"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/envutil"
	"github.com/lexicraft/lexicraft-backend/internal/pkg/logger"
)

// ProgressMessage is the wire format on the progress channel. Subscribers must
// treat progress monotonically; delivery order across subscribers is not
// guaranteed.
type ProgressMessage struct {
	JobID     string  `json:"jobId"`
	Progress  float64 `json:"progress"`
	Step      string  `json:"step,omitempty"`
	Timestamp string  `json:"timestamp"`
}

// ResultMessage latches completion; it is the last message a successful
// pipeline emits.
type ResultMessage struct {
	JobID     string `json:"jobId"`
	S3URL     string `json:"s3_url"`
	Timestamp string `json:"timestamp"`
}

type FailureMessage struct {
	JobID string `json:"jobId"`
	Error string `json:"error"`
}

// Publisher fans job lifecycle messages out to the message bus. All methods
// are non-blocking for the caller beyond a short bounded enqueue.
type Publisher interface {
	PublishProgress(jobID string, progress float64, step domain.StageID)
	PublishResult(jobID, artifactURL string)
	PublishFailure(jobID, errMsg string)
	Close()
}

// Transport is the slice of the redis client the publisher needs.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type envelope struct {
	channel string
	payload []byte
}

type publisher struct {
	log             *logger.Logger
	transport       Transport
	progressChannel string
	resultChannel   string
	failureChannel  string

	queue     chan envelope
	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
}

// New starts the publisher's drain goroutine. Channel names come from env with
// the fixed defaults the downstream consumer subscribes to.
func New(log *logger.Logger, transport Transport) Publisher {
	p := &publisher{
		log:             log.With("component", "BusPublisher"),
		transport:       transport,
		progressChannel: envutil.Str("REDIS_PROGRESS_CHANNEL", "progress-channel"),
		resultChannel:   envutil.Str("REDIS_RESULT_CHANNEL", "result-channel"),
		failureChannel:  envutil.Str("REDIS_FAILURE_CHANNEL", "failure-channel"),
		queue:           make(chan envelope, envutil.Int("BUS_QUEUE_SIZE", 256)),
		done:            make(chan struct{}),
		drained:         make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *publisher) run() {
	defer close(p.drained)
	for {
		select {
		case env := <-p.queue:
			p.send(env)
		case <-p.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case env := <-p.queue:
					p.send(env)
				default:
					return
				}
			}
		}
	}
}

func (p *publisher) send(env envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.transport.Publish(ctx, env.channel, env.payload); err != nil {
		p.log.Warn("bus publish failed", "channel", env.channel, "error", err)
	}
}

// enqueue never blocks indefinitely: when the queue is saturated the message
// is dropped with a warning. Progress is advisory and result/failure latch in
// the registry regardless.
func (p *publisher) enqueue(channel string, msg any) {
	raw, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("bus message marshal failed", "channel", channel, "error", err)
		return
	}
	select {
	case p.queue <- envelope{channel: channel, payload: raw}:
	case <-time.After(100 * time.Millisecond):
		p.log.Warn("bus queue saturated, dropping message", "channel", channel)
	}
}

func (p *publisher) PublishProgress(jobID string, progress float64, step domain.StageID) {
	p.enqueue(p.progressChannel, ProgressMessage{
		JobID:     jobID,
		Progress:  progress,
		Step:      string(step),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (p *publisher) PublishResult(jobID, artifactURL string) {
	p.enqueue(p.resultChannel, ResultMessage{
		JobID:     jobID,
		S3URL:     artifactURL,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (p *publisher) PublishFailure(jobID, errMsg string) {
	p.enqueue(p.failureChannel, FailureMessage{JobID: jobID, Error: errMsg})
}

// Close stops the drain goroutine after flushing queued messages.
func (p *publisher) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	select {
	case <-p.drained:
	case <-time.After(5 * time.Second):
		p.log.Warn("bus close timed out before drain finished")
	}
}
