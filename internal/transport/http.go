package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txcore/api"
	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/oplog"
	"pkt.systems/txcore/internal/svcfields"
)

const (
	// DefaultSendTimeout bounds one POST to a peer.
	DefaultSendTimeout = 5 * time.Second
	// DefaultQueueSize is the number of envelopes buffered per channel.
	DefaultQueueSize = 1024
)

// ErrQueueFull is returned when a channel's send queue is saturated.
var ErrQueueFull = errors.New("transport: send queue full")

// HTTPConfig configures an HTTPChannel.
type HTTPConfig struct {
	// Endpoint is the peer's base URL, e.g. http://10.0.0.2:9440.
	Endpoint string
	// From names the local node in every envelope.
	From      string
	Namespace string
	Client    *http.Client
	Logger    pslog.Logger
	// SendTimeout bounds each POST; defaults to DefaultSendTimeout.
	SendTimeout time.Duration
	QueueSize   int
}

type outbound struct {
	path string
	env  api.Envelope
}

// HTTPChannel delivers messages to one peer as JSON envelopes. Sends are
// queued and posted in order by a single worker, so callers never wait on
// the network.
type HTTPChannel struct {
	endpoint string
	from     string
	ns       string
	client   *http.Client
	logger   pslog.Logger
	timeout  time.Duration

	queue     chan outbound
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewHTTPChannel starts the channel's send worker.
func NewHTTPChannel(cfg HTTPConfig) (*HTTPChannel, error) {
	endpoint := strings.TrimSuffix(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("transport: endpoint required")
	}
	if cfg.From == "" || cfg.Namespace == "" {
		return nil, fmt.Errorf("transport: from and namespace required")
	}
	client := cfg.Client
	if client == nil {
		var err error
		client, err = NewHTTPClient(ClientConfig{})
		if err != nil {
			return nil, err
		}
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	ch := &HTTPChannel{
		endpoint: endpoint,
		from:     cfg.From,
		ns:       cfg.Namespace,
		client:   client,
		logger: svcfields.WithSubsystem(cfg.Logger, "transport.http").With(
			svcfields.NamespaceKey, cfg.Namespace,
			"endpoint", endpoint,
		),
		timeout: timeout,
		queue:   make(chan outbound, size),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go ch.run()
	return ch, nil
}

// Endpoint returns the peer base URL.
func (ch *HTTPChannel) Endpoint() string { return ch.endpoint }

func (ch *HTTPChannel) SendRequest(_ context.Context, id oplog.ID, req coord.NodeRequest) error {
	return ch.enqueue(PathRequest, api.Envelope{LogID: uint64(id)}, req)
}

func (ch *HTTPChannel) SendResponse(_ context.Context, id oplog.ID, resp coord.NodeResponse) error {
	return ch.enqueue(PathResponse, api.Envelope{LogID: uint64(id)}, resp)
}

func (ch *HTTPChannel) Submit(_ context.Context, opID coord.SessionOperationID, req coord.SubmitRequest) error {
	return ch.enqueue(PathSubmit, api.Envelope{OperationID: opID.String()}, req)
}

func (ch *HTTPChannel) Reply(_ context.Context, opID coord.SessionOperationID, resp coord.SubmitResponse) error {
	return ch.enqueue(PathReply, api.Envelope{OperationID: opID.String()}, resp)
}

func (ch *HTTPChannel) enqueue(path string, env api.Envelope, msg coord.Message) error {
	if msg == nil {
		return fmt.Errorf("transport: nil message")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", msg.Kind(), err)
	}
	env.From = ch.from
	env.Namespace = ch.ns
	env.Kind = msg.Kind()
	env.Payload = payload
	select {
	case <-ch.stop:
		return ErrClosed
	default:
	}
	select {
	case ch.queue <- outbound{path: path, env: env}:
		return nil
	default:
		transportMetrics().recordSend(path, "queue_full")
		return ErrQueueFull
	}
}

func (ch *HTTPChannel) run() {
	defer close(ch.done)
	for {
		select {
		case <-ch.stop:
			return
		case out := <-ch.queue:
			err := ch.post(out)
			result := "ok"
			if err != nil {
				result = "error"
				ch.logger.Warn("transport.http.send_failed",
					"path", out.path,
					svcfields.KindKey, out.env.Kind,
					svcfields.LogIDKey, out.env.LogID,
					svcfields.OperationKey, out.env.OperationID,
					"error", err,
				)
			}
			transportMetrics().recordSend(out.path, result)
		}
	}
}

func (ch *HTTPChannel) post(out outbound) error {
	body, err := json.Marshal(out.env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), ch.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.endpoint+out.path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ch.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	var errResp api.ErrorResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.ErrorCode != "" {
		return fmt.Errorf("status %d: %s: %s", resp.StatusCode, errResp.ErrorCode, errResp.Detail)
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}

// Close stops the worker. Envelopes still queued are dropped.
func (ch *HTTPChannel) Close() error {
	ch.closeOnce.Do(func() { close(ch.stop) })
	<-ch.done
	return nil
}
