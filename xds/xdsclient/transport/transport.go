// Package transport implements the xDS transport protocol functionality
// required by the xdsclient: a long-lived bidirectional ADS stream to one
// management server, with version/nonce ACK/NACK bookkeeping and
// exponential-backoff reconnection (spec.md §4.9).
//
// Grounded line-for-line on YourFantasy-grpc-go's
// xds/internal/xdsclient/transport/transport.go: the adsRunner/send/recv
// goroutine split, the resources/versions/nonces maps, sendExisting
// resetting only nonces on stream restart, ack/nack request plumbing
// through an unbounded buffer channel. Load-reporting (LRS) is dropped —
// spec.md §4.9 only names ADS — see DESIGN.md.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	v3adsgrpc "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	v3discoverypb "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/anypb"

	"grpccore/pkg/config"
	"grpccore/pkg/logger"
	"grpccore/pkg/metrics"
)

type adsStream = v3adsgrpc.AggregatedDiscoveryService_StreamAggregatedResourcesClient

// ResourceUpdate is a resource-type-agnostic view of one DiscoveryResponse:
// resource contents are opaque blobs, meaningful only to the xDS data
// model layer (xdsclient / xds/bridge) sitting above this package.
type ResourceUpdate struct {
	Resources []*anypb.Any
	URL       string
	Version   string
}

// UpdateHandlerFunc makes the ACK/NACK decision for a received
// ResourceUpdate. A nil error means the data model layer accepted the
// configuration (ACK); a non-nil error means it was rejected (NACK), and
// its message becomes the DiscoveryRequest's error_detail.
//
// Invoked inline on the transport's receive goroutine; implementations
// must not block.
type UpdateHandlerFunc func(update ResourceUpdate) error

// Options configures a new Transport.
type Options struct {
	// ServerURI is the xDS management server address (host:port).
	ServerURI string
	// Node identifies this client on the first request of every stream
	// (spec.md §6 "Node identification").
	Node *v3corepb.Node
	// DialOptions, when non-empty, are used as given and must include
	// transport credentials; when empty, the connection is dialed with
	// insecure transport credentials. No keepalive option is added.
	DialOptions []grpc.DialOption
	// UpdateHandler makes ACK/NACK decisions. Required.
	UpdateHandler UpdateHandlerFunc
	// StreamErrorHandler reports underlying stream errors upward (e.g. to
	// fail watchers with a descriptive cause). Required.
	StreamErrorHandler func(error)
	// Backoff parameterizes stream-reconnect backoff; zero value applies
	// the spec.md §4.9 defaults (initial 1s, cap 30s, multiplier 2).
	Backoff config.BackoffConfig
	// Metrics, if set, records xDS request/response/restart counters.
	Metrics *metrics.Metrics
}

// Transport owns the gRPC connection to a single xDS management server and
// manages the lifecycle of the ADS stream. It is resource-type agnostic:
// the xdsclient package above it owns the resources/versions/nonces
// semantics' meaning, this package only owns the wire protocol.
type Transport struct {
	cc                  *grpc.ClientConn
	serverURI           string
	updateHandler       UpdateHandlerFunc
	adsStreamErrHandler func(error)
	newBackoff          func() *backoff.ExponentialBackOff
	maxBackoff          time.Duration
	nodeProto           *v3corepb.Node
	metrics             *metrics.Metrics
	adsRunnerCancel     context.CancelFunc
	adsRunnerDoneCh     chan struct{}

	adsStreamCh  chan adsStream
	adsRequestCh *unboundedQueue

	mu        sync.Mutex
	resources map[string]map[string]bool
	versions  map[string]string
	nonces    map[string]string
}

// for overriding in unit tests.
var grpcNewClient = grpc.NewClient

// New creates a Transport and starts its ADS goroutine.
func New(opts Options) (*Transport, error) {
	switch {
	case opts.ServerURI == "":
		return nil, errors.New("xds transport: missing server URI")
	case opts.UpdateHandler == nil:
		return nil, errors.New("xds transport: missing update handler")
	case opts.StreamErrorHandler == nil:
		return nil, errors.New("xds transport: missing stream error handler")
	}

	dopts := append([]grpc.DialOption{}, opts.DialOptions...)
	if len(opts.DialOptions) == 0 {
		dopts = append(dopts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	cc, err := grpcNewClient(opts.ServerURI, dopts...)
	if err != nil {
		return nil, fmt.Errorf("xds transport: dialing management server %q: %w", opts.ServerURI, err)
	}
	cc.Connect()

	bc := opts.Backoff
	if bc.InitialBackoff <= 0 {
		bc.InitialBackoff = time.Second
	}
	if bc.MaxBackoff <= 0 {
		bc.MaxBackoff = 30 * time.Second
	}
	if bc.Multiplier <= 0 {
		bc.Multiplier = 2
	}
	if bc.Jitter <= 0 {
		bc.Jitter = 0.2
	}

	t := &Transport{
		cc:                  cc,
		serverURI:           opts.ServerURI,
		updateHandler:       opts.UpdateHandler,
		adsStreamErrHandler: opts.StreamErrorHandler,
		newBackoff: func() *backoff.ExponentialBackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(bc.InitialBackoff),
				backoff.WithMaxInterval(bc.MaxBackoff),
				backoff.WithMultiplier(bc.Multiplier),
				backoff.WithRandomizationFactor(bc.Jitter),
				backoff.WithMaxElapsedTime(0),
			)
		},
		maxBackoff:      bc.MaxBackoff,
		nodeProto:       opts.Node,
		metrics:         opts.Metrics,
		adsStreamCh:     make(chan adsStream, 1),
		adsRequestCh:    newUnboundedQueue(),
		resources:       make(map[string]map[string]bool),
		versions:        make(map[string]string),
		nonces:          make(map[string]string),
		adsRunnerDoneCh: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.adsRunnerCancel = cancel
	go t.adsRunner(ctx)

	logger.Info("xds transport created", "server", t.serverURI)
	return t, nil
}

type resourceRequest struct {
	resources []string
	url       string
}

// SendRequest asynchronously requests the given resources of the given
// type. If no stream exists yet, the request is queued and replayed once
// one exists. The update handler / stream error handler supplied to New
// are invoked as responses / errors arrive.
func (t *Transport) SendRequest(url string, resources []string) {
	t.adsRequestCh.put(&resourceRequest{url: url, resources: resources})
}

func (t *Transport) newADSStream(ctx context.Context, cc *grpc.ClientConn) (adsStream, error) {
	return v3adsgrpc.NewAggregatedDiscoveryServiceClient(cc).StreamAggregatedResources(ctx, grpc.WaitForReady(true))
}

func (t *Transport) sendDiscoveryRequest(stream adsStream, names []string, url, version, nonce string, nackErr error) error {
	req := &v3discoverypb.DiscoveryRequest{
		Node:          t.nodeProto,
		TypeUrl:       url,
		ResourceNames: names,
		VersionInfo:   version,
		ResponseNonce: nonce,
	}
	outcome := "ack"
	if nackErr != nil {
		req.ErrorDetail = &statuspb.Status{Code: int32(codes.InvalidArgument), Message: nackErr.Error()}
		outcome = "nack"
	}
	if err := stream.Send(req); err != nil {
		return fmt.Errorf("xds transport: sending request for %s failed: %w", url, err)
	}
	if t.metrics != nil {
		t.metrics.RecordXDSRequest(url, outcome)
	}
	logger.Debug("xds request sent", "type_url", url, "version", version, "nonce", nonce, "names", names, "nack", nackErr != nil)
	return nil
}

func (t *Transport) recvDiscoveryResponse(stream adsStream) (resources []*anypb.Any, url, version, nonce string, err error) {
	resp, err := stream.Recv()
	if err != nil {
		return nil, "", "", "", fmt.Errorf("xds transport: reading response failed: %w", err)
	}
	if t.metrics != nil {
		t.metrics.RecordXDSResponse(resp.GetTypeUrl())
	}
	logger.Info("xds response received", "type_url", resp.GetTypeUrl(), "version", resp.GetVersionInfo(), "nonce", resp.GetNonce(), "count", len(resp.GetResources()))
	return resp.GetResources(), resp.GetTypeUrl(), resp.GetVersionInfo(), resp.GetNonce(), nil
}

// adsRunner owns the reconnect loop: it opens a stream, runs send/recv
// until the stream breaks, and backs off exponentially between attempts,
// resetting backoff state whenever at least one message was received.
func (t *Transport) adsRunner(ctx context.Context) {
	defer close(t.adsRunnerDoneCh)

	go t.send(ctx)

	bo := t.newBackoff()
	timer := time.NewTimer(0)
	for ctx.Err() == nil {
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		receivedAny := func() bool {
			stream, err := t.newADSStream(ctx, t.cc)
			if err != nil {
				t.adsStreamErrHandler(err)
				logger.Warn("xds ads stream creation failed", "error", err)
				return false
			}
			if t.metrics != nil {
				t.metrics.RecordXDSStreamRestart()
			}
			logger.Info("xds ads stream created", "server", t.serverURI)

			select {
			case <-t.adsStreamCh:
			default:
			}
			t.adsStreamCh <- stream
			return t.recv(stream)
		}()

		if receivedAny {
			bo.Reset()
			timer.Reset(0)
			continue
		}
		d, berr := bo.NextBackOff()
		if berr != nil {
			// Never expected with MaxElapsedTime 0, kept as a defensive
			// fallback so a stream failure never stops retrying outright.
			d = t.maxBackoff
		}
		timer.Reset(d)
	}
}

func (t *Transport) send(ctx context.Context) {
	var stream adsStream
	for {
		select {
		case <-ctx.Done():
			return
		case stream = <-t.adsStreamCh:
			if !t.sendExisting(stream) {
				stream = nil
			}
		case u := <-t.adsRequestCh.get():
			var (
				names               []string
				url, version, nonce string
				send                bool
				nackErr             error
			)
			switch req := u.(type) {
			case *resourceRequest:
				names, url, version, nonce = t.processResourceRequest(req)
				send = true
			case *ackRequest:
				names, url, version, nonce, send = t.processAckRequest(req, stream)
				if !send {
					continue
				}
				nackErr = req.nackErr
			}
			if stream == nil {
				continue
			}
			if err := t.sendDiscoveryRequest(stream, names, url, version, nonce, nackErr); err != nil {
				logger.Warn("xds request send failed", "type_url", url, "error", err)
				stream = nil
			}
		}
	}
}

// sendExisting resends every currently-subscribed resource type/name set
// when a stream is (re)established. Only the nonces map is reset on
// restart — versions are a property of the resource, not the stream
// (spec.md §4.9 "Reconnection").
func (t *Transport) sendExisting(stream adsStream) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nonces = make(map[string]string)

	for url, names := range t.resources {
		if err := t.sendDiscoveryRequest(stream, mapKeys(names), url, t.versions[url], "", nil); err != nil {
			logger.Warn("xds resend on new stream failed", "error", err)
			return false
		}
	}
	return true
}

func (t *Transport) recv(stream adsStream) bool {
	received := false
	for {
		resources, url, version, nonce, err := t.recvDiscoveryResponse(stream)
		if err != nil {
			t.adsStreamErrHandler(err)
			logger.Warn("xds ads stream closed", "error", err)
			return received
		}
		received = true

		err = t.updateHandler(ResourceUpdate{Resources: resources, URL: url, Version: version})
		if err != nil {
			t.mu.Lock()
			prevVersion := t.versions[url]
			t.mu.Unlock()
			t.adsRequestCh.put(&ackRequest{url: url, nonce: nonce, stream: stream, version: prevVersion, nackErr: err})
			logger.Warn("sending xds nack", "type_url", url, "version", version, "nonce", nonce, "reason", err)
			continue
		}
		t.adsRequestCh.put(&ackRequest{url: url, nonce: nonce, stream: stream, version: version})
		logger.Info("sending xds ack", "type_url", url, "version", version, "nonce", nonce)
	}
}

func mapKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func sliceToSet(ss []string) map[string]bool {
	out := make(map[string]bool, len(ss))
	for _, s := range ss {
		out[s] = true
	}
	return out
}

// processResourceRequest records the requested resource-name set for url
// (replacing any prior set — SendRequest always carries the full current
// set, per xDS State-of-the-World semantics) and returns the
// version/nonce to send alongside it.
func (t *Transport) processResourceRequest(req *resourceRequest) (names []string, url, version, nonce string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.resources[req.url] = sliceToSet(req.resources)
	return req.resources, req.url, t.versions[req.url], t.nonces[req.url]
}

type ackRequest struct {
	url     string
	version string
	nonce   string
	nackErr error
	stream  grpc.ClientStream
}

// processAckRequest updates the nonce unconditionally (required for the
// next request regardless of whether this ACK/NACK is sent on the wire)
// and the version only on a successful ACK.
func (t *Transport) processAckRequest(ack *ackRequest, current grpc.ClientStream) (names []string, url, version, nonce string, send bool) {
	if ack.stream != current {
		// Stale ACK/NACK for a stream that's already been replaced.
		return nil, "", "", "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nonces[ack.url] = ack.nonce

	set, ok := t.resources[ack.url]
	if !ok || len(set) == 0 {
		return nil, "", "", "", false
	}
	if ack.nackErr == nil {
		t.versions[ack.url] = ack.version
	}
	return mapKeys(set), ack.url, ack.version, ack.nonce, true
}

// Close tears down the ADS stream and the underlying connection.
func (t *Transport) Close() {
	t.adsRunnerCancel()
	<-t.adsRunnerDoneCh
	t.cc.Close()
}

// ChannelConnectivityStateForTesting exposes the connectivity state of the
// gRPC connection to the management server; test-only.
func (t *Transport) ChannelConnectivityStateForTesting() connectivity.State {
	return t.cc.GetState()
}

// unboundedQueue is a minimal unbounded FIFO used to decouple producers
// (SendRequest callers, the recv goroutine pushing acks) from the single
// send goroutine without risking a blocked Put.
type unboundedQueue struct {
	mu       sync.Mutex
	items    []any
	notifyCh chan struct{}
}

func newUnboundedQueue() *unboundedQueue {
	return &unboundedQueue{notifyCh: make(chan struct{}, 1)}
}

func (q *unboundedQueue) put(item any) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// get returns a channel that yields exactly one queued item (if any is
// already present) or blocks until one arrives; it is intended to be used
// directly in a select, mirroring grpc-go's internal/buffer.Unbounded.Get.
func (q *unboundedQueue) get() <-chan any {
	out := make(chan any, 1)
	go func() {
		for {
			q.mu.Lock()
			if len(q.items) > 0 {
				item := q.items[0]
				q.items = q.items[1:]
				q.mu.Unlock()
				out <- item
				return
			}
			q.mu.Unlock()
			<-q.notifyCh
		}
	}()
	return out
}
