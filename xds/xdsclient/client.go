// Package xdsclient implements the xDS Watcher (spec.md §4.9, component
// C11): a type-erased per-(type-URL, resource-name) subscription registry
// sitting above the wire-level xds/xdsclient/transport package. It decodes
// responses with a per-type Decoder, tracks does-not-exist timers, and
// dispatches ResourceWatcher callbacks on a Work Serializer so no two
// watcher callbacks for this Client ever run concurrently.
package xdsclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	"google.golang.org/grpc"

	"grpccore/internal/grpcsync"
	"grpccore/pkg/apperror"
	"grpccore/pkg/config"
	"grpccore/pkg/logger"
	"grpccore/pkg/metrics"
	"grpccore/xds/xdsclient/transport"
)

// DefaultResourceTimeout is the does-not-exist timer default mandated by
// the xDS protocol (spec.md §4.9).
const DefaultResourceTimeout = 15 * time.Second

// Options configures a new Client.
type Options struct {
	ServerURI       string
	NodeID          string
	Cluster         string
	Region          string
	Zone            string
	SubZone         string
	DialOptions     []grpc.DialOption
	Backoff         config.BackoffConfig
	Metrics         *metrics.Metrics
	ResourceTimeout time.Duration
}

// FromXDSConfig builds Options from the koanf-backed XDSConfig
// (grpccore/pkg/config), the shape a process embedding the channel core
// actually has on hand.
func FromXDSConfig(cfg config.XDSConfig, backoff config.BackoffConfig, m *metrics.Metrics) Options {
	return Options{
		ServerURI:       cfg.ServerURI,
		NodeID:          cfg.NodeID,
		Cluster:         cfg.Cluster,
		Region:          cfg.Region,
		Zone:            cfg.Zone,
		SubZone:         cfg.SubZone,
		Backoff:         backoff,
		Metrics:         m,
		ResourceTimeout: cfg.ResourceTimeout,
	}
}

func nodeProto(opts Options) *v3corepb.Node {
	n := &v3corepb.Node{Id: opts.NodeID, Cluster: opts.Cluster}
	if opts.Region != "" || opts.Zone != "" || opts.SubZone != "" {
		n.Locality = &v3corepb.Locality{Region: opts.Region, Zone: opts.Zone, SubZone: opts.SubZone}
	}
	return n
}

// Client is a single xDS client bound to one management server
// (spec.md §4.9: "A single xDS Client per channel (or shared across
// channels of the same authority)").
type Client struct {
	transport  xdsTransport
	serializer *grpcsync.CallbackSerializer
	cancel     context.CancelFunc
	ownsSer    bool
	dneTimeout time.Duration

	mu    sync.Mutex
	types map[string]*resourceTypeState
}

// xdsTransport is the subset of *transport.Transport the Client depends
// on; narrowed to an interface so tests can inject a fake.
type xdsTransport interface {
	SendRequest(url string, resources []string)
	Close()
}

type resourceTypeState struct {
	decode Decoder
	names  map[string]*subscription
}

type subscription struct {
	name     string
	watchers map[ResourceWatcher]struct{}
	known    bool
	dneTimer *time.Timer
}

// New creates a Client and dials its xDS transport immediately.
func New(opts Options) (*Client, error) {
	dneTimeout := opts.ResourceTimeout
	if dneTimeout <= 0 {
		dneTimeout = DefaultResourceTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		serializer: grpcsync.NewCallbackSerializer(ctx),
		cancel:     cancel,
		ownsSer:    true,
		dneTimeout: dneTimeout,
		types:      make(map[string]*resourceTypeState),
	}

	t, err := transport.New(transport.Options{
		ServerURI:          opts.ServerURI,
		Node:               nodeProto(opts),
		DialOptions:        opts.DialOptions,
		Backoff:            opts.Backoff,
		Metrics:            opts.Metrics,
		UpdateHandler:      c.handleResourceUpdate,
		StreamErrorHandler: c.handleStreamError,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	c.transport = t
	return c, nil
}

// newForTesting builds a Client around an injected transport, bypassing
// the real dial; test-only.
func newForTesting(tr xdsTransport, ser *grpcsync.CallbackSerializer, dneTimeout time.Duration) *Client {
	return &Client{
		transport:  tr,
		serializer: ser,
		dneTimeout: dneTimeout,
		types:      make(map[string]*resourceTypeState),
	}
}

// WatchResource subscribes w to (typeURL, name), registering decode as the
// type's Decoder if this is the first watcher of typeURL the Client has
// seen. It returns a cancel function that removes the subscription; when
// the last watcher for a name cancels, the name drops out of the request
// sent to the management server.
func (c *Client) WatchResource(typeURL string, decode Decoder, name string, w ResourceWatcher) func() {
	c.mu.Lock()
	ts, ok := c.types[typeURL]
	if !ok {
		ts = &resourceTypeState{decode: decode, names: make(map[string]*subscription)}
		c.types[typeURL] = ts
	}
	sub, ok := ts.names[name]
	if !ok {
		sub = &subscription{name: name, watchers: make(map[ResourceWatcher]struct{})}
		ts.names[name] = sub
		sub.dneTimer = time.AfterFunc(c.dneTimeout, func() { c.fireDoesNotExist(typeURL, name) })
	}
	sub.watchers[w] = struct{}{}
	names := subscribedNames(ts)
	c.mu.Unlock()

	c.transport.SendRequest(typeURL, names)
	logger.Debug("xds resource watch added", "type_url", typeURL, "name", name)

	return func() { c.unwatch(typeURL, name, w) }
}

func (c *Client) unwatch(typeURL, name string, w ResourceWatcher) {
	c.mu.Lock()
	ts, ok := c.types[typeURL]
	if !ok {
		c.mu.Unlock()
		return
	}
	sub, ok := ts.names[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(sub.watchers, w)
	removed := false
	if len(sub.watchers) == 0 {
		if sub.dneTimer != nil {
			sub.dneTimer.Stop()
		}
		delete(ts.names, name)
		removed = true
	}
	names := subscribedNames(ts)
	c.mu.Unlock()

	if removed {
		c.transport.SendRequest(typeURL, names)
		logger.Debug("xds resource watch removed", "type_url", typeURL, "name", name)
	}
}

func subscribedNames(ts *resourceTypeState) []string {
	names := make([]string, 0, len(ts.names))
	for n := range ts.names {
		names = append(names, n)
	}
	return names
}

// handleResourceUpdate is the transport.UpdateHandlerFunc: it decodes
// every resource in the response, and ACKs only if every one decoded and
// validated successfully (spec.md §7 kind 5: a batch NACKs as a whole, the
// previously-accepted version stays authoritative). Resources that failed
// to decode far enough to yield a name cannot be attributed to a
// subscription and are reported only in the returned error.
func (c *Client) handleResourceUpdate(u transport.ResourceUpdate) error {
	c.mu.Lock()
	ts, ok := c.types[u.URL]
	c.mu.Unlock()
	if !ok {
		// No current subscription for this type URL: the response is
		// still processed (the transport already recorded the nonce), but
		// no watcher is notified, per spec.md §8's nonce-desync guard.
		logger.Warn("xds response for unsubscribed type URL", "type_url", u.URL)
		return nil
	}

	type decodedResource struct {
		name     string
		resource any
	}
	var decoded []decodedResource
	var invalid []struct {
		name string
		err  error
	}
	unnamed := 0
	for _, res := range u.Resources {
		name, resource, err := ts.decode(res)
		if err != nil {
			if name != "" {
				invalid = append(invalid, struct {
					name string
					err  error
				}{name, err})
			} else {
				unnamed++
			}
			continue
		}
		decoded = append(decoded, decodedResource{name, resource})
	}

	if len(invalid) > 0 || unnamed > 0 {
		reasons := make([]string, 0, len(invalid)+1)
		for _, iv := range invalid {
			reasons = append(reasons, fmt.Sprintf("%s: %v", iv.name, iv.err))
		}
		if unnamed > 0 {
			reasons = append(reasons, fmt.Sprintf("%d resource(s) could not be decoded", unnamed))
		}
		nackErr := apperror.New(apperror.CodeXDSResourceInvalid, fmt.Sprintf("%s: %d invalid resource(s): %v", u.URL, len(invalid)+unnamed, reasons))

		c.mu.Lock()
		var toNotify []map[ResourceWatcher]struct{}
		watcherErrs := make(map[*subscription]error, len(invalid))
		for _, iv := range invalid {
			if sub, ok := ts.names[iv.name]; ok {
				toNotify = append(toNotify, sub.watchers)
				watcherErrs[sub] = iv.err
			}
		}
		c.mu.Unlock()

		for sub, err := range watcherErrs {
			watchers := sub.watchers
			errCopy := err
			c.serializer.Schedule(func(context.Context) {
				for w := range watchers {
					w.OnResourceInvalid(errCopy)
				}
			})
		}
		return nackErr
	}

	present := make(map[string]bool, len(decoded))
	c.mu.Lock()
	for _, d := range decoded {
		if sub, ok := ts.names[d.name]; ok {
			if sub.dneTimer != nil {
				sub.dneTimer.Stop()
			}
			sub.known = true
		}
		present[d.name] = true
	}
	var deletedSubs []*subscription
	for name, sub := range ts.names {
		if !present[name] && sub.known {
			deletedSubs = append(deletedSubs, sub)
		}
	}
	c.mu.Unlock()

	c.serializer.Schedule(func(context.Context) {
		for _, d := range decoded {
			c.mu.Lock()
			sub, ok := ts.names[d.name]
			c.mu.Unlock()
			if !ok {
				continue
			}
			for w := range sub.watchers {
				w.OnResourceChanged(d.resource)
			}
		}
		for _, sub := range deletedSubs {
			for w := range sub.watchers {
				w.OnResourceDeleted()
			}
		}
	})

	return nil
}

func (c *Client) fireDoesNotExist(typeURL, name string) {
	c.mu.Lock()
	ts, ok := c.types[typeURL]
	if !ok {
		c.mu.Unlock()
		return
	}
	sub, ok := ts.names[name]
	if !ok || sub.known {
		c.mu.Unlock()
		return
	}
	watchers := sub.watchers
	c.mu.Unlock()

	c.serializer.Schedule(func(context.Context) {
		for w := range watchers {
			w.OnResourceDoesNotExist()
		}
	})
}

func (c *Client) handleStreamError(err error) {
	logger.Warn("xds stream error", "error", err)
}

// Close tears down the transport and, if this Client created its own Work
// Serializer, stops it too.
func (c *Client) Close() {
	c.transport.Close()
	if c.ownsSer {
		c.cancel()
	}
}
