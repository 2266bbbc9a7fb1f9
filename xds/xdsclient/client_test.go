package xdsclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/anypb"

	"grpccore/internal/grpcsync"
	"grpccore/xds/xdsclient/transport"
)

func fakeUpdate(url string, resources ...*anypb.Any) transport.ResourceUpdate {
	return transport.ResourceUpdate{URL: url, Resources: resources, Version: "v1"}
}

// fakeTransport records SendRequest calls; it never produces responses on
// its own, tests drive the Client's UpdateHandlerFunc directly by calling
// back into the Client (handleResourceUpdate is unexported but reachable
// from this package's test files).
type fakeTransport struct {
	mu     sync.Mutex
	sent   []sentRequest
	closed bool
}

type sentRequest struct {
	url       string
	resources []string
}

func (f *fakeTransport) SendRequest(url string, resources []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]string(nil), resources...)
	f.sent = append(f.sent, sentRequest{url: url, resources: cp})
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) lastRequest() (sentRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentRequest{}, false
	}
	return f.sent[len(f.sent)-1], true
}

func newTestClient(t *testing.T, dneTimeout time.Duration) (*Client, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ser := grpcsync.NewCallbackSerializer(ctx)
	c := newForTesting(ft, ser, dneTimeout)
	return c, ft
}

// stringResource is the fake decoded type used by these tests; WatchResource
// callers never inspect it beyond what testWatcher records.
type stringResource string

func stringDecoder(res *anypb.Any) (string, any, error) {
	if res == nil {
		return "", nil, errors.New("xdsclient: nil resource")
	}
	name := string(res.GetTypeUrl())
	if res.GetValue() == nil {
		return name, nil, errors.New("xdsclient: no value")
	}
	if string(res.GetValue()) == "invalid" {
		return name, nil, errors.New("xdsclient: bad contents")
	}
	return name, stringResource(res.GetValue()), nil
}

// testWatcher records every callback it receives, synchronized since the
// Work Serializer invokes it from its own goroutine.
type testWatcher struct {
	mu      sync.Mutex
	changed []any
	deleted int
	dne     int
	invalid []error
	notify  chan struct{}
}

func newTestWatcher() *testWatcher {
	return &testWatcher{notify: make(chan struct{}, 64)}
}

func (w *testWatcher) OnResourceChanged(r any) {
	w.mu.Lock()
	w.changed = append(w.changed, r)
	w.mu.Unlock()
	w.notify <- struct{}{}
}

func (w *testWatcher) OnResourceDeleted() {
	w.mu.Lock()
	w.deleted++
	w.mu.Unlock()
	w.notify <- struct{}{}
}

func (w *testWatcher) OnResourceDoesNotExist() {
	w.mu.Lock()
	w.dne++
	w.mu.Unlock()
	w.notify <- struct{}{}
}

func (w *testWatcher) OnResourceInvalid(err error) {
	w.mu.Lock()
	w.invalid = append(w.invalid, err)
	w.mu.Unlock()
	w.notify <- struct{}{}
}

func (w *testWatcher) waitNotify(t *testing.T) {
	t.Helper()
	select {
	case <-w.notify:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watcher callback")
	}
}

func anyRes(name, value string) *anypb.Any {
	return &anypb.Any{TypeUrl: name, Value: []byte(value)}
}

func TestWatchResource_SendsRequestWithName(t *testing.T) {
	c, ft := newTestClient(t, time.Minute)
	w := newTestWatcher()

	cancel := c.WatchResource("type.A", stringDecoder, "res-1", w)
	defer cancel()

	req, ok := ft.lastRequest()
	require.True(t, ok)
	assert.Equal(t, "type.A", req.url)
	assert.ElementsMatch(t, []string{"res-1"}, req.resources)
}

func TestWatchResource_SecondWatcherSameNameKeepsNameSet(t *testing.T) {
	c, ft := newTestClient(t, time.Minute)
	w1, w2 := newTestWatcher(), newTestWatcher()

	c.WatchResource("type.A", stringDecoder, "res-1", w1)
	n1 := len(ft.sent)
	c.WatchResource("type.A", stringDecoder, "res-1", w2)

	ft.mu.Lock()
	n2 := len(ft.sent)
	ft.mu.Unlock()
	// A request is still sent (names recomputed), but the set is unchanged.
	assert.GreaterOrEqual(t, n2, n1)
	req, _ := ft.lastRequest()
	assert.ElementsMatch(t, []string{"res-1"}, req.resources)
}

func TestUnwatch_LastWatcherRemovesNameFromRequest(t *testing.T) {
	c, ft := newTestClient(t, time.Minute)
	w := newTestWatcher()

	cancel := c.WatchResource("type.A", stringDecoder, "res-1", w)
	cancel()

	req, ok := ft.lastRequest()
	require.True(t, ok)
	assert.Empty(t, req.resources)
}

func TestUnwatch_OtherWatcherKeepsNameSubscribed(t *testing.T) {
	c, ft := newTestClient(t, time.Minute)
	w1, w2 := newTestWatcher(), newTestWatcher()

	c.WatchResource("type.A", stringDecoder, "res-1", w1)
	cancel2 := c.WatchResource("type.A", stringDecoder, "res-1", w2)
	cancel2()

	req, ok := ft.lastRequest()
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"res-1"}, req.resources)
}

func TestHandleResourceUpdate_DispatchesOnResourceChanged(t *testing.T) {
	c, _ := newTestClient(t, time.Minute)
	w := newTestWatcher()
	defer c.WatchResource("type.A", stringDecoder, "res-1", w)()

	err := c.handleResourceUpdate(fakeUpdate("type.A", anyRes("res-1", "v1")))
	require.NoError(t, err)
	w.waitNotify(t)

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.changed, 1)
	assert.Equal(t, stringResource("v1"), w.changed[0])
}

func TestHandleResourceUpdate_StopsDoesNotExistTimerOnFirstSighting(t *testing.T) {
	c, _ := newTestClient(t, 30*time.Millisecond)
	w := newTestWatcher()
	defer c.WatchResource("type.A", stringDecoder, "res-1", w)()

	err := c.handleResourceUpdate(fakeUpdate("type.A", anyRes("res-1", "v1")))
	require.NoError(t, err)
	w.waitNotify(t)

	time.Sleep(100 * time.Millisecond)
	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Zero(t, w.dne, "does-not-exist must not fire once the resource has been seen")
}

func TestDoesNotExist_FiresWhenNeverSeen(t *testing.T) {
	c, _ := newTestClient(t, 20*time.Millisecond)
	w := newTestWatcher()
	defer c.WatchResource("type.A", stringDecoder, "res-1", w)()

	w.waitNotify(t)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, 1, w.dne)
}

func TestHandleResourceUpdate_AbsenceAfterKnownDispatchesDeleted(t *testing.T) {
	c, _ := newTestClient(t, time.Minute)
	w := newTestWatcher()
	defer c.WatchResource("type.A", stringDecoder, "res-1", w)()

	require.NoError(t, c.handleResourceUpdate(fakeUpdate("type.A", anyRes("res-1", "v1"))))
	w.waitNotify(t)

	// Next response omits res-1 entirely: it must be reported deleted, not
	// does-not-exist, since it was previously known.
	require.NoError(t, c.handleResourceUpdate(fakeUpdate("type.A")))
	w.waitNotify(t)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, 1, w.deleted)
	assert.Zero(t, w.dne)
}

func TestHandleResourceUpdate_InvalidResourceNacksAndNotifiesOnlyThatName(t *testing.T) {
	c, _ := newTestClient(t, time.Minute)
	wGood := newTestWatcher()
	wBad := newTestWatcher()
	defer c.WatchResource("type.A", stringDecoder, "res-good", wGood)()
	defer c.WatchResource("type.A", stringDecoder, "res-bad", wBad)()

	err := c.handleResourceUpdate(fakeUpdate("type.A",
		anyRes("res-good", "v1"),
		anyRes("res-bad", "invalid"),
	))
	require.Error(t, err, "a batch containing any invalid resource must NACK as a whole")
	wBad.waitNotify(t)

	wGood.mu.Lock()
	goodChanged := len(wGood.changed)
	wGood.mu.Unlock()
	assert.Zero(t, goodChanged, "the good resource in a NACKed batch is not applied")

	wBad.mu.Lock()
	defer wBad.mu.Unlock()
	require.Len(t, wBad.invalid, 1)
}

func TestHandleResourceUpdate_UnsubscribedTypeURLIsANoOp(t *testing.T) {
	c, _ := newTestClient(t, time.Minute)
	err := c.handleResourceUpdate(fakeUpdate("type.unknown", anyRes("res-1", "v1")))
	assert.NoError(t, err)
}

func TestClose_ClosesTransport(t *testing.T) {
	c, ft := newTestClient(t, time.Minute)
	c.Close()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.True(t, ft.closed)
}
