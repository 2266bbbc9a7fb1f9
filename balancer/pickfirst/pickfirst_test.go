package pickfirst

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grpccore/attributes"
	"grpccore/balancer"
	"grpccore/resolver"
	"grpccore/transport"
)

type fakeSubConn struct {
	addr attributes.Address
	// backoff is returned by NextBackoff; defaults to a duration far
	// longer than any test's runtime so a scheduled retry timer never
	// fires unless a test deliberately sets it short.
	backoff time.Duration

	mu         sync.Mutex
	connectCnt int
	shutdown   bool
}

func (f *fakeSubConn) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCnt++
}

func (f *fakeSubConn) Address() attributes.Address { return f.addr }

func (f *fakeSubConn) NextBackoff() time.Duration {
	if f.backoff <= 0 {
		return time.Hour
	}
	return f.backoff
}

func (f *fakeSubConn) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
}

func (f *fakeSubConn) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCnt
}

type fakeClientConn struct {
	subConns []*fakeSubConn
	states   []balancer.State
}

func (f *fakeClientConn) NewSubConn(addr attributes.Address, opts balancer.NewSubConnOptions) (balancer.SubConn, error) {
	sc := &fakeSubConn{addr: addr}
	f.subConns = append(f.subConns, sc)
	return sc, nil
}

func (f *fakeClientConn) RemoveSubConn(sc balancer.SubConn) {}
func (f *fakeClientConn) UpdateState(s balancer.State)      { f.states = append(f.states, s) }
func (f *fakeClientConn) ResolveNow()                       {}
func (f *fakeClientConn) Target() string                    { return "dns:///example" }

func (f *fakeClientConn) lastState() balancer.State {
	return f.states[len(f.states)-1]
}

func resolverStateFor(addrs ...string) resolver.State {
	var eps []attributes.Endpoint
	for _, a := range addrs {
		eps = append(eps, attributes.Endpoint{Addresses: []attributes.Address{{Addr: a}}})
	}
	return resolver.State{Endpoints: eps}
}

func TestPickFirst_ConnectsToFirstAddress(t *testing.T) {
	cc := &fakeClientConn{}
	b := builder{}.Build(cc, balancer.BuildOptions{})

	err := b.UpdateClientConnState(balancer.ClientConnState{ResolverState: resolverStateFor("A", "B")})
	require.NoError(t, err)

	require.Len(t, cc.subConns, 1)
	assert.Equal(t, "A", cc.subConns[0].addr.Addr)
	assert.Equal(t, 1, cc.subConns[0].connects())
	assert.Equal(t, transport.Connecting, cc.lastState().ConnectivityState)
}

func TestPickFirst_ZeroEndpointsFails(t *testing.T) {
	cc := &fakeClientConn{}
	b := builder{}.Build(cc, balancer.BuildOptions{})

	err := b.UpdateClientConnState(balancer.ClientConnState{ResolverState: resolver.State{}})
	assert.ErrorIs(t, err, balancer.ErrBadResolverState)
	assert.Equal(t, transport.TransientFailure, cc.lastState().ConnectivityState)
}

func TestPickFirst_FailsOverToNextOnTransientFailure(t *testing.T) {
	cc := &fakeClientConn{}
	pf := builder{}.Build(cc, balancer.BuildOptions{}).(*pickfirstBalancer)

	require.NoError(t, pf.UpdateClientConnState(balancer.ClientConnState{ResolverState: resolverStateFor("A", "B")}))
	require.Len(t, cc.subConns, 1)

	pf.UpdateSubConnState(cc.subConns[0], balancer.SubConnState{
		ConnectivityState: transport.TransientFailure,
		ConnectionError:   errors.New("refused"),
	})

	require.Len(t, cc.subConns, 2)
	assert.Equal(t, "B", cc.subConns[1].addr.Addr)
	assert.Equal(t, 1, cc.subConns[1].connects())
}

func TestPickFirst_PublishesOneSubConnPickerOnReady(t *testing.T) {
	cc := &fakeClientConn{}
	pf := builder{}.Build(cc, balancer.BuildOptions{}).(*pickfirstBalancer)

	require.NoError(t, pf.UpdateClientConnState(balancer.ClientConnState{ResolverState: resolverStateFor("A")}))
	pf.UpdateSubConnState(cc.subConns[0], balancer.SubConnState{ConnectivityState: transport.Ready})

	st := cc.lastState()
	assert.Equal(t, transport.Ready, st.ConnectivityState)

	res, err := st.Picker.Pick(balancer.PickInfo{})
	require.NoError(t, err)
	assert.Equal(t, balancer.PickKindComplete, res.Kind)
	assert.Equal(t, cc.subConns[0], res.SubConn)
}

func TestPickFirst_ExhaustedListPublishesFailPicker(t *testing.T) {
	cc := &fakeClientConn{}
	pf := builder{}.Build(cc, balancer.BuildOptions{}).(*pickfirstBalancer)

	require.NoError(t, pf.UpdateClientConnState(balancer.ClientConnState{ResolverState: resolverStateFor("A", "B")}))

	wantErr := errors.New("A refused")
	pf.UpdateSubConnState(cc.subConns[0], balancer.SubConnState{ConnectivityState: transport.TransientFailure, ConnectionError: wantErr})
	require.Len(t, cc.subConns, 2)

	wantErr2 := errors.New("B refused")
	pf.UpdateSubConnState(cc.subConns[1], balancer.SubConnState{ConnectivityState: transport.TransientFailure, ConnectionError: wantErr2})

	st := cc.lastState()
	assert.Equal(t, transport.TransientFailure, st.ConnectivityState)
	_, err := st.Picker.Pick(balancer.PickInfo{})
	assert.Equal(t, wantErr2, err)
}

func TestPickFirst_ExhaustedListSchedulesRetryFromTop(t *testing.T) {
	cc := &fakeClientConn{}
	pf := builder{}.Build(cc, balancer.BuildOptions{}).(*pickfirstBalancer)

	require.NoError(t, pf.UpdateClientConnState(balancer.ClientConnState{ResolverState: resolverStateFor("A", "B")}))
	require.Len(t, cc.subConns, 1)

	pf.UpdateSubConnState(cc.subConns[0], balancer.SubConnState{ConnectivityState: transport.TransientFailure, ConnectionError: errors.New("A refused")})
	require.Len(t, cc.subConns, 2)

	// The Subchannel itself never auto-reconnects (spec.md §4.3); once the
	// list is exhausted, pick_first must schedule its own Connect call on
	// the first SubConn after the last failure's backoff interval.
	cc.subConns[1].backoff = 5 * time.Millisecond
	pf.UpdateSubConnState(cc.subConns[1], balancer.SubConnState{ConnectivityState: transport.TransientFailure, ConnectionError: errors.New("B refused")})

	assert.Equal(t, transport.TransientFailure, cc.lastState().ConnectivityState)
	assert.Equal(t, 1, cc.subConns[0].connects())
	assert.Eventually(t, func() bool {
		return cc.subConns[0].connects() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPickFirst_DisconnectReturnsToIdleAndRetriesFromTop(t *testing.T) {
	cc := &fakeClientConn{}
	pf := builder{}.Build(cc, balancer.BuildOptions{}).(*pickfirstBalancer)

	require.NoError(t, pf.UpdateClientConnState(balancer.ClientConnState{ResolverState: resolverStateFor("A", "B")}))
	pf.UpdateSubConnState(cc.subConns[0], balancer.SubConnState{ConnectivityState: transport.Ready})

	pf.UpdateSubConnState(cc.subConns[0], balancer.SubConnState{ConnectivityState: transport.Idle})

	assert.Equal(t, transport.Connecting, cc.lastState().ConnectivityState)
	assert.Equal(t, 2, cc.subConns[0].connects())
}

func TestPickFirst_CloseShutsDownAllSubConns(t *testing.T) {
	cc := &fakeClientConn{}
	pf := builder{}.Build(cc, balancer.BuildOptions{}).(*pickfirstBalancer)
	require.NoError(t, pf.UpdateClientConnState(balancer.ClientConnState{ResolverState: resolverStateFor("A", "B")}))

	pf.Close()
	assert.True(t, cc.subConns[0].shutdown)
}
