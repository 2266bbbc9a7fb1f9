package bridge

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grpccore/resolver"
	"grpccore/xds/xdsclient"
)

type fakeClientConn struct {
	mu     sync.Mutex
	states []resolver.State
	errs   []error
}

func (f *fakeClientConn) UpdateState(s resolver.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, s)
	return nil
}

func (f *fakeClientConn) ReportError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fakeClientConn) ParseServiceConfig(string) (*resolver.ParsedConfig, error) {
	return nil, nil
}

func TestBuilder_Scheme(t *testing.T) {
	assert.Equal(t, "xds", Builder{}.Scheme())
}

func TestBuilder_Build_RequiresEndpoint(t *testing.T) {
	_, err := Builder{}.Build(resolver.Target{URL: "xds:///"}, &fakeClientConn{}, resolver.BuildOptions{})
	assert.Error(t, err)
}

func TestBuilder_Build_DialsAndCloses(t *testing.T) {
	SetDefaultOptions(xdsclient.Options{ServerURI: "passthrough:///xds-bridge-test"})
	r, err := Builder{}.Build(resolver.Target{URL: "xds:///my-listener", Endpoint: "my-listener"}, &fakeClientConn{}, resolver.BuildOptions{})
	require.NoError(t, err)
	r.ResolveNow(resolver.ResolveNowOptions{})
	r.Close()
}

func TestXDSResolver_OnEndpoints_PublishesStateWithClusterManagerPolicy(t *testing.T) {
	cc := &fakeClientConn{}
	r := &xdsResolver{cc: cc, listener: "my-listener"}

	er := &EndpointsResource{
		ClusterName: "my-cluster",
		Localities: []LocalityEndpoints{{
			Region: "us-east", Addrs: []LocalityAddr{{Address: "10.0.0.1:80"}},
		}},
	}
	r.onEndpoints(&ClusterResource{Name: "my-cluster", LBPolicy: "round_robin"}, er)

	cc.mu.Lock()
	defer cc.mu.Unlock()
	require.Len(t, cc.states, 1)
	assert.Len(t, cc.states[0].Endpoints, 1)
	require.NotNil(t, cc.states[0].ServiceConfig)
	assert.Equal(t, PolicyName, cc.states[0].ServiceConfig.LoadBalancingPolicy)
}

func TestXDSResolver_OnError_ReportsToClientConn(t *testing.T) {
	cc := &fakeClientConn{}
	r := &xdsResolver{cc: cc, listener: "my-listener"}
	r.onListenerMissing()

	cc.mu.Lock()
	defer cc.mu.Unlock()
	require.Len(t, cc.errs, 1)
}
