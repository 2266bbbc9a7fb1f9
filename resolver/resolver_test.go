package resolver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuilder struct{ scheme string }

func (f *fakeBuilder) Build(Target, ClientConn, BuildOptions) (Resolver, error) { return nil, nil }
func (f *fakeBuilder) Scheme() string                                           { return f.scheme }

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   Target
	}{
		{
			name:   "scheme with authority and path",
			target: "dns://8.8.8.8/localhost:50051",
			want:   Target{URL: "dns://8.8.8.8/localhost:50051", Scheme: "dns", Authority: "8.8.8.8", Endpoint: "localhost:50051"},
		},
		{
			name:   "scheme no authority",
			target: "dns:///localhost:50051",
			want:   Target{URL: "dns:///localhost:50051", Scheme: "dns", Authority: "", Endpoint: "localhost:50051"},
		},
		{
			name:   "unix scheme",
			target: "unix:/var/run/grpc.sock",
			want:   Target{URL: "unix:/var/run/grpc.sock", Scheme: "unix", Endpoint: "/var/run/grpc.sock"},
		},
		{
			name:   "bare endpoint defaults to passed scheme",
			target: "localhost:50051",
			want:   Target{URL: "localhost:50051", Scheme: "dns", Endpoint: "localhost:50051"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTarget(tt.target, "dns")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegisterAndGet(t *testing.T) {
	b := &fakeBuilder{scheme: "Example"}
	Register(b)
	defer unregisterForTesting("example")

	got := Get("EXAMPLE")
	require.NotNil(t, got)
	assert.Same(t, Builder(b), got)

	assert.Nil(t, Get("does-not-exist"))
}

func TestRegister_LastWins(t *testing.T) {
	b1 := &fakeBuilder{scheme: "dup"}
	b2 := &fakeBuilder{scheme: "dup"}
	Register(b1)
	Register(b2)
	defer unregisterForTesting("dup")

	assert.Same(t, Builder(b2), Get("dup"))
}

func TestState_ErrVariant(t *testing.T) {
	s := State{Err: errors.New("no such host"), ResolutionNote: "dns lookup failed"}
	assert.Error(t, s.Err)
	assert.Nil(t, s.Endpoints)
}
