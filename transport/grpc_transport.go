package transport

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"grpccore/attributes"
	"grpccore/pkg/interceptors"
	"grpccore/pkg/logger"
)

// rawCodec passes message bytes through unmodified, so the transport
// layer never needs to know the user's wire codec (protobuf, JSON, ...):
// that concern belongs to the caller building the lazy MessageSequence,
// per spec.md §1 ("the core consumes a Transport factory and a Codec per
// call; it does not implement them").
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("transport: rawCodec.Marshal: unsupported type %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("transport: rawCodec.Unmarshal: unsupported type %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "grpccore-raw" }

// GRPCTransport is the default Transport: it dials a real
// *grpc.ClientConn per Subchannel address and opens calls via
// grpc.ClientConn.NewStream, mapping grpc/connectivity.State onto
// ConnectivityState (spec.md §4.8's "HTTP/2-oriented options, interpreted
// by the transport").
type GRPCTransport struct {
	// Insecure selects insecure.NewCredentials(); production dials are
	// expected to supply real TransportCredentials via DialOptions.
	Insecure    bool
	DialOptions []grpc.DialOption

	// Interceptors, if set, installs the client-side recovery/retry/
	// tracing/metrics/logging chain from pkg/interceptors around every
	// call opened on this transport (spec.md §7 "retries ... live in a
	// thin retry wrapper above the picker").
	Interceptors *interceptors.ClientConfig
}

// Connect dials addr and blocks (via grpc.WithBlock-equivalent polling on
// GetState/WaitForStateChange) until the connection reaches Ready or ctx
// is done.
func (t *GRPCTransport) Connect(ctx context.Context, addr attributes.Address, opts Options) (*ConnectedTransport, error) {
	dialOpts := append([]grpc.DialOption{}, t.DialOptions...)
	if t.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})))

	if t.Interceptors != nil {
		dialOpts = append(dialOpts,
			grpc.WithChainUnaryInterceptor(interceptors.UnaryClientInterceptors(t.Interceptors)),
			grpc.WithChainStreamInterceptor(interceptors.StreamClientInterceptors(t.Interceptors)),
		)
	}

	if opts.KeepAliveTime > 0 {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                opts.KeepAliveTime,
			Timeout:             opts.KeepAliveTimeout,
			PermitWithoutStream: opts.PermitWithoutStream,
		}))
	}
	if opts.InitialWindowSize > 0 {
		dialOpts = append(dialOpts, grpc.WithInitialWindowSize(opts.InitialWindowSize))
	}
	if opts.InitialConnWindowSize > 0 {
		dialOpts = append(dialOpts, grpc.WithInitialConnWindowSize(opts.InitialConnWindowSize))
	}

	dialCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	cc, err := grpc.NewClient(addr.Addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", addr.Addr, err)
	}
	cc.Connect()

	if err := waitReady(dialCtx, cc); err != nil {
		cc.Close()
		return nil, err
	}

	disconnected := make(chan error, 1)
	go watchDisconnect(cc, disconnected)

	return &ConnectedTransport{
		Service:      &grpcService{cc: cc},
		Disconnected: disconnected,
		Close:        func() { cc.Close() },
	}, nil
}

func waitReady(ctx context.Context, cc *grpc.ClientConn) error {
	for {
		st := cc.GetState()
		if st == connectivity.Ready {
			return nil
		}
		if st == connectivity.Shutdown {
			return fmt.Errorf("transport: connection shut down while connecting")
		}
		if !cc.WaitForStateChange(ctx, st) {
			return ctx.Err()
		}
	}
}

func watchDisconnect(cc *grpc.ClientConn, disconnected chan<- error) {
	ctx := context.Background()
	st := connectivity.Ready
	for {
		if !cc.WaitForStateChange(ctx, st) {
			return
		}
		newSt := cc.GetState()
		logger.Debug("grpc transport state change", "from", st, "to", newSt)
		if newSt == connectivity.Idle || newSt == connectivity.TransientFailure || newSt == connectivity.Shutdown {
			disconnected <- fmt.Errorf("transport: connection entered %s", newSt)
			return
		}
		st = newSt
	}
}

type grpcService struct {
	cc *grpc.ClientConn
}

func (s *grpcService) NewCall(ctx context.Context, method string, outgoingMetadata map[string][]string) (Call, error) {
	if len(outgoingMetadata) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.MD(outgoingMetadata))
	}
	stream, err := s.cc.NewStream(ctx, &grpc.StreamDesc{ClientStreams: true, ServerStreams: true}, method)
	if err != nil {
		return nil, err
	}
	return &grpcCall{stream: stream}, nil
}

type grpcCall struct {
	stream grpc.ClientStream
}

func (c *grpcCall) Send(_ context.Context, msg []byte) error {
	buf := append([]byte(nil), msg...)
	return c.stream.SendMsg(&buf)
}

func (c *grpcCall) CloseSend() error {
	return c.stream.CloseSend()
}

func (c *grpcCall) Recv(_ context.Context) ([]byte, error) {
	var buf []byte
	if err := c.stream.RecvMsg(&buf); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return buf, nil
}

func (c *grpcCall) Header(ctx context.Context) (map[string][]string, error) {
	md, err := c.stream.Header()
	if err != nil {
		return nil, err
	}
	return map[string][]string(md), nil
}
