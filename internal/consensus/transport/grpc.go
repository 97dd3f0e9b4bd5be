// Package transport carries PbftMessage/ViewChange envelopes between
// validator processes. Two adapters are provided: Grpc, a point-to-point
// gRPC stream per peer adapted from the application's own grpc.Server
// wiring, and Nats, a fan-out gossip transport adapted from the simple-api
// command's NATS wiring.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/splintercommunity/pbft-core/internal/consensus/pbft"
)

// rawCodec marshals gRPC messages as uninterpreted byte slices. The gossip
// service never needs structured protobuf messages of its own: every frame
// is already a pbft.PeerMessage whose content a pbft.Codec encoded,
// so gRPC's job is strictly to move bytes between processes.
type rawCodec struct{}

func (rawCodec) Name() string { return "raw" }
func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("transport: rawCodec.Marshal: unexpected type %T", v)
	}
	return *b, nil
}
func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("transport: rawCodec.Unmarshal: unexpected type %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func init() { encoding.RegisterCodec(rawCodec{}) }

// frame is the envelope carried over the gossip stream: message_type plus
// the codec-opaque content, matching pbft.PeerMessage one-to-one.
type frame struct {
	MessageType string
	Content     []byte
}

func encodeFrame(f frame) []byte {
	mt := []byte(f.MessageType)
	out := make([]byte, 0, 2+len(mt)+len(f.Content))
	out = appendUvarint(out, uint64(len(mt)))
	out = append(out, mt...)
	out = appendUvarint(out, uint64(len(f.Content)))
	out = append(out, f.Content...)
	return out
}

func decodeFrame(b []byte) (frame, error) {
	mtLen, n := consumeUvarint(b)
	if n < 0 {
		return frame{}, fmt.Errorf("transport: truncated frame header")
	}
	b = b[n:]
	if uint64(len(b)) < mtLen {
		return frame{}, fmt.Errorf("transport: truncated message_type")
	}
	mt := string(b[:mtLen])
	b = b[mtLen:]
	cLen, n := consumeUvarint(b)
	if n < 0 {
		return frame{}, fmt.Errorf("transport: truncated content length")
	}
	b = b[n:]
	if uint64(len(b)) < cLen {
		return frame{}, fmt.Errorf("transport: truncated content")
	}
	return frame{MessageType: mt, Content: append([]byte(nil), b[:cLen]...)}, nil
}

func appendUvarint(b []byte, v uint64) []byte {
	var tmp [10]byte
	n := 0
	for v >= 0x80 {
		tmp[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	tmp[n] = byte(v)
	return append(b, tmp[:n+1]...)
}

func consumeUvarint(b []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i, c := range b {
		if c < 0x80 {
			if i > 9 {
				return 0, -1
			}
			return v | uint64(c)<<shift, i + 1
		}
		v |= uint64(c&0x7f) << shift
		shift += 7
	}
	return 0, -1
}

var gossipServiceDesc = grpc.ServiceDesc{
	ServiceName: "pbft.Gossip",
	HandlerType: (*gossipServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Stream",
		Handler:       gossipStreamHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "pbft_gossip.proto",
}

type gossipServer interface {
	Stream(grpc.ServerStream) error
}

func gossipStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(gossipServer).Stream(stream)
}

// Grpc is a Service.Broadcast/SendTo implementation: every configured peer
// gets its own long-lived client stream, and an incoming server stream
// delivers remote frames into onMessage.
type Grpc struct {
	logger *zap.Logger
	self   pbft.PeerID

	mu      sync.Mutex
	streams map[pbft.PeerID]grpc.ClientStream

	server *grpc.Server

	onMessage func(pbft.PeerMessage)
}

// GrpcConfig is the subset of §6 transport options the gRPC adapter needs.
type GrpcConfig struct {
	ListenAddr string
	Peers      map[pbft.PeerID]string // peer id -> dial address
}

// NewGrpc constructs an unstarted Grpc transport. onMessage is invoked for
// every frame received from any peer, on the goroutine reading that peer's
// stream — callers normally forward straight into Node.OnPeerMessage, which
// requires external serialization if more than one stream is active at once.
func NewGrpc(self pbft.PeerID, logger *zap.Logger, onMessage func(pbft.PeerMessage)) *Grpc {
	return &Grpc{
		logger:    logger,
		self:      self,
		streams:   make(map[pbft.PeerID]grpc.ClientStream),
		onMessage: onMessage,
	}
}

// Serve starts the gRPC server accepting inbound gossip streams and blocks
// until ctx is cancelled.
func (g *Grpc) Serve(ctx context.Context, listenAddr string) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}

	recoveryFunc := func(p interface{}) error {
		g.logger.Error("gossip stream panic recovered", zap.Any("panic", p))
		return status.Errorf(codes.Internal, "internal error")
	}

	g.server = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              30 * time.Second,
			Timeout:           10 * time.Second,
		}),
		grpc.Creds(insecure.NewCredentials()),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_prometheus.StreamServerInterceptor,
			grpc_recovery.StreamServerInterceptor(grpc_recovery.WithRecoveryHandler(recoveryFunc)),
		)),
	)
	g.server.RegisterService(&gossipServiceDesc, grpcServerImpl{g})
	grpc_prometheus.Register(g.server)

	go func() {
		<-ctx.Done()
		g.server.GracefulStop()
	}()

	g.logger.Info("gossip server listening", zap.String("addr", listenAddr))
	return g.server.Serve(lis)
}

type grpcServerImpl struct{ g *Grpc }

func (s grpcServerImpl) Stream(stream grpc.ServerStream) error {
	for {
		var buf []byte
		if err := stream.RecvMsg(&buf); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		f, err := decodeFrame(buf)
		if err != nil {
			s.g.logger.Warn("dropping malformed gossip frame", zap.Error(err))
			continue
		}
		s.g.onMessage(pbft.PeerMessage{MessageType: f.MessageType, Content: f.Content})
	}
}

// Dial opens a client stream to peer at addr, used for both SendTo and as
// one fan-out leg of Broadcast.
func (g *Grpc) Dial(ctx context.Context, peer pbft.PeerID, addr string) error {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rawCodec{}.Name())),
	)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", peer, err)
	}
	stream, err := conn.NewStream(ctx, &gossipServiceDesc.Streams[0], "/pbft.Gossip/Stream")
	if err != nil {
		return fmt.Errorf("transport: open stream to %s: %w", peer, err)
	}
	g.mu.Lock()
	g.streams[peer] = stream
	g.mu.Unlock()
	return nil
}

// SendTo implements the unicast half of pbft.Service's transport methods.
func (g *Grpc) SendTo(peer pbft.PeerID, msgType string, payload []byte) error {
	g.mu.Lock()
	stream, ok := g.streams[peer]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no open stream to peer %s", peer)
	}
	buf := encodeFrame(frame{MessageType: msgType, Content: payload})
	return stream.SendMsg(&buf)
}

// Broadcast fans a message out to every dialed peer, logging (not failing)
// individual send errors so one unreachable peer doesn't block the round.
func (g *Grpc) Broadcast(msgType string, payload []byte) error {
	g.mu.Lock()
	peers := make([]pbft.PeerID, 0, len(g.streams))
	for p := range g.streams {
		peers = append(peers, p)
	}
	g.mu.Unlock()

	for _, p := range peers {
		if err := g.SendTo(p, msgType, payload); err != nil {
			g.logger.Warn("broadcast send failed", zap.String("peer", string(p)), zap.Error(err))
		}
	}
	return nil
}
