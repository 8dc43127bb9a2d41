package membership

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cuemby/colony/pkg/codec"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/types"
)

const (
	serviceName     = "colony.membership.v1.Membership"
	heartbeatMethod = "/" + serviceName + "/Heartbeat"
	deliverMethod   = "/" + serviceName + "/Deliver"

	// candidates that fail this many heartbeats in a row are forgotten
	maxCandidateFailures = 3
)

// HeartbeatConfig configures a HeartbeatTransport
type HeartbeatConfig struct {
	// Self is this member's identity. An empty Endpoint is filled with the
	// listener address once Join has bound it.
	Self types.Address
	// ListenAddr is the gRPC bind address; defaults to Self.Endpoint
	ListenAddr string
	// Seeds are endpoints contacted to discover the rest of the group
	Seeds []string

	HeartbeatInterval time.Duration
	FailureTimeout    time.Duration
	DialTimeout       time.Duration
	// SendQueueSize bounds pending payloads per peer
	SendQueueSize int
}

func (c *HeartbeatConfig) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = c.Self.Endpoint
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.FailureTimeout <= 0 {
		c.FailureTimeout = 5 * c.HeartbeatInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
}

// heartbeatFrame is exchanged in both directions of a Heartbeat call
type heartbeatFrame struct {
	From    types.Address   `cbor:"from"`
	Members []types.Address `cbor:"members,omitempty"`
	Leaving bool            `cbor:"leaving,omitempty"`
}

// deliverFrame carries an application payload
type deliverFrame struct {
	From    types.Address `cbor:"from"`
	Payload []byte        `cbor:"payload"`
}

type member struct {
	addr     types.Address
	lastSeen time.Time
}

// HeartbeatTransport is a Transport over gRPC. Members ping every known
// endpoint each interval and piggyback their member list on the exchange, so
// any seed is enough to discover the whole group. A member silent for longer
// than FailureTimeout leaves the view.
type HeartbeatTransport struct {
	cfg    HeartbeatConfig
	logger zerolog.Logger

	mu         sync.Mutex
	self       types.Address
	members    map[types.Address]*member
	candidates map[string]int // endpoint -> consecutive failures
	version    uint64
	view       types.ClusterView
	peers      map[string]*peer
	joined     bool

	server   *grpc.Server
	listener net.Listener
	views    *dispatcher[types.ClusterView]
	inbox    *dispatcher[inbound]
	stopCh   chan struct{}
	wg       sync.WaitGroup

	callbacks callbacks
}

var _ Transport = (*HeartbeatTransport)(nil)

// NewHeartbeatTransport creates a transport; it does not listen until Join
func NewHeartbeatTransport(cfg HeartbeatConfig) *HeartbeatTransport {
	cfg.setDefaults()
	return &HeartbeatTransport{
		cfg:        cfg,
		self:       cfg.Self,
		logger:     log.WithComponent("membership"),
		members:    make(map[types.Address]*member),
		candidates: make(map[string]int),
		peers:      make(map[string]*peer),
	}
}

func (t *HeartbeatTransport) Self() types.Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

// Join binds the listener, starts the heartbeat loop and contacts the seeds
func (t *HeartbeatTransport) Join(ctx context.Context) error {
	t.mu.Lock()
	if t.joined {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.cfg.ListenAddr, err)
	}

	t.mu.Lock()
	t.listener = lis
	if t.self.Endpoint == "" {
		t.self.Endpoint = lis.Addr().String()
	}
	t.joined = true
	t.stopCh = make(chan struct{})
	t.views = newDispatcher(func(v types.ClusterView) {
		t.callbacks.fireView(v)
	})
	t.inbox = newDispatcher(t.callbacks.fireMessage)
	t.server = grpc.NewServer()
	t.server.RegisterService(&membershipServiceDesc, &membershipServer{t: t})
	for _, seed := range t.cfg.Seeds {
		if seed != t.self.Endpoint {
			t.candidates[seed] = 0
		}
	}
	t.members[t.self] = &member{addr: t.self, lastSeen: time.Now()}
	t.publishLocked()
	self := t.self
	t.mu.Unlock()

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		if err := t.server.Serve(lis); err != nil {
			t.logger.Error().Err(err).Msg("Membership server stopped")
		}
	}()
	go func() {
		defer t.wg.Done()
		t.heartbeatLoop()
	}()

	t.logger.Info().
		Str("self", self.String()).
		Strs("seeds", t.cfg.Seeds).
		Msg("Joined membership group")
	return nil
}

// Leave tells known members we are going and stops all loops
func (t *HeartbeatTransport) Leave() error {
	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return nil
	}
	t.joined = false
	close(t.stopCh)
	var endpoints []string
	for addr := range t.members {
		if addr != t.self {
			endpoints = append(endpoints, addr.Endpoint)
		}
	}
	frame := heartbeatFrame{From: t.self, Leaving: true}
	peers := t.peers
	t.peers = make(map[string]*peer)
	t.members = make(map[types.Address]*member)
	t.candidates = make(map[string]int)
	views, inbox := t.views, t.inbox
	t.mu.Unlock()

	for _, ep := range endpoints {
		if p, ok := peers[ep]; ok {
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
			if _, err := p.heartbeat(ctx, frame); err != nil {
				t.logger.Debug().Err(err).Str("peer", ep).Msg("Failed to announce leave")
			}
			cancel()
		}
	}
	for _, p := range peers {
		p.close()
	}

	t.server.GracefulStop()
	t.wg.Wait()
	views.close()
	inbox.close()

	t.logger.Info().Msg("Left membership group")
	return nil
}

func (t *HeartbeatTransport) CurrentView() types.ClusterView {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view
}

func (t *HeartbeatTransport) OnViewChange(fn func(types.ClusterView)) {
	t.callbacks.addView(fn)
}

func (t *HeartbeatTransport) OnMessage(fn func(from types.Address, payload []byte)) {
	t.callbacks.addMessage(fn)
}

// Send queues payload for delivery to a current member. Payloads to the same
// member are delivered in order.
func (t *HeartbeatTransport) Send(to types.Address, payload []byte) error {
	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return ErrNotJoined
	}
	if to == t.self {
		from := t.self
		inbox := t.inbox
		t.mu.Unlock()
		inbox.push(inbound{from: from, payload: append([]byte(nil), payload...)})
		return nil
	}
	if _, ok := t.members[to]; !ok {
		t.mu.Unlock()
		return ErrNotInView
	}
	p, err := t.peerLocked(to.Endpoint)
	from := t.self
	t.mu.Unlock()
	if err != nil {
		return err
	}

	data, err := codec.Marshal(deliverFrame{From: from, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	return p.enqueue(data)
}

func (t *HeartbeatTransport) heartbeatLoop() {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	t.pingAll()
	for {
		select {
		case <-ticker.C:
			t.pingAll()
			t.expire()
		case <-t.stopCh:
			return
		}
	}
}

// pingAll sends one heartbeat to every member and candidate
func (t *HeartbeatTransport) pingAll() {
	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return
	}
	frame := heartbeatFrame{From: t.self, Members: t.memberListLocked()}
	targets := make(map[string]*peer)
	for addr := range t.members {
		if addr == t.self {
			continue
		}
		if p, err := t.peerLocked(addr.Endpoint); err == nil {
			targets[addr.Endpoint] = p
		}
	}
	for ep := range t.candidates {
		if _, ok := targets[ep]; ok {
			continue
		}
		if p, err := t.peerLocked(ep); err == nil {
			targets[ep] = p
		}
	}
	t.mu.Unlock()

	var wg sync.WaitGroup
	for ep, p := range targets {
		wg.Add(1)
		go func(ep string, p *peer) {
			defer wg.Done()
			t.ping(ep, p, frame)
		}(ep, p)
	}
	wg.Wait()
}

func (t *HeartbeatTransport) ping(endpoint string, p *peer, frame heartbeatFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()

	reply, err := p.heartbeat(ctx, frame)
	if err != nil {
		t.mu.Lock()
		if n, ok := t.candidates[endpoint]; ok {
			n++
			if n >= maxCandidateFailures && !t.isSeed(endpoint) {
				delete(t.candidates, endpoint)
			} else {
				t.candidates[endpoint] = n
			}
		}
		t.mu.Unlock()
		t.logger.Debug().Err(err).Str("peer", endpoint).Msg("Heartbeat failed")
		return
	}

	t.handleFrame(reply)
}

// handleFrame records the sender as alive and learns the members it knows
func (t *HeartbeatTransport) handleFrame(frame heartbeatFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.joined {
		return
	}

	if frame.Leaving {
		if _, ok := t.members[frame.From]; ok {
			delete(t.members, frame.From)
			t.dropPeerLocked(frame.From.Endpoint)
			t.logger.Info().Str("member", frame.From.String()).Msg("Member left")
			t.publishLocked()
		}
		return
	}

	changed := false
	if m, ok := t.members[frame.From]; ok {
		m.lastSeen = time.Now()
	} else {
		t.members[frame.From] = &member{addr: frame.From, lastSeen: time.Now()}
		changed = true
		t.logger.Info().Str("member", frame.From.String()).Msg("Member joined")
	}
	delete(t.candidates, frame.From.Endpoint)

	for _, addr := range frame.Members {
		if addr == t.self || addr.Endpoint == "" {
			continue
		}
		if _, ok := t.members[addr]; ok {
			continue
		}
		if _, ok := t.candidates[addr.Endpoint]; !ok {
			t.candidates[addr.Endpoint] = 0
		}
	}

	if changed {
		t.publishLocked()
	}
}

// expire removes members not heard from within FailureTimeout
func (t *HeartbeatTransport) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	changed := false
	for addr, m := range t.members {
		if addr == t.self {
			m.lastSeen = now
			continue
		}
		if now.Sub(m.lastSeen) > t.cfg.FailureTimeout {
			delete(t.members, addr)
			t.dropPeerLocked(addr.Endpoint)
			if t.isSeed(addr.Endpoint) {
				t.candidates[addr.Endpoint] = 0
			}
			changed = true
			t.logger.Warn().
				Str("member", addr.String()).
				Dur("silence", now.Sub(m.lastSeen)).
				Msg("Member failed")
		}
	}
	if changed {
		t.publishLocked()
	}
}

func (t *HeartbeatTransport) isSeed(endpoint string) bool {
	for _, s := range t.cfg.Seeds {
		if s == endpoint {
			return true
		}
	}
	return false
}

func (t *HeartbeatTransport) memberListLocked() []types.Address {
	list := make([]types.Address, 0, len(t.members))
	for addr := range t.members {
		list = append(list, addr)
	}
	sortMembers(list)
	return list
}

// publishLocked bumps the view version and queues the new view
func (t *HeartbeatTransport) publishLocked() {
	t.version++
	t.view = types.ClusterView{Version: t.version, Members: t.memberListLocked()}
	t.views.push(t.view)
}

func (t *HeartbeatTransport) peerLocked(endpoint string) (*peer, error) {
	if p, ok := t.peers[endpoint]; ok {
		return p, nil
	}
	p, err := newPeer(endpoint, t.cfg.SendQueueSize, t.cfg.DialTimeout, t.logger)
	if err != nil {
		return nil, err
	}
	t.peers[endpoint] = p
	return p, nil
}

func (t *HeartbeatTransport) dropPeerLocked(endpoint string) {
	if p, ok := t.peers[endpoint]; ok {
		delete(t.peers, endpoint)
		go p.close()
	}
}

// peer is the client side of a connection to one endpoint. Delivered
// payloads go through a single goroutine so they arrive in order.
type peer struct {
	endpoint string
	conn     *grpc.ClientConn
	queue    chan []byte
	timeout  time.Duration
	logger   zerolog.Logger
	done     chan struct{}
	once     sync.Once
}

func newPeer(endpoint string, queueSize int, timeout time.Duration, logger zerolog.Logger) (*peer, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", endpoint, err)
	}
	p := &peer{
		endpoint: endpoint,
		conn:     conn,
		queue:    make(chan []byte, queueSize),
		timeout:  timeout,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go p.sendLoop()
	return p, nil
}

func (p *peer) heartbeat(ctx context.Context, frame heartbeatFrame) (heartbeatFrame, error) {
	data, err := codec.Marshal(frame)
	if err != nil {
		return heartbeatFrame{}, fmt.Errorf("failed to encode heartbeat: %w", err)
	}
	out := new(wrapperspb.BytesValue)
	if err := p.conn.Invoke(ctx, heartbeatMethod, wrapperspb.Bytes(data), out); err != nil {
		return heartbeatFrame{}, err
	}
	var reply heartbeatFrame
	if err := codec.Unmarshal(out.GetValue(), &reply); err != nil {
		return heartbeatFrame{}, fmt.Errorf("failed to decode heartbeat reply: %w", err)
	}
	return reply, nil
}

func (p *peer) enqueue(data []byte) error {
	select {
	case <-p.done:
		return ErrNotInView
	default:
	}
	select {
	case p.queue <- data:
		return nil
	default:
		return fmt.Errorf("send queue to %s is full", p.endpoint)
	}
}

func (p *peer) sendLoop() {
	for {
		select {
		case data := <-p.queue:
			ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
			err := p.conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(data), new(emptypb.Empty))
			cancel()
			if err != nil {
				p.logger.Warn().Err(err).Str("peer", p.endpoint).Msg("Failed to deliver payload")
			}
		case <-p.done:
			return
		}
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// membershipServer implements the gRPC side of the transport
type membershipServer struct {
	t *HeartbeatTransport
}

type membershipService interface {
	Heartbeat(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Deliver(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func (s *membershipServer) Heartbeat(_ context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var frame heartbeatFrame
	if err := codec.Unmarshal(in.GetValue(), &frame); err != nil {
		return nil, fmt.Errorf("failed to decode heartbeat: %w", err)
	}
	s.t.handleFrame(frame)

	s.t.mu.Lock()
	reply := heartbeatFrame{From: s.t.self, Members: s.t.memberListLocked()}
	s.t.mu.Unlock()

	data, err := codec.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("failed to encode heartbeat reply: %w", err)
	}
	return wrapperspb.Bytes(data), nil
}

func (s *membershipServer) Deliver(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	var frame deliverFrame
	if err := codec.Unmarshal(in.GetValue(), &frame); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	s.t.mu.Lock()
	inbox := s.t.inbox
	joined := s.t.joined
	s.t.mu.Unlock()
	if joined {
		inbox.push(inbound{from: frame.From, payload: frame.Payload})
	}
	return &emptypb.Empty{}, nil
}

var membershipServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*membershipService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "colony/membership.proto",
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(membershipService).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: heartbeatMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(membershipService).Heartbeat(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(membershipService).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(membershipService).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}
