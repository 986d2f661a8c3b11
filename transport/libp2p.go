package transport

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// Libp2pOptions configures the gossipsub transport.
type Libp2pOptions struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
	Logger          *zap.Logger
}

// Libp2p carries bus messages over gossipsub. It plays the broker role:
// every process joins the topics it cares about and the mesh handles fan-out.
// Delivery between processes is at-least-once and unordered across topics.
type Libp2p struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	host host.Host
	ps   *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func NewLibp2p(parent context.Context, opts Libp2pOptions) (*Libp2p, error) {
	ctx, cancel := context.WithCancel(parent)
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("libp2p")

	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	libp2pOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	t := &Libp2p{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		host:   h,
		ps:     ps,
		topics: make(map[string]*pubsub.Topic),
	}

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h, logger: logger})
		if err := service.Start(); err != nil {
			logger.Warn("mdns start failed", zap.Error(err))
		}
	}

	for _, raw := range opts.Bootstrap {
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			logger.Warn("skip bootstrap addr", zap.String("addr", raw), zap.Error(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			logger.Warn("skip bootstrap addr", zap.String("addr", raw), zap.Error(err))
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			logger.Warn("bootstrap connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
		} else {
			logger.Info("connected bootstrap peer", zap.Stringer("peer", info.ID))
		}
	}

	return t, nil
}

func (t *Libp2p) Send(ctx context.Context, topic string, data []byte) error {
	tp, err := t.getOrJoinTopic(topic)
	if err != nil {
		return &Error{Op: "send", Topic: topic, Err: err}
	}
	if err := tp.Publish(ctx, data); err != nil {
		return &Error{Op: "send", Topic: topic, Err: err}
	}
	return nil
}

func (t *Libp2p) Subscribe(topic string, h Handler) (*Subscription, error) {
	tp, err := t.getOrJoinTopic(topic)
	if err != nil {
		return nil, &Error{Op: "subscribe", Topic: topic, Err: err}
	}
	sub, err := tp.Subscribe()
	if err != nil {
		return nil, &Error{Op: "subscribe", Topic: topic, Err: err}
	}

	subCtx, subCancel := context.WithCancel(t.ctx)
	go func() {
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return // subscription cancelled or transport closed
			}
			// Handler runs in the reader goroutine: per-subscription
			// ordering is preserved and nothing is dropped.
			h(topic, msg.Data)
		}
	}()

	cancel := func() {
		subCancel()
		sub.Cancel()
	}
	return newSubscription(topic, cancel), nil
}

func (t *Libp2p) Close() error {
	t.cancel()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tp := range t.topics {
		_ = tp.Close()
	}
	return t.host.Close()
}

// PeerID returns this node's libp2p identity.
func (t *Libp2p) PeerID() string {
	return t.host.ID().String()
}

// ListenAddrs returns the full multiaddrs peers can bootstrap from.
func (t *Libp2p) ListenAddrs() []string {
	out := make([]string, 0, len(t.host.Addrs()))
	for _, addr := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), t.host.ID().String()))
	}
	return out
}

func (t *Libp2p) getOrJoinTopic(name string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.topics[name]; ok {
		return tp, nil
	}
	tp, err := t.ps.Join(name)
	if err != nil {
		return nil, err
	}
	t.topics[name] = tp
	return tp, nil
}

type mdnsNotifee struct {
	host   host.Host
	logger *zap.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.logger.Warn("mdns connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
