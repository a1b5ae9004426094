package kvstore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/linkstate/kvstore/internal/filter"
)

// Option configures a Node on creation. Return an error to reject an
// invalid option value.
type Option func(*Config) error

// Config holds runtime configuration for a kvstore Node, built from the
// recognized options in spec §6.2. Users typically set it via the With*
// helpers rather than constructing it directly.
type Config struct {
	NodeID   string
	BindAddr string
	Seeds    []string
	Areas    []string
	Discovery bool

	KVStoreKeyTTL time.Duration

	SetLeafNode            bool
	KeyPrefixFilters       []string
	KeyOriginatorIDFilters []string
	FilterOperator         filter.Operator

	FloodMsgPerSec int
	FloodBurstSize int

	SyncInitialBackoff time.Duration
	SyncMaxBackoff     time.Duration
	FullSyncTimeout    time.Duration
	ReadTimeout        time.Duration

	// TTLDecrement is subtracted from a finite ttl before a record
	// already in the store is re-flooded, to prevent infinite lifetime
	// amplification across repeated floods (§6.2).
	TTLDecrement time.Duration

	logger       *zap.Logger
	errorHandler func(error)
}

// DefaultArea is the area name used when no explicit area is configured.
const DefaultArea = "0"

func defaultConfig() Config {
	return Config{
		Discovery:          true,
		Areas:              []string{DefaultArea},
		KVStoreKeyTTL:      300000 * time.Millisecond,
		FilterOperator:     filter.OperatorAny,
		FloodMsgPerSec:     50,
		FloodBurstSize:     100,
		SyncInitialBackoff: 500 * time.Millisecond,
		SyncMaxBackoff:     30 * time.Second,
		FullSyncTimeout:    15 * time.Second,
		ReadTimeout:        60 * time.Second,
		TTLDecrement:       500 * time.Millisecond,
	}
}

// finalize validates the assembled config and fills in anything that
// depends on other fields (mirrors the teacher's Config.finalize).
func (c *Config) finalize() error {
	if c.NodeID == "" {
		id, err := randomNodeID()
		if err != nil {
			return err
		}
		c.NodeID = id
	}
	if c.BindAddr != "" {
		if err := validateAddr(c.BindAddr); err != nil {
			return err
		}
	}
	if len(c.Areas) == 0 {
		c.Areas = []string{DefaultArea}
	}
	if c.KVStoreKeyTTL <= 0 {
		return fmt.Errorf("kvstore: kvStoreKeyTtl must be positive")
	}
	if c.FloodMsgPerSec <= 0 {
		return fmt.Errorf("kvstore: floodRate.msgPerSec must be positive")
	}
	if c.FloodBurstSize <= 0 {
		return fmt.Errorf("kvstore: floodRate.burstSize must be positive")
	}
	if c.SyncInitialBackoff <= 0 || c.SyncMaxBackoff <= 0 {
		return fmt.Errorf("kvstore: sync backoff bounds must be positive")
	}
	if c.SyncMaxBackoff < c.SyncInitialBackoff {
		return fmt.Errorf("kvstore: syncMaxBackoff must be >= syncInitialBackoff")
	}
	if c.FullSyncTimeout <= 0 {
		return fmt.Errorf("kvstore: fullSyncTimeout must be positive")
	}
	if c.TTLDecrement < 0 {
		return fmt.Errorf("kvstore: ttlDecrement must not be negative")
	}

	// Precompile every prefix pattern now so a bad regex fails loudly at
	// construction/Reload time, not on the first inbound record (§9).
	cfg := filter.Config{
		KeyPrefixes: c.KeyPrefixFilters,
		Originators: c.KeyOriginatorIDFilters,
		Operator:    c.FilterOperator,
	}
	if c.SetLeafNode {
		if _, err := filter.NewLeaf(cfg, c.NodeID); err != nil {
			return fmt.Errorf("kvstore: invalid leaf filter: %w", err)
		}
	} else if _, err := filter.New(cfg); err != nil {
		return fmt.Errorf("kvstore: invalid filter: %w", err)
	}
	return nil
}

// buildFilter compiles the configured ingress filter, applying the leaf
// augmentation per §4.1 when SetLeafNode is set.
func (c *Config) buildFilter() (*filter.Filter, error) {
	cfg := filter.Config{
		KeyPrefixes: c.KeyPrefixFilters,
		Originators: c.KeyOriginatorIDFilters,
		Operator:    c.FilterOperator,
	}
	if c.SetLeafNode {
		return filter.NewLeaf(cfg, c.NodeID)
	}
	return filter.New(cfg)
}

// WithNodeID sets a stable node identifier used as the originator id on
// locally written records. If omitted, a random id is generated.
func WithNodeID(nodeID string) Option {
	return func(c *Config) error {
		if nodeID == "" {
			return fmt.Errorf("kvstore: node id cannot be empty")
		}
		c.NodeID = nodeID
		return nil
	}
}

// WithBindAddr sets the local TCP bind address in host:port form.
func WithBindAddr(addr string) Option {
	return func(c *Config) error {
		if addr == "" {
			return fmt.Errorf("kvstore: bind addr cannot be empty")
		}
		if err := validateAddr(addr); err != nil {
			return err
		}
		c.BindAddr = addr
		return nil
	}
}

// WithSeeds sets the initial peer addresses to dial on startup, one per
// configured area.
func WithSeeds(seeds []string) Option {
	return func(c *Config) error {
		c.Seeds = append([]string(nil), seeds...)
		return nil
	}
}

// WithAreas sets the set of areas this node participates in. Defaults to
// a single area named DefaultArea.
func WithAreas(areas []string) Option {
	return func(c *Config) error {
		if len(areas) == 0 {
			return fmt.Errorf("kvstore: areas cannot be empty")
		}
		c.Areas = append([]string(nil), areas...)
		return nil
	}
}

// WithDiscovery enables or disables mDNS peer discovery.
func WithDiscovery(enabled bool) Option {
	return func(c *Config) error {
		c.Discovery = enabled
		return nil
	}
}

// WithKVStoreKeyTTL sets the TTL attached to locally originated records.
func WithKVStoreKeyTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		if ttl <= 0 {
			return fmt.Errorf("kvstore: kvStoreKeyTtl must be positive")
		}
		c.KVStoreKeyTTL = ttl
		return nil
	}
}

// WithLeafNode activates the leaf filter augmentation described in §4.1.
func WithLeafNode(leaf bool) Option {
	return func(c *Config) error {
		c.SetLeafNode = leaf
		return nil
	}
}

// WithKeyPrefixFilters sets the ingress filter's key prefix patterns.
func WithKeyPrefixFilters(prefixes []string) Option {
	return func(c *Config) error {
		c.KeyPrefixFilters = append([]string(nil), prefixes...)
		return nil
	}
}

// WithKeyOriginatorIDFilters sets the ingress filter's originator set.
func WithKeyOriginatorIDFilters(originators []string) Option {
	return func(c *Config) error {
		c.KeyOriginatorIDFilters = append([]string(nil), originators...)
		return nil
	}
}

// WithFilterOperator selects ANY (union) or ALL (intersection) semantics
// for combining the prefix and originator filter lists.
func WithFilterOperator(op filter.Operator) Option {
	return func(c *Config) error {
		c.FilterOperator = op
		return nil
	}
}

// WithFloodRate sets the token-bucket rate limiting flood publications to
// each peer: msgPerSec refills the bucket, burstSize caps it. Both must
// be positive.
func WithFloodRate(msgPerSec, burstSize int) Option {
	return func(c *Config) error {
		if msgPerSec <= 0 {
			return fmt.Errorf("kvstore: floodRate.msgPerSec must be positive")
		}
		if burstSize <= 0 {
			return fmt.Errorf("kvstore: floodRate.burstSize must be positive")
		}
		c.FloodMsgPerSec = msgPerSec
		c.FloodBurstSize = burstSize
		return nil
	}
}

// WithSyncBackoff sets the exponential backoff bounds for sync session
// reconnection.
func WithSyncBackoff(initial, max time.Duration) Option {
	return func(c *Config) error {
		if initial <= 0 || max <= 0 {
			return fmt.Errorf("kvstore: sync backoff bounds must be positive")
		}
		c.SyncInitialBackoff = initial
		c.SyncMaxBackoff = max
		return nil
	}
}

// WithFullSyncTimeout sets the deadline for the initial three-way sync
// handshake with a peer.
func WithFullSyncTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("kvstore: fullSyncTimeout must be positive")
		}
		c.FullSyncTimeout = timeout
		return nil
	}
}

// WithTTLDecrement sets the amount subtracted from a finite ttl before a
// record already in the store is re-flooded to peers.
func WithTTLDecrement(d time.Duration) Option {
	return func(c *Config) error {
		if d < 0 {
			return fmt.Errorf("kvstore: ttlDecrement must not be negative")
		}
		c.TTLDecrement = d
		return nil
	}
}

// WithLogger installs a custom zap logger in place of the default
// (Info level, stdout). The teacher itself has no logging dependency;
// zap is used here for the same reason goakt uses it elsewhere in the
// pack, and every internal package that logs shares this one instance.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("kvstore: logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithErrorHandler sets a callback invoked with ErrSubscriberSlow when a
// subscriber is dropped for being too slow; malformed messages and
// session resets are only logged, not passed to it. It must be fast and
// non-blocking; it is called in addition to, not instead of, the
// structured zap logger.
func WithErrorHandler(handler func(error)) Option {
	return func(c *Config) error {
		if handler == nil {
			return fmt.Errorf("kvstore: error handler cannot be nil")
		}
		c.errorHandler = handler
		return nil
	}
}

func randomNodeID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("kvstore: generate node id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

func validateAddr(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("kvstore: invalid address %q: %w", addr, err)
	}
	return nil
}
