package identity

import (
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cropai/identity/device"
	"github.com/cropai/identity/internal/stores"
	"github.com/cropai/identity/jwt"
	"github.com/cropai/identity/metrics"
	"github.com/cropai/identity/mfa"
	"github.com/cropai/identity/notify"
	"github.com/cropai/identity/password"
	"github.com/cropai/identity/rbac"
	"github.com/cropai/identity/store"
)

// Builder assembles an Engine from explicit collaborators.
//
// A Builder is used once during initialization. Build returns an error on a
// second call.
type Builder struct {
	config  Config
	redis   redis.UniversalClient
	store   store.Store
	logger  *zap.Logger
	clock   Clock
	metrics *metrics.Metrics
	email   notify.Sender
	sms     notify.Sender
	sink    AuditSink

	built bool
}

// New returns a Builder seeded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the configuration. The config is copied.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client backing the revocation set, throttle records,
// MFA challenges and reset codes. It is required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore sets the relational persistence. It is required.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithClock(c Clock) *Builder {
	b.clock = c
	return b
}

func (b *Builder) WithMetrics(m *metrics.Metrics) *Builder {
	b.metrics = m
	return b
}

// WithEmailSender sets the sender for email MFA codes and reset codes.
func (b *Builder) WithEmailSender(s notify.Sender) *Builder {
	b.email = s
	return b
}

// WithSMSSender sets the sender for SMS MFA codes.
func (b *Builder) WithSMSSender(s notify.Sender) *Builder {
	b.sms = s
	return b
}

// WithAuditSink mirrors every history entry to sink after it is stored.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.store == nil {
		return nil, errors.New("store required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := b.clock
	if clock == nil {
		clock = systemClock{}
	}

	// -------- CRYPTO --------
	hasher, err := password.NewArgon2(password.Config{
		Memory:           cfg.Password.Memory,
		Time:             cfg.Password.Time,
		Parallelism:      cfg.Password.Parallelism,
		SaltLength:       cfg.Password.SaltLength,
		KeyLength:        cfg.Password.KeyLength,
		MaxPasswordBytes: cfg.Password.MaxBytes,
	})
	if err != nil {
		return nil, err
	}

	codec, err := jwt.NewCodec(jwt.Config{
		AccessKey:  cfg.JWT.AccessKey,
		RefreshKey: cfg.JWT.RefreshKey,
		DeviceKey:  cfg.JWT.DeviceKey,
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
		DeviceTTL:  cfg.Device.TTL,
		Issuer:     cfg.JWT.Issuer,
		Audience:   cfg.JWT.Audience,
		Leeway:     cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}

	sealer, err := mfa.NewSealer(cfg.MFA.SealKey)
	if err != nil {
		return nil, err
	}

	// -------- SHARED STORES --------
	challenges := stores.NewChallengeStore(b.redis, cfg.MFA.RedisPrefix+":ch", cfg.MFA.ChallengeTTL)
	setups := stores.NewChallengeStore(b.redis, cfg.MFA.RedisPrefix+":setup", cfg.MFA.SetupTTL)
	throttle := stores.NewThrottleStore(b.redis, cfg.Throttle.RedisPrefix, cfg.Throttle.Retention)
	revoked := stores.NewRevocationStore(b.redis, "idt:revoked")
	resets := stores.NewResetStore(b.redis, cfg.Reset.RedisPrefix)

	b.built = true
	return &Engine{
		config:     cfg,
		store:      b.store,
		logger:     logger.Named("identity"),
		clock:      clock,
		metrics:    b.metrics,
		hasher:     hasher,
		codec:      codec,
		sealer:     sealer,
		totp:       mfa.NewTOTP(cfg.MFA.Issuer),
		resolver:   rbac.NewResolver(b.store, logger),
		devices:    device.NewRegistry(b.store, cfg.Device.TTL, logger),
		challenges: challenges,
		setups:     setups,
		throttle:   throttle,
		revoked:    revoked,
		resets:     resets,
		email:      b.email,
		sms:        b.sms,
		sink:       b.sink,
	}, nil
}
