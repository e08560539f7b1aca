package automation

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
	"github.com/r3e-network/area-engine/internal/app/storage"
	"github.com/r3e-network/area-engine/pkg/logger"
)

// distributedLockTTL bounds how long a Redis-held refresh lock survives a
// crashed holder; well above any single refresh call's expected duration.
const distributedLockTTL = 30 * time.Second

// distributedLockPollInterval is how often a process that lost the Redis
// SETNX race re-checks whether the winning process has landed its refresh.
const distributedLockPollInterval = 50 * time.Millisecond

// ProactiveRefreshWindow is the default window before expiry in which the
// Token Broker attempts a refresh rather than waiting for the token to lapse.
const ProactiveRefreshWindow = 5 * time.Minute

// RefreshedToken is what a TokenRefresher returns on a successful refresh.
type RefreshedToken struct {
	AccessToken string
	ExpiresAt   *time.Time
}

// TokenRefresher performs the single outbound call that exchanges a
// refresh-token for a new access-token. Implementations are registered per
// service name, mirroring the reaction handler registry.
type TokenRefresher interface {
	// SupportsRefresh reports whether this provider issues refresh tokens
	// at all; some providers mint long-lived, non-expiring access tokens.
	SupportsRefresh() bool
	Refresh(ctx context.Context, token domain.ServiceToken) (RefreshedToken, error)
}

// TokenRefresherFunc adapts a function to TokenRefresher for providers that
// always support refresh.
type TokenRefresherFunc func(ctx context.Context, token domain.ServiceToken) (RefreshedToken, error)

func (f TokenRefresherFunc) SupportsRefresh() bool { return true }

func (f TokenRefresherFunc) Refresh(ctx context.Context, token domain.ServiceToken) (RefreshedToken, error) {
	return f(ctx, token)
}

// TokenBroker hands out currently-valid access tokens for (owner, service),
// refreshing proactively within ProactiveRefreshWindow of expiry. Concurrent
// callers for the same key are serialised behind a per-key in-process lock
// so only one outbound refresh call is made; others observe the refreshed
// row once it lands.
type TokenBroker struct {
	tokens        storage.ServiceTokenStore
	notifications storage.OAuthNotificationStore
	refreshers    map[string]TokenRefresher
	window        time.Duration
	log           *logger.Logger

	keyLocks sync.Map // map[string]*sync.Mutex, keyed by ownerID+"|"+serviceID

	// redisClient, when set via WithDistributedLock, coalesces refreshes
	// across multiple engine processes sharing the same token store: the
	// in-process mutex above only serialises callers within one process.
	redisClient *redis.Client
}

// NewTokenBroker creates a Token Broker. refreshers maps a service name to
// the TokenRefresher that knows how to exchange its refresh tokens.
func NewTokenBroker(tokens storage.ServiceTokenStore, notifications storage.OAuthNotificationStore, refreshers map[string]TokenRefresher, log *logger.Logger) *TokenBroker {
	if log == nil {
		log = logger.NewDefault("token-broker")
	}
	if refreshers == nil {
		refreshers = map[string]TokenRefresher{}
	}
	return &TokenBroker{
		tokens:        tokens,
		notifications: notifications,
		refreshers:    refreshers,
		window:        ProactiveRefreshWindow,
		log:           log,
	}
}

// WithRefreshWindow overrides the proactive refresh window.
func (b *TokenBroker) WithRefreshWindow(window time.Duration) *TokenBroker {
	if window > 0 {
		b.window = window
	}
	return b
}

// WithDistributedLock adds a cross-process SETNX lock on top of the
// per-process mutex, so that when the engine runs as multiple replicas
// behind the same database only one replica calls out to the provider for a
// given (owner, service) refresh.
func (b *TokenBroker) WithDistributedLock(client *redis.Client) *TokenBroker {
	b.redisClient = client
	return b
}

// GetValidToken returns a currently-valid ServiceToken for (ownerID,
// serviceName), refreshing it first if it is within the proactive window of
// expiry. It returns (zero value, nil) when no token exists and when a
// refresh attempt fails — callers distinguish these from storage errors by
// the returned error being nil.
func (b *TokenBroker) GetValidToken(ctx context.Context, ownerID, serviceID, serviceName string) (domain.ServiceToken, error) {
	token, err := b.tokens.GetServiceToken(ctx, ownerID, serviceID)
	if err != nil {
		if isNotFound(err) {
			return domain.ServiceToken{}, nil
		}
		return domain.ServiceToken{}, err
	}

	now := time.Now().UTC()
	if !token.NearExpiry(now, b.window) {
		return token, nil
	}

	refresher, hasRefresher := b.refreshers[serviceName]
	if !hasRefresher || !refresher.SupportsRefresh() || token.RefreshToken == "" {
		// No way to refresh; hand back what we have, which may already be
		// expired. Some providers mint non-expiring tokens and this branch
		// is their steady state.
		return token, nil
	}

	return b.refreshLocked(ctx, ownerID, serviceID, serviceName, refresher, token)
}

func (b *TokenBroker) refreshLocked(ctx context.Context, ownerID, serviceID, serviceName string, refresher TokenRefresher, stale domain.ServiceToken) (domain.ServiceToken, error) {
	lock := b.lockFor(ownerID, serviceID)
	lock.Lock()
	defer lock.Unlock()

	if b.redisClient != nil {
		current, acquired, err := b.acquireDistributedLock(ctx, ownerID, serviceID)
		if err != nil {
			b.log.WithError(err).Warn("distributed refresh lock unavailable, falling back to process-local coalescing")
		} else if !acquired {
			// Another replica won the race and has presumably already
			// refreshed; current reflects what it landed.
			return current, nil
		} else {
			defer b.releaseDistributedLock(context.Background(), ownerID, serviceID)
		}
	}

	// Re-read: another goroutine may have already refreshed while we were
	// waiting for the lock.
	current, err := b.tokens.GetServiceToken(ctx, ownerID, serviceID)
	if err != nil {
		return domain.ServiceToken{}, err
	}
	if !current.NearExpiry(time.Now().UTC(), b.window) {
		return current, nil
	}

	refreshed, err := refresher.Refresh(ctx, current)
	if err != nil {
		b.log.WithError(err).
			WithField("owner_id", ownerID).
			WithField("service_id", serviceID).
			Warn("token refresh failed")
		if notifyErr := b.notifyRefreshFailed(ctx, ownerID, serviceID, err); notifyErr != nil {
			b.log.WithError(notifyErr).Warn("failed to record refresh_failed notification")
		}
		return domain.ServiceToken{}, nil
	}

	current.AccessToken = refreshed.AccessToken
	current.ExpiresAt = refreshed.ExpiresAt
	updated, err := b.tokens.UpdateServiceToken(ctx, current)
	if err != nil {
		return domain.ServiceToken{}, err
	}

	if resolveErr := b.notifications.ResolveOpen(ctx, ownerID, serviceID, domain.NotificationRefreshFailed, time.Now().UTC()); resolveErr != nil {
		b.log.WithError(resolveErr).Warn("failed to resolve refresh_failed notifications after successful refresh")
	}
	return updated, nil
}

// MarkUsed updates last-used-at for a token without touching updated-at.
func (b *TokenBroker) MarkUsed(ctx context.Context, tokenID string) error {
	return b.tokens.TouchLastUsed(ctx, tokenID, time.Now().UTC())
}

func (b *TokenBroker) notifyRefreshFailed(ctx context.Context, ownerID, serviceID string, cause error) error {
	_, _, err := b.notifications.CreateIfAbsent(ctx, domain.OAuthNotification{
		OwnerID:   ownerID,
		ServiceID: serviceID,
		Type:      domain.NotificationRefreshFailed,
		Message:   cause.Error(),
	})
	return err
}

func (b *TokenBroker) lockFor(ownerID, serviceID string) *sync.Mutex {
	key := ownerID + "|" + serviceID
	lock, _ := b.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (b *TokenBroker) distributedLockKey(ownerID, serviceID string) string {
	return "area-engine:token-refresh-lock:" + ownerID + "|" + serviceID
}

// acquireDistributedLock attempts to win the cross-process refresh race via
// SETNX. When it loses, it polls the token store until the winning replica's
// refresh lands (or the lock's TTL elapses) and returns that replica's
// result instead of refreshing again.
func (b *TokenBroker) acquireDistributedLock(ctx context.Context, ownerID, serviceID string) (domain.ServiceToken, bool, error) {
	key := b.distributedLockKey(ownerID, serviceID)
	ok, err := b.redisClient.SetNX(ctx, key, uuid.NewString(), distributedLockTTL).Result()
	if err != nil {
		return domain.ServiceToken{}, false, err
	}
	if ok {
		return domain.ServiceToken{}, true, nil
	}

	deadline := time.Now().Add(distributedLockTTL)
	for time.Now().Before(deadline) {
		time.Sleep(distributedLockPollInterval)
		current, err := b.tokens.GetServiceToken(ctx, ownerID, serviceID)
		if err != nil {
			return domain.ServiceToken{}, false, err
		}
		if !current.NearExpiry(time.Now().UTC(), b.window) {
			return current, false, nil
		}
	}
	current, err := b.tokens.GetServiceToken(ctx, ownerID, serviceID)
	if err != nil {
		return domain.ServiceToken{}, false, err
	}
	return current, false, nil
}

func (b *TokenBroker) releaseDistributedLock(ctx context.Context, ownerID, serviceID string) {
	if err := b.redisClient.Del(ctx, b.distributedLockKey(ownerID, serviceID)).Err(); err != nil {
		b.log.WithError(err).Warn("failed to release distributed refresh lock")
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
