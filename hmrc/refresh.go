package hmrc

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"golang.org/x/sync/singleflight"

	"bitbucket.org/finfolio/selfassess_backend/models"
)

// RefreshSkew is how far before expiry a token already counts as stale. It
// absorbs clock drift and the latency of the request the token is about to sign.
const RefreshSkew = 60 * time.Second

const refreshLockTTL = 30 * time.Second

// tokenRefresher is the slice of OAuthClient the coordinator needs; tests
// substitute a counter.
type tokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*models.HmrcToken, error)
}

// Refresher guarantees every outbound call runs on a non-expired access token.
// Concurrent callers for one user collapse into a single upstream refresh:
// HMRC rotates refresh tokens on use, so a duplicate refresh with the old
// token would be rejected as already-used.
type Refresher struct {
	store  models.TokenStore
	oauth  tokenRefresher
	locker *redislock.Client // optional, cross-instance exclusion
	group  singleflight.Group
	skew   time.Duration
	now    func() time.Time
}

func NewRefresher(store models.TokenStore, oauth tokenRefresher, locker *redislock.Client) *Refresher {
	return &Refresher{
		store:  store,
		oauth:  oauth,
		locker: locker,
		skew:   RefreshSkew,
		now:    time.Now,
	}
}

// NeedsRefresh is true when now >= expiresAt - skew.
func NeedsRefresh(token *models.HmrcToken, now time.Time, skew time.Duration) bool {
	return !now.Before(token.ExpiresAt.Add(-skew))
}

// EnsureFreshToken loads the user's grant and refreshes it if stale. A user
// with no stored grant gets ErrSessionExpired immediately, with no network
// call. A failed refresh also surfaces as ErrSessionExpired so handlers send
// the user back through authorization instead of retrying.
func (r *Refresher) EnsureFreshToken(ctx context.Context, userId int) (*models.HmrcToken, error) {
	token, err := r.store.Get(ctx, userId)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, ErrSessionExpired
	}
	if !NeedsRefresh(token, r.now(), r.skew) {
		return token, nil
	}
	return r.refresh(ctx, userId, "")
}

// ForceRefresh refreshes even though the stored token has not hit the skew
// window yet. Used after a mid-call 401, where the token looked fresh but HMRC
// disagreed. staleAccessToken is the token the 401 was observed on: if the
// stored grant has already moved past it, another flight refreshed for us.
func (r *Refresher) ForceRefresh(ctx context.Context, userId int, staleAccessToken string) (*models.HmrcToken, error) {
	return r.refresh(ctx, userId, staleAccessToken)
}

func (r *Refresher) refresh(ctx context.Context, userId int, staleAccessToken string) (*models.HmrcToken, error) {
	// Single-flight per user: concurrent callers await the one in-flight
	// refresh and share its result.
	v, err, _ := r.group.Do(strconv.Itoa(userId), func() (interface{}, error) {
		return r.refreshLocked(ctx, userId, staleAccessToken)
	})
	if err != nil {
		return nil, err
	}
	token := v.(*models.HmrcToken)
	if staleAccessToken != "" && token.AccessToken == staleAccessToken {
		// Joined a flight that predates the 401 and left the grant where it
		// was. The rejected token cannot be handed back; rotate it ourselves.
		return r.refreshLocked(ctx, userId, staleAccessToken)
	}
	return token, nil
}

func (r *Refresher) refreshLocked(ctx context.Context, userId int, staleAccessToken string) (*models.HmrcToken, error) {
	if r.locker != nil {
		// Cross-instance guard. Redis being down must not take refresh down
		// with it, so lock failures other than contention are ignored.
		lock, err := r.locker.Obtain(ctx, "hmrc:refresh:"+strconv.Itoa(userId), refreshLockTTL, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 50),
		})
		if err == nil {
			defer lock.Release(ctx)
		} else if err == redislock.ErrNotObtained {
			return nil, fmt.Errorf("hmrc token refresh contended for user %d", userId)
		}
	}

	// Re-read under the lock: another instance may have refreshed while we waited.
	token, err := r.store.Get(ctx, userId)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, ErrSessionExpired
	}
	if staleAccessToken != "" {
		// Forced path: skip the refresh only if someone else already rotated
		// the grant past the token that 401'd.
		if token.AccessToken != staleAccessToken {
			return token, nil
		}
	} else if !NeedsRefresh(token, r.now(), r.skew) {
		return token, nil
	}

	fresh, err := r.oauth.Refresh(ctx, token.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	fresh.UserId = userId
	if err := r.store.Upsert(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}
