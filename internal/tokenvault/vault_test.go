package tokenvault

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/taxaudit-cli/internal/model"
	"github.com/sells-group/taxaudit-cli/internal/resilience"
	"github.com/sells-group/taxaudit-cli/internal/store"
	"github.com/sells-group/taxaudit-cli/pkg/xero"
)

// fakeStore keeps tokens in memory behind a mutex that doubles as the
// durable tenant lock.
type fakeStore struct {
	store.Store

	mu     sync.Mutex
	tokens map[string]model.TokenSet
	// onLock runs inside the tenant lock before fn, simulating another
	// process's writes that landed while we waited.
	onLock func()
}

func newFakeStore(tok model.TokenSet) *fakeStore {
	return &fakeStore{tokens: map[string]model.TokenSet{tok.TenantID: tok}}
}

func (f *fakeStore) GetToken(ctx context.Context, tenantID string) (*model.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, ok := f.tokens[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &tok, nil
}

func (f *fakeStore) SaveToken(ctx context.Context, tok *model.TokenSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[tok.TenantID] = *tok
	return nil
}

func (f *fakeStore) WithTenantLock(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	if f.onLock != nil {
		f.onLock()
	}
	return fn(ctx)
}

// fakeIdentity counts refreshes and rotates both tokens on each call.
type fakeIdentity struct {
	refreshes atomic.Int64
	delay     time.Duration
	err       error
}

func (f *fakeIdentity) Refresh(ctx context.Context, refreshToken string) (*xero.TokenGrant, error) {
	f.refreshes.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &xero.TokenGrant{
		AccessToken:  "at-rotated",
		RefreshToken: "rt-rotated",
		ExpiresIn:    1800,
		Scope:        "accounting.transactions.read",
	}, nil
}

func freshToken(expiresIn time.Duration) model.TokenSet {
	return model.TokenSet{
		TenantID:     "tenant-a",
		AccessToken:  "at-current",
		RefreshToken: "rt-current",
		ExpiresAt:    time.Now().Add(expiresIn),
		State:        model.TokenStateValid,
	}
}

func TestAcquireOutsideBufferNoRefresh(t *testing.T) {
	st := newFakeStore(freshToken(time.Hour))
	identity := &fakeIdentity{}
	v := New(st, identity, 5*time.Minute)

	tok, err := v.AcquireValidToken(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "at-current", tok.AccessToken)
	assert.EqualValues(t, 0, identity.refreshes.Load())
}

func TestAcquireRefreshesWithinBuffer(t *testing.T) {
	st := newFakeStore(freshToken(time.Minute))
	identity := &fakeIdentity{}
	v := New(st, identity, 5*time.Minute)

	tok, err := v.AcquireValidToken(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "at-rotated", tok.AccessToken)
	assert.Equal(t, "rt-rotated", tok.RefreshToken)
	assert.Equal(t, model.TokenStateValid, tok.State)
	assert.EqualValues(t, 1, identity.refreshes.Load())

	// Persisted state matches what was handed out.
	stored, err := st.GetToken(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "rt-rotated", stored.RefreshToken)
}

func TestConcurrentAcquireRefreshesOnce(t *testing.T) {
	st := newFakeStore(freshToken(time.Minute))
	identity := &fakeIdentity{delay: 20 * time.Millisecond}
	v := New(st, identity, 5*time.Minute)

	const callers = 10
	var wg sync.WaitGroup
	start := make(chan struct{})
	tokens := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tok, err := v.AcquireValidToken(context.Background(), "tenant-a")
			if err != nil {
				errs[i] = err
				return
			}
			tokens[i] = tok.AccessToken
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "at-rotated", tokens[i])
	}
	assert.EqualValues(t, 1, identity.refreshes.Load(), "concurrent callers must share one refresh")
}

func TestRevokedIsTerminal(t *testing.T) {
	tok := freshToken(time.Hour)
	tok.State = model.TokenStateRevoked
	st := newFakeStore(tok)
	identity := &fakeIdentity{}
	v := New(st, identity, 5*time.Minute)

	_, err := v.AcquireValidToken(context.Background(), "tenant-a")
	require.Error(t, err)
	assert.True(t, resilience.IsAuthRevoked(err))
	assert.EqualValues(t, 0, identity.refreshes.Load())
}

func TestInvalidGrantMarksRevoked(t *testing.T) {
	st := newFakeStore(freshToken(time.Minute))
	identity := &fakeIdentity{err: xero.ErrRefreshTokenInvalid}
	v := New(st, identity, 5*time.Minute)

	_, err := v.AcquireValidToken(context.Background(), "tenant-a")
	require.Error(t, err)
	assert.True(t, resilience.IsAuthRevoked(err))

	stored, err := st.GetToken(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, model.TokenStateRevoked, stored.State)

	// Subsequent acquires short-circuit without touching the provider.
	_, err = v.AcquireValidToken(context.Background(), "tenant-a")
	assert.True(t, resilience.IsAuthRevoked(err))
	assert.EqualValues(t, 1, identity.refreshes.Load())
}

func TestLockDoubleCheckSkipsRefresh(t *testing.T) {
	st := newFakeStore(freshToken(time.Minute))
	identity := &fakeIdentity{}
	v := New(st, identity, 5*time.Minute)

	// Another process refreshes while we wait on the durable lock; the
	// re-read inside the lock must pick that up and skip our refresh.
	st.onLock = func() {
		st.mu.Lock()
		tok := st.tokens["tenant-a"]
		tok.AccessToken = "at-other-process"
		tok.RefreshToken = "rt-other-process"
		tok.ExpiresAt = time.Now().Add(time.Hour)
		st.tokens["tenant-a"] = tok
		st.mu.Unlock()
	}

	tok, err := v.AcquireValidToken(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "at-other-process", tok.AccessToken)
	assert.EqualValues(t, 0, identity.refreshes.Load())
}

func TestExpiresWithinBoundary(t *testing.T) {
	now := time.Now()
	tok := model.TokenSet{ExpiresAt: now.Add(5 * time.Minute)}

	assert.True(t, tok.ExpiresWithin(5*time.Minute, now))
	assert.True(t, tok.ExpiresWithin(10*time.Minute, now))
	assert.False(t, tok.ExpiresWithin(time.Minute, now))
}
