package chathub_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"chatpair/backend/internal/chathub"
	"chatpair/backend/internal/models"
	"chatpair/backend/internal/profile"
	"chatpair/backend/internal/storage"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockMessenger is a testify mock of chathub.Messenger.
type MockMessenger struct {
	mock.Mock
}

func (m *MockMessenger) SendMessage(ctx context.Context, userID, text string, opts models.SendOptions) error {
	args := m.Called(ctx, userID, text, opts)
	return args.Error(0)
}

// MockArchive is a testify mock of chathub.SessionArchive.
type MockArchive struct {
	mock.Mock
}

func (m *MockArchive) SaveSession(ctx context.Context, s *models.ChatSession) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockArchive) CloseSession(ctx context.Context, sessionID string, reason models.EndReason, endedAt time.Time) error {
	args := m.Called(ctx, sessionID, reason, endedAt)
	return args.Error(0)
}

type notice struct {
	UserID string
	models.Notification
}

// recordingNotifier remembers every notice and can refuse delivery to chosen users.
type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice
	failFor map[string]error
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{failFor: make(map[string]error)}
}

func (n *recordingNotifier) Notify(_ context.Context, userID string, note models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{UserID: userID, Notification: note})
	return n.failFor[userID]
}

func (n *recordingNotifier) fail(userID string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failFor[userID] = err
}

func (n *recordingNotifier) of(kind models.NotificationKind) []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notice
	for _, nt := range n.notices {
		if nt.Kind == kind {
			out = append(out, nt)
		}
	}
	return out
}

// fakeTimeouts records armed deadlines; tests fire them by hand.
type fakeTimeouts struct {
	mu        sync.Mutex
	fns       map[string]func(ctx context.Context)
	durations map[string]time.Duration
	// onCancel, if set, runs after every Cancel, outside the lock.
	onCancel func(key string)
}

func newFakeTimeouts() *fakeTimeouts {
	return &fakeTimeouts{
		fns:       make(map[string]func(ctx context.Context)),
		durations: make(map[string]time.Duration),
	}
}

func (f *fakeTimeouts) Arm(key string, d time.Duration, fn func(ctx context.Context)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns[key] = fn
	f.durations[key] = d
}

func (f *fakeTimeouts) Cancel(key string) bool {
	f.mu.Lock()
	_, ok := f.fns[key]
	delete(f.fns, key)
	delete(f.durations, key)
	hook := f.onCancel
	f.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	return ok
}

func (f *fakeTimeouts) armed(key string) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.durations[key]
	return d, ok
}

// grab returns the callback for key without removing it, as an expired
// timer would have it in hand.
func (f *fakeTimeouts) grab(key string) func(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fns[key]
}

// fire runs the deadline for key as the scheduler would.
func (f *fakeTimeouts) fire(key string) bool {
	f.mu.Lock()
	fn, ok := f.fns[key]
	delete(f.fns, key)
	delete(f.durations, key)
	f.mu.Unlock()
	if ok {
		fn(context.Background())
	}
	return ok
}

var errInjected = fmt.Errorf("%w: injected", models.ErrStoreUnavailable)

// faultyStore is a MemoryStore whose next calls of a chosen operation fail.
type faultyStore struct {
	*storage.MemoryStore
	mu       sync.Mutex
	failures map[string]int
	before   map[string]func()
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		MemoryStore: storage.NewMemoryStore(),
		failures:    make(map[string]int),
		before:      make(map[string]func()),
	}
}

// beforeNext runs fn once, just before the next call of op.
func (f *faultyStore) beforeNext(op string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before[op] = fn
}

// failNext makes the next n calls of op fail with ErrStoreUnavailable.
func (f *faultyStore) failNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = n
}

func (f *faultyStore) trip(op string) error {
	f.mu.Lock()
	fn := f.before[op]
	delete(f.before, op)
	fail := f.failures[op] > 0
	if fail {
		f.failures[op]--
	}
	f.mu.Unlock()

	if fn != nil {
		fn()
	}
	if fail {
		return errInjected
	}
	return nil
}

func (f *faultyStore) AddToSet(ctx context.Context, key, member string) error {
	if err := f.trip("AddToSet"); err != nil {
		return err
	}
	return f.MemoryStore.AddToSet(ctx, key, member)
}

func (f *faultyStore) RemoveFromSet(ctx context.Context, key, member string) (bool, error) {
	if err := f.trip("RemoveFromSet"); err != nil {
		return false, err
	}
	return f.MemoryStore.RemoveFromSet(ctx, key, member)
}

func (f *faultyStore) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	if err := f.trip("CompareAndDelete"); err != nil {
		return false, err
	}
	return f.MemoryStore.CompareAndDelete(ctx, key, old)
}

func (f *faultyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := f.trip("Get"); err != nil {
		return nil, err
	}
	return f.MemoryStore.Get(ctx, key)
}

const (
	testSearchTimeout = 2 * time.Minute
	testChatTimeout   = 15 * time.Minute
)

type testEnv struct {
	store     *faultyStore
	profiles  *profile.Store
	hub       *chathub.Hub
	messenger *MockMessenger
	notifier  *recordingNotifier
	timeouts  *fakeTimeouts
	archive   *MockArchive
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     newFaultyStore(),
		messenger: new(MockMessenger),
		notifier:  newRecordingNotifier(),
		timeouts:  newFakeTimeouts(),
		archive:   new(MockArchive),
	}
	env.profiles = profile.New(env.store, 3)
	env.archive.On("SaveSession", mock.Anything, mock.Anything).Return(nil).Maybe()
	env.archive.On("CloseSession", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	env.hub = chathub.NewHub(chathub.HubDeps{
		Store:         env.store,
		Profiles:      env.profiles,
		Messenger:     env.messenger,
		Notifier:      env.notifier,
		Timeouts:      env.timeouts,
		Archive:       env.archive,
		SearchTimeout: testSearchTimeout,
		ChatTimeout:   testChatTimeout,
	})
	return env
}

// onboard creates a user in MENU with the given gender.
func (env *testEnv) onboard(t *testing.T, userID string, g models.Gender) {
	t.Helper()
	ctx := context.Background()
	_, err := env.profiles.Create(ctx, userID, models.PlatformMeta{})
	require.NoError(t, err)
	_, err = env.profiles.Transition(ctx, userID, models.EventAgeConfirmed)
	require.NoError(t, err)
	_, err = env.profiles.Transition(ctx, userID, models.EventTermsAccepted)
	require.NoError(t, err)
	_, err = env.profiles.SelectGender(ctx, userID, g)
	require.NoError(t, err)
}

// searching creates a user and moves them to SEARCHING, as the router does before TryPair.
func (env *testEnv) searching(t *testing.T, userID string, g models.Gender) {
	t.Helper()
	env.onboard(t, userID, g)
	_, err := env.profiles.BeginSearch(context.Background(), userID)
	require.NoError(t, err)
}

func (env *testEnv) phase(t *testing.T, userID string) models.Phase {
	t.Helper()
	p, err := env.profiles.Get(context.Background(), userID)
	require.NoError(t, err)
	return p.Phase
}

// pair puts a and b into a session through the matcher.
func (env *testEnv) pair(t *testing.T, a, b string) string {
	t.Helper()
	ctx := context.Background()
	env.searching(t, a, models.GenderMale)
	env.searching(t, b, models.GenderFemale)

	res, err := env.hub.Matcher.TryPair(ctx, a, models.FilterAny)
	require.NoError(t, err)
	require.Equal(t, chathub.Waiting, res.Status)

	res, err = env.hub.Matcher.TryPair(ctx, b, models.FilterAny)
	require.NoError(t, err)
	require.Equal(t, chathub.Paired, res.Status)
	return res.SessionID
}
