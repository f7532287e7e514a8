package retry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/izavyalov-dev/delta-report/events"
	"github.com/izavyalov-dev/delta-report/protocol"
	"github.com/izavyalov-dev/delta-report/state"
)

type fakeItemStore struct {
	items       map[int64]state.TestItem
	paths       map[int64][]string
	pathLookups int
	lastExclude int64

	launchHasRetries map[int64]bool
	markCalls        int
	linked           [][2]int64
	finished         []int64
}

func newFakeItemStore() *fakeItemStore {
	return &fakeItemStore{
		items:            map[int64]state.TestItem{},
		paths:            map[int64][]string{},
		launchHasRetries: map[int64]bool{},
	}
}

func (f *fakeItemStore) add(item state.TestItem) {
	f.items[item.ID] = item
}

func (f *fakeItemStore) ItemPathNames(ctx context.Context, itemID int64) ([]string, error) {
	f.pathLookups++
	return f.paths[itemID], nil
}

func (f *fakeItemStore) latest(launchID, parentID, excludeID int64, match func(state.TestItem) bool) (int64, bool, error) {
	f.lastExclude = excludeID
	var best state.TestItem
	found := false
	for _, item := range f.items {
		if item.LaunchID != launchID || item.ParentID == nil || *item.ParentID != parentID {
			continue
		}
		if item.ID == excludeID || item.RetryOf != nil || !match(item) {
			continue
		}
		if !found || item.StartTime.After(best.StartTime) || (item.StartTime.Equal(best.StartTime) && item.ID > best.ID) {
			best = item
			found = true
		}
	}
	return best.ID, found, nil
}

func (f *fakeItemStore) FindLatestIDByUniqueID(ctx context.Context, launchID, parentID int64, uniqueID string, excludeID int64) (int64, bool, error) {
	return f.latest(launchID, parentID, excludeID, func(item state.TestItem) bool { return item.UniqueID == uniqueID })
}

func (f *fakeItemStore) FindLatestIDByTestCaseHash(ctx context.Context, launchID, parentID int64, hash int64, excludeID int64) (int64, bool, error) {
	return f.latest(launchID, parentID, excludeID, func(item state.TestItem) bool {
		return item.TestCaseHash != nil && *item.TestCaseHash == hash
	})
}

func (f *fakeItemStore) GetItem(ctx context.Context, itemID int64) (state.TestItem, error) {
	item, ok := f.items[itemID]
	if !ok {
		return state.TestItem{}, fmt.Errorf("%w: test item %d", state.ErrNotFound, itemID)
	}
	return item, nil
}

func (f *fakeItemStore) GetItemByUUID(ctx context.Context, uuid string) (state.TestItem, error) {
	for _, item := range f.items {
		if item.UUID == uuid {
			return item, nil
		}
	}
	return state.TestItem{}, fmt.Errorf("%w: test item %s", state.ErrNotFound, uuid)
}

func (f *fakeItemStore) HandleRetries(ctx context.Context, previousID, newID int64) error {
	f.linked = append(f.linked, [2]int64{previousID, newID})
	for id, item := range f.items {
		if id == previousID || (item.RetryOf != nil && *item.RetryOf == previousID) {
			head := newID
			item.RetryOf = &head
			item.HasRetries = false
			f.items[id] = item
		}
	}
	item := f.items[newID]
	item.HasRetries = true
	f.items[newID] = item
	return nil
}

func (f *fakeItemStore) LaunchHasRetries(ctx context.Context, launchID int64) (bool, error) {
	return f.launchHasRetries[launchID], nil
}

func (f *fakeItemStore) MarkLaunchHasRetries(ctx context.Context, launchID int64) error {
	f.markCalls++
	f.launchHasRetries[launchID] = true
	return nil
}

func (f *fakeItemStore) FinishRetries(ctx context.Context, rootID int64, status protocol.Status, endTime time.Time) (int64, error) {
	f.finished = append(f.finished, rootID)
	var count int64
	for id, item := range f.items {
		if item.RetryOf != nil && *item.RetryOf == rootID && item.Status == protocol.StatusInProgress {
			item.Status = status
			item.EndTime = &endTime
			f.items[id] = item
			count++
		}
	}
	return count, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *recordingPublisher) Publish(channel string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, data)
}

func ptr[T any](v T) *T {
	return &v
}

var (
	testLaunch = state.Launch{ID: 1, ProjectID: 10, Name: "nightly"}
	testParent = state.TestItem{ID: 100, LaunchID: 1, Name: "LoginSuite", Status: protocol.StatusInProgress}
	t0         = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
)

func newAttempt(id int64, uniqueID string, start time.Time) state.TestItem {
	return state.TestItem{
		ID:        id,
		UUID:      fmt.Sprintf("item-%d", id),
		LaunchID:  testLaunch.ID,
		ParentID:  ptr(testParent.ID),
		Name:      "opens dashboard",
		UniqueID:  uniqueID,
		Status:    protocol.StatusInProgress,
		HasStats:  true,
		StartTime: start,
	}
}

func TestGenerateUniqueIDFormat(t *testing.T) {
	id := GenerateUniqueID("shop", "nightly", []string{"LoginSuite", "SmokeClass"}, "opens dashboard", []state.Parameter{
		{Key: "browser", Value: "chrome"},
		{Value: "42"},
	})
	decoded, err := base64.StdEncoding.DecodeString(id)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := "auto:;shop;nightly;LoginSuite,SmokeClass;opens dashboard;browser=chrome,42"
	if string(decoded) != want {
		t.Fatalf("expected %q, got %q", want, decoded)
	}
	if !isGeneratedUniqueID(id) {
		t.Fatal("expected generated id to validate")
	}
	if isGeneratedUniqueID("client-supplied") {
		t.Fatal("expected client id to not validate")
	}
}

func TestEnsureIdentityRecomputesEchoedGeneratedUniqueID(t *testing.T) {
	store := newFakeItemStore()
	store.paths[testParent.ID] = []string{"LoginSuite"}
	resolver := NewResolver(store)

	stale := GenerateUniqueID("shop", "nightly-renamed", []string{"LoginSuite"}, "opens dashboard", nil)
	item := newAttempt(0, stale, t0)
	item.Name = "opens dashboard"
	c := &Candidate{Item: &item, Parent: &testParent, Launch: testLaunch, ProjectName: "shop", Strategy: StrategyUniqueID}
	if err := resolver.EnsureIdentity(context.Background(), c); err != nil {
		t.Fatalf("ensure identity: %v", err)
	}
	want := GenerateUniqueID("shop", testLaunch.Name, []string{"LoginSuite"}, "opens dashboard", item.Parameters)
	if item.UniqueID != want {
		t.Fatalf("expected recomputed unique id %q, got %q", want, item.UniqueID)
	}
}

func TestGenerateUniqueIDWithoutPath(t *testing.T) {
	id := GenerateUniqueID("shop", "nightly", nil, "root", nil)
	decoded, _ := base64.StdEncoding.DecodeString(id)
	if string(decoded) != "auto:;shop;nightly;root" {
		t.Fatalf("unexpected encoding %q", decoded)
	}
}

func TestGenerateTestCaseHashIsStableAndProjectScoped(t *testing.T) {
	params := []state.Parameter{{Key: "browser", Value: "chrome"}}
	a := GenerateTestCaseHash(10, []string{"LoginSuite"}, "opens dashboard", params)
	b := GenerateTestCaseHash(10, []string{"LoginSuite"}, "opens dashboard", params)
	c := GenerateTestCaseHash(11, []string{"LoginSuite"}, "opens dashboard", params)
	if a != b {
		t.Fatalf("expected stable hash, got %d and %d", a, b)
	}
	if a == c {
		t.Fatal("expected project to change the hash")
	}
}

func TestStrategyFor(t *testing.T) {
	if got := StrategyFor(nil); got != StrategyUniqueID {
		t.Fatalf("expected default %s, got %s", StrategyUniqueID, got)
	}
	if got := StrategyFor(map[string]string{StrategyAttribute: "testCaseHash"}); got != StrategyTestCaseHash {
		t.Fatalf("expected %s, got %s", StrategyTestCaseHash, got)
	}
	if got := StrategyFor(map[string]string{StrategyAttribute: "bogus"}); got != StrategyUniqueID {
		t.Fatalf("expected fallback %s, got %s", StrategyUniqueID, got)
	}
}

func TestEnsureIdentityKeepsSuppliedKeysAndLoadsPathOnce(t *testing.T) {
	store := newFakeItemStore()
	store.paths[testParent.ID] = []string{"LoginSuite"}
	resolver := NewResolver(store)

	item := newAttempt(0, "client-key", t0)
	c := &Candidate{Item: &item, Parent: &testParent, Launch: testLaunch, ProjectName: "shop", Strategy: StrategyTestCaseHash}
	if err := resolver.EnsureIdentity(context.Background(), c); err != nil {
		t.Fatalf("ensure identity: %v", err)
	}
	if item.UniqueID != "client-key" {
		t.Fatalf("supplied unique id overwritten: %q", item.UniqueID)
	}
	if item.TestCaseHash == nil {
		t.Fatal("expected test case hash to be generated")
	}
	if _, _, err := resolver.FindPreviousRetry(context.Background(), c); err != nil {
		t.Fatalf("find previous: %v", err)
	}
	if store.pathLookups != 1 {
		t.Fatalf("expected one path lookup, got %d", store.pathLookups)
	}
}

func TestFindPreviousRetryExcludesSelf(t *testing.T) {
	store := newFakeItemStore()
	store.add(newAttempt(1, "key", t0))
	second := newAttempt(2, "key", t0.Add(time.Minute))
	store.add(second)
	resolver := NewResolver(store)

	c := &Candidate{Item: &second, Parent: &testParent, Launch: testLaunch, Strategy: StrategyUniqueID}
	id, found, err := resolver.FindPreviousRetry(context.Background(), c)
	if err != nil {
		t.Fatalf("find previous: %v", err)
	}
	if !found || id != 1 {
		t.Fatalf("expected previous attempt 1, got %d (found=%v)", id, found)
	}
	if store.lastExclude != 2 {
		t.Fatalf("expected item 2 excluded, got %d", store.lastExclude)
	}
}

func TestFindPreviousRetryUsesTestCaseHash(t *testing.T) {
	store := newFakeItemStore()
	first := newAttempt(1, "a", t0)
	first.TestCaseHash = ptr(int64(99))
	store.add(first)
	second := newAttempt(2, "b", t0.Add(time.Minute))
	second.TestCaseHash = ptr(int64(99))
	store.add(second)
	resolver := NewResolver(store)

	c := &Candidate{Item: &second, Parent: &testParent, Launch: testLaunch, Strategy: StrategyTestCaseHash}
	id, found, err := resolver.FindPreviousRetry(context.Background(), c)
	if err != nil {
		t.Fatalf("find previous: %v", err)
	}
	if !found || id != 1 {
		t.Fatalf("expected previous attempt 1 by hash, got %d (found=%v)", id, found)
	}
}

func TestHandleRetriesLinksSecondAttempt(t *testing.T) {
	store := newFakeItemStore()
	store.add(newAttempt(1, "key", t0))
	second := newAttempt(2, "key", t0.Add(time.Minute))
	store.add(second)
	publisher := &recordingPublisher{}
	linker := NewLinker(store, NewResolver(store), publisher, nil, nil)

	c := &Candidate{Item: &second, Parent: &testParent, Launch: testLaunch, Strategy: StrategyUniqueID}
	prev, err := linker.HandleRetries(context.Background(), c, Ref{})
	if err != nil {
		t.Fatalf("handle retries: %v", err)
	}
	if prev != 1 {
		t.Fatalf("expected previous attempt 1, got %d", prev)
	}
	first := store.items[1]
	if first.RetryOf == nil || *first.RetryOf != 2 {
		t.Fatalf("expected attempt 1 to point at 2, got %v", first.RetryOf)
	}
	if !store.items[2].HasRetries {
		t.Fatal("expected new head to have retries")
	}
	if !store.launchHasRetries[testLaunch.ID] || store.markCalls != 1 {
		t.Fatalf("expected launch flagged once, calls=%d", store.markCalls)
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected one retried event, got %d", len(publisher.events))
	}
	event := publisher.events[0].(events.ItemRetried)
	if event.ItemID != 2 || event.PreviousID != 1 {
		t.Fatalf("unexpected event %+v", event)
	}

	third := newAttempt(3, "key", t0.Add(2*time.Minute))
	store.add(third)
	c = &Candidate{Item: &third, Parent: &testParent, Launch: testLaunch, Strategy: StrategyUniqueID}
	prev, err = linker.HandleRetries(context.Background(), c, Ref{})
	if err != nil {
		t.Fatalf("handle third attempt: %v", err)
	}
	if prev != 2 {
		t.Fatalf("expected third attempt to link to 2, got %d", prev)
	}
	for _, id := range []int64{1, 2} {
		if got := store.items[id].RetryOf; got == nil || *got != 3 {
			t.Fatalf("expected item %d to point at head 3, got %v", id, got)
		}
	}
	if store.markCalls != 1 {
		t.Fatalf("expected launch flag written once, got %d", store.markCalls)
	}
}

func TestHandleRetriesFirstAttemptIsNoop(t *testing.T) {
	store := newFakeItemStore()
	first := newAttempt(1, "key", t0)
	store.add(first)
	publisher := &recordingPublisher{}
	linker := NewLinker(store, NewResolver(store), publisher, nil, nil)

	prev, err := linker.HandleRetries(context.Background(), &Candidate{Item: &first, Parent: &testParent, Launch: testLaunch}, Ref{})
	if err != nil {
		t.Fatalf("handle retries: %v", err)
	}
	if prev != 0 || len(store.linked) != 0 || len(publisher.events) != 0 {
		t.Fatalf("expected no link, got prev=%d links=%v", prev, store.linked)
	}
}

func TestHandleRetriesRejectsChainedRetry(t *testing.T) {
	store := newFakeItemStore()
	store.add(newAttempt(1, "key", t0))
	b := newAttempt(2, "key", t0.Add(time.Minute))
	b.RetryOf = ptr(int64(1))
	store.add(b)
	c := newAttempt(3, "key", t0.Add(2*time.Minute))
	store.add(c)
	linker := NewLinker(store, NewResolver(store), nil, nil, nil)

	_, err := linker.HandleRetries(context.Background(), &Candidate{Item: &c, Parent: &testParent, Launch: testLaunch}, Ref{ID: 2})
	var validation ValidationError
	if !errors.As(err, &validation) || !errors.Is(err, ErrPreviousIsRetry) {
		t.Fatalf("expected previous-is-retry validation error, got %v", err)
	}
	if len(store.linked) != 0 {
		t.Fatalf("expected no writes, got %v", store.linked)
	}
}

func TestHandleRetriesRejectsSelfLink(t *testing.T) {
	store := newFakeItemStore()
	item := newAttempt(1, "key", t0)
	store.add(item)
	linker := NewLinker(store, NewResolver(store), nil, nil, nil)

	_, err := linker.HandleRetries(context.Background(), &Candidate{Item: &item, Parent: &testParent, Launch: testLaunch}, Ref{UUID: "item-1"})
	if !errors.Is(err, ErrSameItem) {
		t.Fatalf("expected same-item error, got %v", err)
	}
}

func TestHandleRetriesRejectsRootItem(t *testing.T) {
	store := newFakeItemStore()
	item := newAttempt(1, "key", t0)
	item.ParentID = nil
	store.add(item)
	linker := NewLinker(store, NewResolver(store), nil, nil, nil)

	_, err := linker.HandleRetries(context.Background(), &Candidate{Item: &item, Launch: testLaunch}, Ref{})
	if !errors.Is(err, ErrRootItemRetry) {
		t.Fatalf("expected root item error, got %v", err)
	}
}

func TestHandleRetriesUnknownReference(t *testing.T) {
	store := newFakeItemStore()
	item := newAttempt(1, "key", t0)
	store.add(item)
	linker := NewLinker(store, NewResolver(store), nil, nil, nil)

	_, err := linker.HandleRetries(context.Background(), &Candidate{Item: &item, Parent: &testParent, Launch: testLaunch}, Ref{UUID: "missing"})
	if !errors.Is(err, ErrRetryRootNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestFinishRetriesClosesInProgressAttempts(t *testing.T) {
	store := newFakeItemStore()
	head := newAttempt(3, "key", t0)
	store.add(head)
	running := newAttempt(1, "key", t0)
	running.RetryOf = ptr(int64(3))
	store.add(running)
	done := newAttempt(2, "key", t0)
	done.RetryOf = ptr(int64(3))
	done.Status = protocol.StatusFailed
	store.add(done)
	linker := NewLinker(store, NewResolver(store), nil, nil, nil)

	end := t0.Add(time.Hour)
	count, err := linker.FinishRetries(context.Background(), 3, protocol.StatusPassed, end)
	if err != nil {
		t.Fatalf("finish retries: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one retry closed, got %d", count)
	}
	if store.items[1].Status != protocol.StatusPassed || !store.items[1].EndTime.Equal(end) {
		t.Fatalf("unexpected running retry state %+v", store.items[1])
	}
	if store.items[2].Status != protocol.StatusFailed {
		t.Fatalf("finished retry must keep its status, got %s", store.items[2].Status)
	}
}
