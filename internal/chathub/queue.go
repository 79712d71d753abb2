package chathub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"chatpair/backend/internal/models"
	"chatpair/backend/internal/storage"
)

func queueKey(f models.Filter) string   { return "queue:" + string(f) }
func queueEntryKey(userID string) string { return "queue:entry:" + userID }

// queueMember is the set member of one queue entry. The enqueue time makes it
// unique per search, so cleaning up after a claim never touches a newer entry
// of the same user.
func queueMember(e models.QueueEntry) string {
	return e.UserID + "|" + strconv.FormatInt(e.EnqueuedAt.UnixNano(), 10)
}

func memberUser(member string) string {
	if i := strings.LastIndexByte(member, '|'); i >= 0 {
		return member[:i]
	}
	return member
}

// SearchQueue keeps the three search queues (male, female, any) in the store.
//
// A per-user marker holds the QueueEntry. It is written with SetIfAbsent,
// which keeps a user in at most one queue, and removed with CompareAndDelete,
// which is the claim: exactly one caller wins. Each queue is a set of members
// indexing the markers; a member whose marker is gone is skipped.
type SearchQueue struct {
	kv storage.Store
}

func NewSearchQueue(kv storage.Store) *SearchQueue {
	return &SearchQueue{kv: kv}
}

// Enqueue adds the entry to the queue of its filter.
func (q *SearchQueue) Enqueue(ctx context.Context, e models.QueueEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ok, err := q.kv.SetIfAbsent(ctx, queueEntryKey(e.UserID), raw, 0)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrAlreadyQueued, e.UserID)
	}
	if err := q.kv.AddToSet(ctx, queueKey(e.Filter), queueMember(e)); err != nil {
		_, _ = q.kv.CompareAndDelete(ctx, queueEntryKey(e.UserID), raw)
		return err
	}
	return nil
}

// Entry returns the user's queue entry, or nil if they are not queued.
func (q *SearchQueue) Entry(ctx context.Context, userID string) (*models.QueueEntry, error) {
	raw, err := q.kv.Get(ctx, queueEntryKey(userID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e models.QueueEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode queue entry %s: %w", userID, err)
	}
	return &e, nil
}

// Listed reports whether the user is queued and visible to other searchers.
// An entry whose index write failed is queued but not listed.
func (q *SearchQueue) Listed(ctx context.Context, userID string) (bool, error) {
	e, err := q.Entry(ctx, userID)
	if err != nil || e == nil {
		return false, err
	}
	members, err := q.kv.SetMembers(ctx, queueKey(e.Filter))
	if err != nil {
		return false, err
	}
	return slices.Contains(members, queueMember(*e)), nil
}

// Dequeue removes the user from whichever queue holds them. Removing a user
// who is not queued is not an error. It reports whether this call removed them.
func (q *SearchQueue) Dequeue(ctx context.Context, userID string) (bool, error) {
	e, err := q.Entry(ctx, userID)
	if err != nil || e == nil {
		return false, err
	}
	return q.Claim(ctx, *e)
}

// Claim removes the entry if it is still queued and reports whether this
// caller was the one to remove it.
func (q *SearchQueue) Claim(ctx context.Context, e models.QueueEntry) (bool, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	ok, err := q.kv.CompareAndDelete(ctx, queueEntryKey(e.UserID), raw)
	if err != nil || !ok {
		return false, err
	}
	// The claim is done; a member left behind here is skipped by entries.
	_, _ = q.kv.RemoveFromSet(ctx, queueKey(e.Filter), queueMember(e))
	return true, nil
}

// Restore puts back an entry this caller claimed but could not use.
func (q *SearchQueue) Restore(ctx context.Context, e models.QueueEntry) error {
	return q.Enqueue(ctx, e)
}

// entries lists a queue oldest first. Members without a matching marker were
// claimed or dequeued and are skipped.
func (q *SearchQueue) entries(ctx context.Context, f models.Filter) ([]models.QueueEntry, error) {
	members, err := q.kv.SetMembers(ctx, queueKey(f))
	if err != nil {
		return nil, err
	}
	out := make([]models.QueueEntry, 0, len(members))
	for _, m := range members {
		e, err := q.Entry(ctx, memberUser(m))
		if err != nil {
			return nil, err
		}
		if e == nil || e.Filter != f || queueMember(*e) != m {
			continue
		}
		out = append(out, *e)
	}
	sortFIFO(out)
	return out, nil
}

func sortFIFO(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
		}
		return entries[i].UserID < entries[j].UserID
	})
}

// FindPartner returns the earliest-enqueued user in the filter's queue other
// than excluding, or nil.
func (q *SearchQueue) FindPartner(ctx context.Context, f models.Filter, excluding string) (*models.QueueEntry, error) {
	entries, err := q.entries(ctx, f)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.UserID != excluding {
			e := e
			return &e, nil
		}
	}
	return nil, nil
}

// Candidates lists every waiting user the seeker and they would both accept,
// oldest first. Only the seeker's gender queue and the any queue can hold them.
func (q *SearchQueue) Candidates(ctx context.Context, seeker models.QueueEntry) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	for _, f := range []models.Filter{models.Filter(seeker.Gender), models.FilterAny} {
		entries, err := q.entries(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if seeker.Compatible(e) {
				out = append(out, e)
			}
		}
	}
	sortFIFO(out)
	return out, nil
}

// FindCompatible returns the oldest candidate for the seeker, or nil.
func (q *SearchQueue) FindCompatible(ctx context.Context, seeker models.QueueEntry) (*models.QueueEntry, error) {
	cands, err := q.Candidates(ctx, seeker)
	if err != nil || len(cands) == 0 {
		return nil, err
	}
	return &cands[0], nil
}

func (q *SearchQueue) Len(ctx context.Context, f models.Filter) (int, error) {
	entries, err := q.entries(ctx, f)
	return len(entries), err
}

// Entries lists all three queues.
func (q *SearchQueue) Entries(ctx context.Context) ([]models.QueueEntry, error) {
	var all []models.QueueEntry
	for _, f := range models.Filters {
		entries, err := q.entries(ctx, f)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}
