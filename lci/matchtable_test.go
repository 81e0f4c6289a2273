package lci

import (
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

var allBackends = []MatchBackend{BackendHash, BackendQueue, BackendHybrid}

func newTestTable(t *testing.T, backend MatchBackend, policy DuplicatePolicy) MatchTable {
	t.Helper()
	table, err := NewMatchTable(MatchConfig{Backend: backend, Duplicates: policy, Buckets: 64})
	if err != nil {
		t.Fatalf("NewMatchTable(%s) failed: %v", backend, err)
	}
	return table
}

func TestMatchTableFirstDepositsSecondConsumes(t *testing.T) {
	for _, backend := range allBackends {
		t.Run(backend.String(), func(t *testing.T) {
			table := newTestTable(t, backend, DuplicateDefault)
			key := MakeKey(1, 0, 5)
			sendVal, recvVal := new(int), new(int)

			if _, matched, err := table.Insert(key, recvVal, RoleRecv); err != nil || matched {
				t.Fatalf("first insert: matched=%v err=%v", matched, err)
			}
			if table.Len() != 1 {
				t.Fatalf("expected one deposit, got %d", table.Len())
			}
			other, matched, err := table.Insert(key, sendVal, RoleSend)
			if err != nil || !matched {
				t.Fatalf("second insert: matched=%v err=%v", matched, err)
			}
			if other != recvVal {
				t.Fatalf("matched wrong value")
			}
			if table.Len() != 0 {
				t.Fatalf("expected empty table, got %d", table.Len())
			}
			// Keys are reusable once consumed.
			if _, matched, _ := table.Insert(key, sendVal, RoleSend); matched {
				t.Fatalf("reused key matched unexpectedly")
			}
		})
	}
}

func TestMatchTableDuplicatePolicy(t *testing.T) {
	for _, backend := range allBackends {
		t.Run(backend.String()+"/reject", func(t *testing.T) {
			table := newTestTable(t, backend, DuplicateReject)
			key := MakeKey(2, 1, 9)
			if _, _, err := table.Insert(key, new(int), RoleRecv); err != nil {
				t.Fatalf("first insert failed: %v", err)
			}
			_, _, err := table.Insert(key, new(int), RoleRecv)
			if !errors.Is(err, ErrDuplicateDeposit) || !IsProtocolViolation(err) {
				t.Fatalf("expected duplicate deposit violation, got %v", err)
			}
			var perr *ProtocolError
			if !errors.As(err, &perr) || perr.Key != key {
				t.Fatalf("expected ProtocolError for key %s, got %v", key, err)
			}
			if table.Len() != 1 {
				t.Fatalf("rejected deposit must not be stored")
			}
		})
		t.Run(backend.String()+"/queue", func(t *testing.T) {
			table := newTestTable(t, backend, DuplicateQueue)
			key := MakeKey(2, 1, 9)
			first, second := new(int), new(int)
			for _, v := range []*int{first, second} {
				if _, _, err := table.Insert(key, v, RoleRecv); err != nil {
					t.Fatalf("queued insert failed: %v", err)
				}
			}
			other, matched, _ := table.Insert(key, new(int), RoleSend)
			if !matched || other != first {
				t.Fatalf("expected oldest deposit to match first")
			}
			other, matched, _ = table.Insert(key, new(int), RoleSend)
			if !matched || other != second {
				t.Fatalf("expected second deposit to match next")
			}
		})
	}
}

func TestMatchTableDefaultPolicy(t *testing.T) {
	key := MakeKey(0, 0, 1)
	hash := newTestTable(t, BackendHash, DuplicateDefault)
	_, _, _ = hash.Insert(key, new(int), RoleSend)
	if _, _, err := hash.Insert(key, new(int), RoleSend); !errors.Is(err, ErrDuplicateDeposit) {
		t.Fatalf("hash backend should reject duplicates by default, got %v", err)
	}
	q := newTestTable(t, BackendQueue, DuplicateDefault)
	_, _, _ = q.Insert(key, new(int), RoleSend)
	if _, _, err := q.Insert(key, new(int), RoleSend); err != nil {
		t.Fatalf("queue backend should queue duplicates by default, got %v", err)
	}
}

func TestMatchTableRemove(t *testing.T) {
	for _, backend := range allBackends {
		t.Run(backend.String(), func(t *testing.T) {
			table := newTestTable(t, backend, DuplicateQueue)
			key := MakeKey(3, 2, 7)
			a, b := new(int), new(int)
			_, _, _ = table.Insert(key, a, RoleRecv)
			_, _, _ = table.Insert(key, b, RoleRecv)
			if !table.Remove(key, a) {
				t.Fatalf("expected remove to find deposit")
			}
			if table.Remove(key, a) {
				t.Fatalf("second remove should report false")
			}
			other, matched, _ := table.Insert(key, new(int), RoleSend)
			if !matched || other != b {
				t.Fatalf("remaining deposit should match after removal")
			}
			if table.Remove(key, b) {
				t.Fatalf("remove after match should report false")
			}
		})
	}
}

func TestMatchTableHashChainLimit(t *testing.T) {
	table, err := NewMatchTable(MatchConfig{Backend: BackendHash, Buckets: 1, MaxChain: 1})
	if err != nil {
		t.Fatalf("NewMatchTable failed: %v", err)
	}
	// One bucket holds hashSlotWidth entries inline plus one overflow row.
	limit := hashSlotWidth * 2
	for i := 0; i < limit; i++ {
		if _, _, err := table.Insert(MakeKey(0, 0, Tag(i)), new(int), RoleRecv); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
	}
	_, _, err = table.Insert(MakeKey(0, 0, Tag(limit)), new(int), RoleRecv)
	if !errors.Is(err, ErrTableFull) || !IsRetry(err) {
		t.Fatalf("expected retryable table-full error, got %v", err)
	}
	// Consuming an entry frees capacity again.
	if _, matched, _ := table.Insert(MakeKey(0, 0, 0), new(int), RoleSend); !matched {
		t.Fatalf("expected match on full bucket")
	}
	if _, _, err := table.Insert(MakeKey(0, 0, Tag(limit)), new(int), RoleRecv); err != nil {
		t.Fatalf("insert after consume failed: %v", err)
	}
	if table.Len() != limit {
		t.Fatalf("expected %d deposits, got %d", limit, table.Len())
	}
}

func TestMatchTableHybridWildcard(t *testing.T) {
	table := newTestTable(t, BackendHybrid, DuplicateDefault)
	wild := MakeKey(AnyRank, 0, 4)
	exact := MakeKey(7, 0, 4)
	recv := new(int)

	if _, matched, _ := table.Insert(wild, recv, RoleRecv); matched {
		t.Fatalf("wildcard receive matched an empty table")
	}
	// A different tag must not match the wildcard.
	if _, matched, _ := table.Insert(MakeKey(7, 0, 5), new(int), RoleSend); matched {
		t.Fatalf("wildcard matched a different tag")
	}
	other, matched, _ := table.Insert(exact, new(int), RoleSend)
	if !matched || other != recv {
		t.Fatalf("expected exact send to consume wildcard receive")
	}

	// Unexpected sends from two ranks are served oldest first.
	first, second := new(int), new(int)
	_, _, _ = table.Insert(MakeKey(3, 0, 8), first, RoleSend)
	_, _, _ = table.Insert(MakeKey(1, 0, 8), second, RoleSend)
	other, matched, _ = table.Insert(MakeKey(AnyRank, 0, 8), new(int), RoleRecv)
	if !matched || other != first {
		t.Fatalf("wildcard receive should take the oldest send")
	}
	other, matched, _ = table.Insert(MakeKey(1, 0, 8), new(int), RoleRecv)
	if !matched || other != second {
		t.Fatalf("exact receive should take the remaining send")
	}
}

func TestMatchTableHybridDropsConsumedValues(t *testing.T) {
	table := newTestTable(t, BackendHybrid, DuplicateDefault).(*hybridTable)
	a, b, c := new(int), new(int), new(int)
	_, _, _ = table.Insert(MakeKey(1, 0, 9), a, RoleSend)
	_, _, _ = table.Insert(MakeKey(2, 0, 9), b, RoleSend)
	_, _, _ = table.Insert(MakeKey(3, 0, 9), c, RoleSend)

	if other, matched, _ := table.Insert(MakeKey(1, 0, 9), new(int), RoleRecv); !matched || other != a {
		t.Fatalf("expected receive to consume the rank 1 send")
	}
	if !table.Remove(MakeKey(2, 0, 9), b) {
		t.Fatalf("expected Remove to withdraw the rank 2 send")
	}
	bucket := table.bucket(MakeKey(3, 0, 9))
	live := bucket.entries
	if len(live) != 1 || live[0].value != c {
		t.Fatalf("unexpected live entries %+v", live)
	}
	for i, e := range live[len(live):cap(live)] {
		if e.value != nil {
			t.Fatalf("slot %d past the live entries still references %p", len(live)+i, e.value)
		}
	}
}

func TestMatchTableNoLostMatch(t *testing.T) {
	const n = 2000
	for _, backend := range allBackends {
		t.Run(backend.String(), func(t *testing.T) {
			table := newTestTable(t, backend, DuplicateDefault)
			var matches atomic.Int64
			var g errgroup.Group
			for _, role := range []Role{RoleSend, RoleRecv} {
				role := role
				for w := 0; w < 4; w++ {
					w := w
					g.Go(func() error {
						for i := w; i < n; i += 4 {
							key := MakeKey(i%13, uint16(i%3), Tag(i))
							_, matched, err := table.Insert(key, new(int), role)
							if err != nil {
								return err
							}
							if matched {
								matches.Add(1)
							}
						}
						return nil
					})
				}
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
			if got := matches.Load(); got != n {
				t.Fatalf("expected %d matches, got %d", n, got)
			}
			if table.Len() != 0 {
				t.Fatalf("expected drained table, got %d deposits", table.Len())
			}
		})
	}
}

func TestMatchTableNoDoubleMatch(t *testing.T) {
	const rounds = 500
	for _, backend := range allBackends {
		t.Run(backend.String(), func(t *testing.T) {
			table := newTestTable(t, backend, DuplicateQueue)
			key := MakeKey(0, 0, 42)
			seen := make([]atomic.Int32, rounds*2)
			values := make([]int, rounds*2)
			for i := range values {
				values[i] = i
			}
			var g errgroup.Group
			for half := 0; half < 2; half++ {
				half := half
				role := Role(half)
				g.Go(func() error {
					for i := 0; i < rounds; i++ {
						idx := half*rounds + i
						other, matched, err := table.Insert(key, &values[idx], role)
						if err != nil {
							return err
						}
						if matched {
							seen[*other.(*int)].Add(1)
						}
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("insert failed: %v", err)
			}
			total := 0
			for i := range seen {
				c := seen[i].Load()
				if c > 1 {
					t.Fatalf("value %d matched %d times", i, c)
				}
				total += int(c)
			}
			// Every match consumes one deposit of each role.
			if 2*total+table.Len() != 2*rounds {
				t.Fatalf("matches %d and pending %d do not account for %d inserts", total, table.Len(), 2*rounds)
			}
		})
	}
}

func TestParseMatchBackend(t *testing.T) {
	cases := map[string]MatchBackend{"": BackendHash, "hash": BackendHash, "QUEUE": BackendQueue, "hashqueue": BackendQueue, "hybrid": BackendHybrid}
	for name, want := range cases {
		got, err := ParseMatchBackend(name)
		if err != nil || got != want {
			t.Fatalf("ParseMatchBackend(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseMatchBackend("tree"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestKeyLayout(t *testing.T) {
	k := MakeKey(12, 3, 0xBEEF)
	if k.Rank() != 12 || k.Endpoint() != 3 || k.Tag() != 0xBEEF || k.Wildcard() {
		t.Fatalf("unexpected key fields %s", k)
	}
	w := k.WithAnyRank()
	if !w.Wildcard() || w.Rank() != AnyRank || w.Tag() != k.Tag() || w.Endpoint() != k.Endpoint() {
		t.Fatalf("unexpected wildcard key %s", w)
	}
	if w.String() != "*/3/48879" {
		t.Fatalf("unexpected key string %q", w.String())
	}
}
