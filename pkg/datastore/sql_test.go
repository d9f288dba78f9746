package datastore_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/gochat/pkg/datastore"
	"github.com/NicolasHaas/gochat/pkg/model"
)

func NewTestSqlConn(t *testing.T) (*datastore.ProviderFactory, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, dbPath
}

func TestReopenKeepsData(t *testing.T) {
	st, dbPath := NewTestSqlConn(t)
	ctx := context.Background()

	if _, err := st.CreateAccount(ctx, "alice", "h", "s"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	acct, err := reopened.GetAccount(ctx, "alice")
	if err != nil || acct == nil {
		t.Fatalf("GetAccount after reopen: acct=%v err=%v", acct, err)
	}
	if acct.CreatedAt.IsZero() {
		t.Errorf("GetAccount: CreatedAt not parsed")
	}
}

func TestInMemoryDatabase(t *testing.T) {
	st, err := datastore.NewProviderFactory(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	existed, err := st.JoinOrCreateRoom(ctx, "#mem", "alice")
	require.NoError(t, err)
	require.False(t, existed)

	members, err := st.RoomMembers(ctx, "#mem")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, members)
}

func TestTxRollback(t *testing.T) {
	st, _ := NewTestSqlConn(t)
	ctx := context.Background()

	tx, err := st.Tx(ctx)
	require.NoError(t, err)
	_, err = tx.JoinOrCreateRoom(ctx, "#temp", "alice")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	room, err := st.NonTx().GetRoom(ctx, "#temp")
	require.NoError(t, err)
	require.Nil(t, room)
}

func TestConcurrentJoinCreatesOneAdmin(t *testing.T) {
	st, _ := NewTestSqlConn(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			existed, err := st.JoinOrCreateRoom(ctx, "#race", fmt.Sprintf("user%d", i))
			if err != nil {
				t.Errorf("JoinOrCreateRoom: %v", err)
				return
			}
			if !existed {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), created.Load())
	members, err := st.RoomMembers(ctx, "#race")
	require.NoError(t, err)
	require.Len(t, members, 8)
}

func TestGatewaySubmit(t *testing.T) {
	st, _ := NewTestSqlConn(t)
	gw := datastore.NewGateway(st, 2)

	type result struct {
		acct *model.Account
		err  error
	}
	done := make(chan result, 1)
	datastore.Submit(gw, "create account", func(ctx context.Context, s datastore.DataStore) (*model.Account, error) {
		return s.CreateAccount(ctx, "alice", "h", "s")
	}, func(a *model.Account, err error) {
		done <- result{a, err}
	})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, "alice", r.acct.Username)
	case <-time.After(2 * time.Second):
		t.Fatal("completion not called")
	}

	errc := make(chan error, 1)
	datastore.Exec(gw, "duplicate", func(ctx context.Context, s datastore.DataStore) error {
		_, err := s.CreateAccount(ctx, "alice", "h", "s")
		return err
	}, func(err error) { errc <- err })
	require.ErrorIs(t, <-errc, datastore.ErrAccountExists)

	gw.Close()

	datastore.Submit(gw, "late", func(context.Context, datastore.DataStore) (int, error) {
		t.Error("call ran after Close")
		return 0, nil
	}, func(_ int, err error) { errc <- err })
	require.ErrorIs(t, <-errc, datastore.ErrGatewayClosed)
}

func TestGatewayBoundsConcurrency(t *testing.T) {
	st, _ := NewTestSqlConn(t)
	gw := datastore.NewGateway(st, 3)
	t.Cleanup(gw.Close)

	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		datastore.Exec(gw, "sleep", func(context.Context, datastore.DataStore) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}, func(error) { wg.Done() })
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int32(3))
}

func TestDirectHistoryBothDirections(t *testing.T) {
	st, _ := NewTestSqlConn(t)
	ctx := context.Background()

	in := []model.DirectMessage{
		{Sender: "a", Destination: "b", Body: "hi", SentAt: 1},
		{Sender: "b", Destination: "a", Body: "hey", SentAt: 2},
		{Sender: "a", Destination: "c", Body: "elsewhere", SentAt: 3},
	}
	for i := range in {
		require.NoError(t, st.AddDirectMessage(ctx, &in[i]))
	}

	hist, err := st.DirectHistory(ctx, "b", "a", model.HistoryFilter{})
	require.NoError(t, err)
	if diff := cmp.Diff(in[:2], hist); diff != "" {
		t.Errorf("DirectHistory (-want +got):\n%s", diff)
	}

	err = st.AddDirectMessage(ctx, &model.DirectMessage{Sender: "a", Destination: "b", Body: " "})
	require.True(t, errors.Is(err, model.ErrMessageBodyEmpty))
}
