package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/storage"
)

func TestStore_ForwardsToFallback(t *testing.T) {
	ctx := context.Background()
	m := New()
	defer m.Stop()

	client := testutil.GenerateTestClient()
	if err := m.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	got, err := m.GetClient(ctx, client.ID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ID != client.ID {
		t.Errorf("GetClient().ID = %q, want %q", got.ID, client.ID)
	}
	if n := m.CallCount("GetClient"); n != 1 {
		t.Errorf("CallCount(GetClient) = %d, want 1", n)
	}
}

func TestStore_FuncOverrides(t *testing.T) {
	ctx := context.Background()
	m := New()
	defer m.Stop()

	boom := errors.New("connection reset")
	m.GetClientFunc = func(context.Context, string) (*storage.Client, error) {
		return nil, boom
	}

	if _, err := m.GetClient(ctx, "any"); !errors.Is(err, boom) {
		t.Errorf("GetClient() error = %v, want %v", err, boom)
	}

	m.ResetCallCounts()
	if n := m.CallCount("GetClient"); n != 0 {
		t.Errorf("CallCount after reset = %d, want 0", n)
	}
}
