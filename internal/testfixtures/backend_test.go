package testfixtures

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/example/instrument-gateway/internal/remote"
)

type staticToken string

func (s staticToken) AccessToken(ctx context.Context) (string, error) { return string(s), nil }

func TestFakeBackend(t *testing.T) {
	ctx := context.Background()
	backend := NewFakeBackend(t)
	backend.AddUser("user-1", "researcher@example.com", "secret")
	backend.AddProduct(remote.Product{ID: "prod-2", Name: "Spectrometer", Status: "active"})
	backend.AddProduct(remote.Product{ID: "prod-1", Name: "Centrifuge", Status: "active"})
	backend.AddProduct(remote.Product{ID: "prod-3", Name: "Autoclave", Status: "maintenance"})

	client := remote.NewClient(remote.Config{BaseURL: backend.URL(), APIKey: FakeBackendAPIKey})

	creds, err := client.Authenticate(ctx, "researcher@example.com", "secret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if creds.UserID != "user-1" || creds.RefreshToken == "" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
	if time.Until(creds.ExpiresAt) < 50*time.Minute {
		t.Fatalf("expected roughly one hour of validity, got %v", creds.ExpiresAt)
	}
	client.SetTokenSource(staticToken(creds.AccessToken))

	t.Run("wrong password is permanent", func(t *testing.T) {
		_, err := client.Authenticate(ctx, "researcher@example.com", "nope")
		if remote.KindOf(err) != remote.KindPermanent {
			t.Fatalf("expected permanent error, got %v", err)
		}
	})

	t.Run("active products sorted by name", func(t *testing.T) {
		products, err := client.ListProducts(ctx, remote.ProductFilter{Status: "active"})
		if err != nil {
			t.Fatalf("ListProducts: %v", err)
		}
		if len(products) != 2 || products[0].ID != "prod-1" || products[1].ID != "prod-2" {
			t.Fatalf("unexpected products: %+v", products)
		}
	})

	t.Run("ignore keeps the first row and merge overwrites it", func(t *testing.T) {
		start := ReferenceTime()
		row := remote.ConsumptionRecord{ID: "sess-1", ProductID: "prod-1", UserID: "user-1", StartTime: start, Status: "active"}
		if _, err := client.UpsertConsumption(ctx, row, remote.IgnoreDuplicates, "evt-1"); err != nil {
			t.Fatalf("first upsert: %v", err)
		}
		end := start.Add(time.Hour)
		duration := int64(3600)
		done := row
		done.EndTime, done.DurationSeconds, done.Status = &end, &duration, "completed"
		if _, err := client.UpsertConsumption(ctx, done, remote.MergeDuplicates, "evt-2"); err != nil {
			t.Fatalf("merge upsert: %v", err)
		}
		if _, err := client.UpsertConsumption(ctx, row, remote.IgnoreDuplicates, "evt-1"); err != nil {
			t.Fatalf("replayed upsert: %v", err)
		}

		stored, ok := backend.Record("sess-1")
		if !ok || stored.Status != "completed" || stored.DurationSeconds == nil || *stored.DurationSeconds != 3600 {
			t.Fatalf("unexpected stored row: %+v", stored)
		}
		if backend.KeyCount("evt-1") != 2 || backend.UpsertCount() != 3 {
			t.Fatalf("unexpected counters: key=%d upserts=%d", backend.KeyCount("evt-1"), backend.UpsertCount())
		}
	})

	t.Run("revoked token is auth expired and refresh recovers", func(t *testing.T) {
		backend.RevokeAccessTokens()
		_, err := client.ListProducts(ctx, remote.ProductFilter{})
		if remote.KindOf(err) != remote.KindAuthExpired {
			t.Fatalf("expected auth expired, got %v", err)
		}
		refreshed, err := client.Refresh(ctx, creds.RefreshToken)
		if err != nil {
			t.Fatalf("Refresh: %v", err)
		}
		client.SetTokenSource(staticToken(refreshed.AccessToken))
		if _, err := client.ListProducts(ctx, remote.ProductFilter{}); err != nil {
			t.Fatalf("ListProducts after refresh: %v", err)
		}
		if _, err := client.Refresh(ctx, creds.RefreshToken); remote.KindOf(err) != remote.KindPermanent {
			t.Fatalf("a spent refresh token must be rejected, got %v", err)
		}
	})

	t.Run("scripted failures", func(t *testing.T) {
		backend.FailNext(http.StatusServiceUnavailable, http.StatusUnprocessableEntity)
		if _, err := client.ListProducts(ctx, remote.ProductFilter{}); remote.KindOf(err) != remote.KindTransient {
			t.Fatalf("expected transient, got %v", err)
		}
		if _, err := client.ListProducts(ctx, remote.ProductFilter{}); remote.KindOf(err) != remote.KindPermanent {
			t.Fatalf("expected permanent, got %v", err)
		}
	})

	t.Run("offline drops connections", func(t *testing.T) {
		backend.SetOffline(true)
		defer backend.SetOffline(false)
		if err := client.Ping(ctx); remote.KindOf(err) != remote.KindTransient {
			t.Fatalf("expected transient, got %v", err)
		}
	})
}
