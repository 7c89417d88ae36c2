//go:build integration

package catalog

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgrepl/internal/testutil"
)

func setupCatalog(t *testing.T) *Catalog {
	t.Helper()
	ctx := context.Background()
	c, err := Open(ctx, testutil.CatalogDSN(), zerolog.Nop())
	if err != nil {
		t.Skipf("catalog not reachable: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestPublications_RoundTrip(t *testing.T) {
	c := setupCatalog(t)
	ctx := context.Background()

	_, err := c.pool.Exec(ctx, "DROP PUBLICATION IF EXISTS catalog_test_pub")
	if err != nil {
		t.Fatalf("drop publication: %v", err)
	}
	_, err = c.pool.Exec(ctx, "CREATE PUBLICATION catalog_test_pub FOR ALL TABLES")
	if err != nil {
		t.Fatalf("create publication: %v", err)
	}
	t.Cleanup(func() {
		c.pool.Exec(context.Background(), "DROP PUBLICATION IF EXISTS catalog_test_pub")
	})

	exists, err := c.PublicationExists(ctx, "catalog_test_pub")
	if err != nil {
		t.Fatalf("PublicationExists: %v", err)
	}
	if !exists {
		t.Fatal("expected catalog_test_pub to exist")
	}

	pubs, err := c.Publications(ctx)
	if err != nil {
		t.Fatalf("Publications: %v", err)
	}
	found := false
	for _, p := range pubs {
		if p.Name == "catalog_test_pub" {
			found = true
			if !p.AllTables {
				t.Fatalf("expected puballtables, got %+v", p)
			}
		}
	}
	if !found {
		t.Fatal("catalog_test_pub missing from Publications result")
	}
}

func TestSlotExists_FalseWhenAbsent(t *testing.T) {
	c := setupCatalog(t)
	exists, err := c.SlotExists(context.Background(), "catalog_test_nonexistent_slot")
	if err != nil {
		t.Fatalf("SlotExists: %v", err)
	}
	if exists {
		t.Fatal("expected nonexistent slot to report absent")
	}
}
