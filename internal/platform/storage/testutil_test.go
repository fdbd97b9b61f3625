package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
	container     *tcpostgres.PostgresContainer
)

func TestMain(m *testing.M) {
	code := m.Run()
	if container != nil {
		_ = container.Terminate(context.Background())
	}
	os.Exit(code)
}

// databaseURL returns TEST_DB_URL, or starts one Postgres container shared
// by the package's tests.
func databaseURL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("TEST_DB_URL"); url != "" {
		return url
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	containerOnce.Do(func() {
		ctx := context.Background()
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("container provider: %v", r)
			}
		}()
		container, containerErr = tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("bridge_test"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		if containerErr != nil {
			return
		}
		containerURL, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Skipf("Cannot start postgres container: %v", containerErr)
	}
	return containerURL
}

// newTestDB connects to a migrated database, skipping in short mode or when
// no database is available.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := New(ctx, Config{URL: databaseURL(t), MaxConns: 5, MinConns: 1})
	if err != nil {
		t.Skipf("Cannot connect to database: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return db
}

// testChain returns a chain name and id unique to the test run so tests can
// share one database.
func testChain(t *testing.T) (string, uint64) {
	t.Helper()
	id := uuid.New()
	chainID := uint64(id[0])<<24 | uint64(id[1])<<16 | uint64(id[2])<<8 | uint64(id[3]) | 1<<40
	return "test-" + id.String()[:8], chainID
}

func testEvent(chain string, chainID, height uint64, tx string, item uint64) *bridgev1.BridgeEvent {
	return &bridgev1.BridgeEvent{
		ChainID:     chainID,
		Chain:       chain,
		Kind:        bridgev1.EventKindDeposit,
		Status:      bridgev1.EventStatusInitiated,
		Source:      "0x00000000000000000000000000000000000000aa",
		BlockHeight: height,
		BlockID:     blockID(height),
		BlockTime:   time.Unix(1_700_000_000+int64(height), 0).UTC(),
		TxID:        tx,
		ItemIndex:   item,
		Nonce:       "7",
		Payload:     map[string]string{"nonce": "7", "amount": "1000000000000000000000"},
	}
}

func blockID(h uint64) string {
	return fmt.Sprintf("0xblock%d", h)
}

func blockRefs(from, to uint64) []bridgev1.BlockRef {
	var out []bridgev1.BlockRef
	for h := from; h <= to; h++ {
		out = append(out, bridgev1.BlockRef{Height: h, ID: blockID(h), ParentID: blockID(h - 1)})
	}
	return out
}
