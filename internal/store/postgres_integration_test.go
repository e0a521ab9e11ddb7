package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/zedarvates/storycore/internal/cache"
	"github.com/zedarvates/storycore/internal/events"
	"github.com/zedarvates/storycore/internal/reference"
	"github.com/zedarvates/storycore/internal/store"
)

// Exercises the postgres store and the redis cache/publisher against real
// containers. Everything here is also covered by sqlmock and in-memory unit
// tests; this catches what mocks cannot: real SQL, real TTLs, real streams.
func TestPostgresAndRedisIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_USER": "storycore", "POSTGRES_PASSWORD": "storycore", "POSTGRES_DB": "storycore"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	pgHost, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	pgPort, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://storycore:storycore@%s:%s/storycore?sslmode=disable", pgHost, pgPort.Port())

	pg := connectWithRetry(t, ctx, dsn, 15*time.Second)
	applySchema(t, ctx, pg, filepath.Join("..", "..", "migrations", "0001_init.up.sql"))

	t.Run("reference round trip", func(t *testing.T) {
		master := &reference.MasterReferenceSheet{
			ProjectID: "proj-itg",
			Characters: []reference.CharacterAppearanceSheet{
				{CharacterID: "hero", CharacterName: "Hero", Images: []reference.AppearanceImage{{URL: "hero.png", ViewType: reference.ViewFront}}},
			},
			Style: reference.GlobalStyleSheet{ArtStyle: "watercolor"},
		}
		if err := pg.PutMaster(ctx, master); err != nil {
			t.Fatalf("PutMaster: %v", err)
		}
		if master.Version != 1 {
			t.Fatalf("fresh master version = %d, want 1", master.Version)
		}
		master.Style.ArtStyle = "gouache"
		if err := pg.PutMaster(ctx, master); err != nil {
			t.Fatalf("PutMaster replace: %v", err)
		}
		got, err := pg.GetMaster(ctx, "proj-itg")
		if err != nil {
			t.Fatalf("GetMaster: %v", err)
		}
		if got.Version != 2 || got.Style.ArtStyle != "gouache" {
			t.Fatalf("replaced master = version %d style %q", got.Version, got.Style.ArtStyle)
		}

		seq := &reference.SequenceReferenceSheet{SequenceID: "seq-itg", MasterSheetID: got.ID, InheritedCharacters: []string{"hero"}}
		if err := pg.PutSequence(ctx, seq); err != nil {
			t.Fatalf("PutSequence: %v", err)
		}
		orphan := &reference.SequenceReferenceSheet{SequenceID: "seq-orphan", MasterSheetID: "no-such-sheet"}
		if err := pg.PutSequence(ctx, orphan); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("orphan sequence must be rejected, got %v", err)
		}

		for i := 1; i <= 2; i++ {
			shot := &reference.ShotReference{ShotID: fmt.Sprintf("shot-itg-%d", i), SequenceSheetID: seq.ID, Order: i}
			if err := pg.PutShot(ctx, shot); err != nil {
				t.Fatalf("PutShot %d: %v", i, err)
			}
		}
		shots, err := pg.ListShots(ctx, seq.ID)
		if err != nil {
			t.Fatalf("ListShots: %v", err)
		}
		if len(shots) != 2 || shots[0].Order > shots[1].Order {
			t.Fatalf("shots = %+v", shots)
		}
	})

	t.Run("issue lifecycle", func(t *testing.T) {
		iss := reference.NewIssue(reference.IssueCharacter, reference.SeverityHigh, "shot-itg-1", "hero off-model", []string{"hero"}, "regenerate")
		if err := pg.InsertIssues(ctx, []reference.ConsistencyIssue{iss}); err != nil {
			t.Fatalf("InsertIssues: %v", err)
		}
		active, err := pg.ListIssues(ctx, "shot-itg-1", true)
		if err != nil || len(active) != 1 {
			t.Fatalf("active issues = %v, %v", active, err)
		}
		ok, err := pg.MarkResolved(ctx, iss.ID, reference.ResolveRegenerate, time.Now().UTC())
		if err != nil || !ok {
			t.Fatalf("MarkResolved: %v %v", ok, err)
		}
		ok, err = pg.MarkResolved(ctx, iss.ID, reference.ResolveIgnore, time.Now().UTC())
		if err != nil || ok {
			t.Fatalf("second MarkResolved must be a no-op, got %v %v", ok, err)
		}
		resolved, err := pg.GetIssue(ctx, iss.ID)
		if err != nil {
			t.Fatalf("GetIssue: %v", err)
		}
		if !resolved.Resolved() || resolved.Resolution != reference.ResolveRegenerate {
			t.Fatalf("resolution = %+v", resolved)
		}
	})

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	redisHost, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	redisPort, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	rdb, err := cache.Conn(ctx, redisHost, redisPort.Port(), "", 0, 5*time.Second)
	if err != nil {
		t.Fatalf("redis conn: %v", err)
	}
	defer func() { _ = rdb.Close() }()

	t.Run("redis score cache", func(t *testing.T) {
		sc := cache.NewRedis(rdb, "storycore-itg:score")
		key := cache.Key("shot-itg-1", "fp-a", "fp-b")
		computes := 0
		fn := func(context.Context) (reference.ConsistencyScore, error) {
			computes++
			return reference.ConsistencyScore{Overall: 88}, nil
		}
		if _, hit, err := sc.GetOrCompute(ctx, key, time.Minute, fn); err != nil || hit {
			t.Fatalf("first fetch: hit=%v err=%v", hit, err)
		}
		score, hit, err := sc.GetOrCompute(ctx, key, time.Minute, fn)
		if err != nil || !hit || score.Overall != 88 || computes != 1 {
			t.Fatalf("second fetch: score=%v hit=%v computes=%d err=%v", score.Overall, hit, computes, err)
		}
		if dropped := sc.Invalidate(ctx, "shot-itg-1"); dropped != 1 {
			t.Fatalf("Invalidate dropped %d, want 1", dropped)
		}
		if _, hit, _ := sc.GetOrCompute(ctx, key, time.Minute, fn); hit {
			t.Fatal("invalidated key must miss")
		}
	})

	t.Run("notification stream", func(t *testing.T) {
		pub := events.NewPublisher(rdb, "storycore-itg.notifications", 100)
		id, err := pub.Publish(ctx, events.Envelope{
			EventType:  events.EventReferenceChanged,
			EntityID:   "shot-itg-1",
			EntityType: "shot",
			OccurredAt: time.Now().UTC(),
		})
		if err != nil || id == "" {
			t.Fatalf("Publish: id=%q err=%v", id, err)
		}
		length, err := rdb.XLen(ctx, "storycore-itg.notifications").Result()
		if err != nil || length != 1 {
			t.Fatalf("stream length = %d, %v", length, err)
		}
	})
}

func connectWithRetry(t *testing.T, ctx context.Context, dsn string, timeout time.Duration) *store.Postgres {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		pg, err := store.NewPostgres(ctx, dsn)
		if err == nil {
			return pg
		}
		if time.Now().After(deadline) {
			t.Fatalf("postgres not reachable: %v", err)
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func applySchema(t *testing.T, ctx context.Context, pg *store.Postgres, path string) {
	t.Helper()
	schemaSQL, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := pg.DB.ExecContext(ctx, string(schemaSQL)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}
