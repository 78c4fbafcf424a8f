package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/volitrade/sentinel/internal/domain/market"
	"github.com/volitrade/sentinel/internal/domain/signal"
	"github.com/volitrade/sentinel/internal/domain/signalstore"
	pgstore "github.com/volitrade/sentinel/internal/infra/persistence/postgres"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "sentinel"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres store tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/sentinel?sslmode=disable", host, port.Port())

	if err := applyMigrations(dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func applyMigrations(dsn string) error {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return fmt.Errorf("runtime caller lookup failed")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", "..", ".."))
	migrationsDir := filepath.Join(root, "db", "migrations")
	sourceURL := fmt.Sprintf("file://%s", migrationsDir)

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sampleRecommendation(analystID uuid.UUID) *signal.Recommendation {
	channel := int64(-100123)
	return &signal.Recommendation{
		ID:        uuid.New(),
		AnalystID: analystID,
		ChannelID: &channel,
		Symbol:    "BTCUSDT",
		Market:    market.MarketFutures,
		Side:      signal.SideLong,
		Entry:     dec("60000"),
		StopLoss:  dec("59000"),
		Targets: []signal.Target{
			{Price: dec("61000"), ClosePercent: dec("50")},
			{Price: dec("62000"), ClosePercent: dec("50")},
		},
		OrderType:       signal.OrderLimit,
		Status:          signal.StatusPending,
		OpenSizePercent: dec("100"),
		RealizedPnL:     decimal.Zero,
		ExitStrategy:    signal.ExitCloseAtFinalTP,
		ProfitStop: signal.ProfitStop{
			Mode:   signal.ProfitStopTrailing,
			Price:  dec("60500"),
			Trail:  dec("1"),
			Unit:   signal.TrailPercent,
			Active: true,
		},
		IsShadow: true,
	}
}

func TestSignalStoreRecommendationLifecycle(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres store setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewSignalStore(testPool)

	rec := sampleRecommendation(uuid.New())

	err := store.WithTransaction(ctx, func(ctx context.Context, tx signalstore.Tx) error {
		if err := tx.InsertRecommendation(ctx, rec); err != nil {
			return err
		}
		return tx.AppendRecommendationEvent(ctx, rec.ID, signal.EventCreatedPending, signal.EventPayload{})
	})
	if err != nil {
		t.Fatalf("insert transaction: %v", err)
	}

	loaded, err := store.GetRecommendation(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get recommendation: %v", err)
	}
	if loaded.Status != signal.StatusPending {
		t.Fatalf("expected PENDING, got %s", loaded.Status)
	}
	if !loaded.Entry.Equal(rec.Entry) || !loaded.StopLoss.Equal(rec.StopLoss) {
		t.Fatalf("levels did not round-trip: entry=%s sl=%s", loaded.Entry, loaded.StopLoss)
	}
	if len(loaded.Targets) != 2 || !loaded.Targets[1].Price.Equal(dec("62000")) {
		t.Fatalf("targets did not round-trip: %+v", loaded.Targets)
	}
	if loaded.ProfitStop.Mode != signal.ProfitStopTrailing || loaded.ProfitStop.Unit != signal.TrailPercent {
		t.Fatalf("profit stop did not round-trip: %+v", loaded.ProfitStop)
	}
	if !loaded.IsShadow {
		t.Fatal("expected shadow flag set")
	}
	if loaded.ChannelID == nil || *loaded.ChannelID != -100123 {
		t.Fatalf("channel id did not round-trip: %v", loaded.ChannelID)
	}

	// Shadow rows are invisible to the trigger snapshot.
	sources, err := store.ActiveTriggerSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, src := range sources {
		if src.ID == rec.ID {
			t.Fatal("shadow recommendation leaked into snapshot")
		}
	}

	err = store.WithTransaction(ctx, func(ctx context.Context, tx signalstore.Tx) error {
		return tx.ClearShadow(ctx, rec.ID)
	})
	if err != nil {
		t.Fatalf("clear shadow: %v", err)
	}

	sources, err = store.ActiveTriggerSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot after clear: %v", err)
	}
	var found *signal.TriggerSource
	for i := range sources {
		if sources[i].ID == rec.ID {
			found = &sources[i]
		}
	}
	if found == nil {
		t.Fatal("expected recommendation in snapshot after shadow cleared")
	}
	if found.Kind != signal.KindRecommendation || !found.Entry.Equal(rec.Entry) {
		t.Fatalf("unexpected snapshot row: %+v", found)
	}

	// Activation: status flip, timestamp, and event in one transaction.
	activatedAt := time.Now().Unix()
	activeStatus := signal.StatusActive
	err = store.WithTransaction(ctx, func(ctx context.Context, tx signalstore.Tx) error {
		locked, err := tx.LockRecommendation(ctx, rec.ID)
		if err != nil {
			return err
		}
		if locked.Status != signal.StatusPending {
			return fmt.Errorf("unexpected status %s", locked.Status)
		}
		duplicate, err := tx.HasRecommendationEvent(ctx, rec.ID, signal.EventActivated)
		if err != nil {
			return err
		}
		if duplicate {
			return fmt.Errorf("unexpected prior activation")
		}
		if err := tx.UpdateRecommendation(ctx, signalstore.RecommendationUpdate{
			ID:          rec.ID,
			Status:      &activeStatus,
			ActivatedAt: &activatedAt,
		}); err != nil {
			return err
		}
		price := dec("60000")
		return tx.AppendRecommendationEvent(ctx, rec.ID, signal.EventActivated, signal.EventPayload{Price: &price})
	})
	if err != nil {
		t.Fatalf("activate transaction: %v", err)
	}

	loaded, err = store.GetRecommendation(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get after activation: %v", err)
	}
	if loaded.Status != signal.StatusActive {
		t.Fatalf("expected ACTIVE, got %s", loaded.Status)
	}
	if loaded.ActivatedAt == nil || loaded.ActivatedAt.Unix() != activatedAt {
		t.Fatalf("activated_at did not persist: %v", loaded.ActivatedAt)
	}

	events, err := store.ListRecommendationEvents(ctx, rec.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != signal.EventCreatedPending || events[1].Type != signal.EventActivated {
		t.Fatalf("unexpected event order: %s, %s", events[0].Type, events[1].Type)
	}
	if events[1].Payload.Price == nil || !events[1].Payload.Price.Equal(dec("60000")) {
		t.Fatalf("event payload did not round-trip: %+v", events[1].Payload)
	}

	var has bool
	err = store.WithTransaction(ctx, func(ctx context.Context, tx signalstore.Tx) error {
		var err error
		has, err = tx.HasRecommendationEvent(ctx, rec.ID, signal.EventActivated)
		return err
	})
	if err != nil {
		t.Fatalf("has event: %v", err)
	}
	if !has {
		t.Fatal("expected ACTIVATED event to be recorded")
	}
}

func TestSignalStoreUserTradeAndPartialUpdate(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres store setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewSignalStore(testPool)

	user, err := store.EnsureUser(ctx, "tg:"+uuid.NewString(), 555001)
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}

	rec := sampleRecommendation(uuid.New())
	rec.IsShadow = false
	err = store.WithTransaction(ctx, func(ctx context.Context, tx signalstore.Tx) error {
		return tx.InsertRecommendation(ctx, rec)
	})
	if err != nil {
		t.Fatalf("insert recommendation: %v", err)
	}

	trade := &signal.UserTrade{
		ID:                     uuid.New(),
		UserID:                 user.ID,
		SourceRecommendationID: &rec.ID,
		Symbol:                 rec.Symbol,
		Market:                 rec.Market,
		Side:                   rec.Side,
		Entry:                  rec.Entry,
		StopLoss:               rec.StopLoss,
		Targets:                rec.Targets,
		OrderType:              rec.OrderType,
		Status:                 signal.StatusPendingActivation,
		OpenSizePercent:        dec("100"),
		RealizedPnL:            decimal.Zero,
		ExitStrategy:           signal.ExitCloseAtFinalTP,
	}
	err = store.WithTransaction(ctx, func(ctx context.Context, tx signalstore.Tx) error {
		if err := tx.InsertUserTrade(ctx, trade); err != nil {
			return err
		}
		return tx.AppendUserTradeEvent(ctx, trade.ID, signal.EventCreatedPending, signal.EventPayload{})
	})
	if err != nil {
		t.Fatalf("insert user trade: %v", err)
	}

	sources, err := store.ActiveTriggerSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var tradeSeen bool
	for _, src := range sources {
		if src.ID == trade.ID && src.Kind == signal.KindUserTrade {
			tradeSeen = true
			if src.OwnerID != user.ID {
				t.Fatalf("unexpected trade owner %s", src.OwnerID)
			}
		}
	}
	if !tradeSeen {
		t.Fatal("expected armed user trade in snapshot")
	}

	// Partial close: shrink the open size and accumulate realized PnL.
	openSize := dec("50")
	realized := dec("0.8333")
	activated := signal.StatusActivated
	err = store.WithTransaction(ctx, func(ctx context.Context, tx signalstore.Tx) error {
		locked, err := tx.LockUserTrade(ctx, trade.ID)
		if err != nil {
			return err
		}
		if locked.SourceRecommendationID == nil || *locked.SourceRecommendationID != rec.ID {
			return fmt.Errorf("source link did not round-trip: %v", locked.SourceRecommendationID)
		}
		if err := tx.UpdateUserTrade(ctx, signalstore.UserTradeUpdate{
			ID:              trade.ID,
			Status:          &activated,
			OpenSizePercent: &openSize,
			RealizedPnL:     &realized,
		}); err != nil {
			return err
		}
		exit := dec("61000")
		pnl := dec("1.6667")
		return tx.AppendUserTradeEvent(ctx, trade.ID, signal.TPHit(1), signal.PartialPayload(dec("50"), exit, pnl))
	})
	if err != nil {
		t.Fatalf("partial update: %v", err)
	}

	reloaded, err := store.GetUserTrade(ctx, trade.ID)
	if err != nil {
		t.Fatalf("get user trade: %v", err)
	}
	if !reloaded.OpenSizePercent.Equal(openSize) || !reloaded.RealizedPnL.Equal(realized) {
		t.Fatalf("partial fields did not persist: open=%s pnl=%s", reloaded.OpenSizePercent, reloaded.RealizedPnL)
	}
	if reloaded.Status != signal.StatusActivated {
		t.Fatalf("expected ACTIVATED, got %s", reloaded.Status)
	}

	events, err := store.ListUserTradeEvents(ctx, trade.ID)
	if err != nil {
		t.Fatalf("list trade events: %v", err)
	}
	if len(events) != 2 || events[1].Type != signal.TPHit(1) {
		t.Fatalf("unexpected trade events: %+v", events)
	}
	if n, ok := signal.ParseTPHit(events[1].Type); !ok || n != 1 {
		t.Fatalf("expected TP1_HIT, got %s", events[1].Type)
	}
}

func TestSignalStoreUsersChannelsAndPublishedMessages(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres store setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewSignalStore(testPool)

	externalID := "tg:" + uuid.NewString()
	created, err := store.EnsureUser(ctx, externalID, 42)
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	refreshed, err := store.EnsureUser(ctx, externalID, 43)
	if err != nil {
		t.Fatalf("ensure user again: %v", err)
	}
	if refreshed.ID != created.ID {
		t.Fatalf("expected stable user id, got %s then %s", created.ID, refreshed.ID)
	}
	if refreshed.ChatID != 43 {
		t.Fatalf("expected refreshed chat id 43, got %d", refreshed.ChatID)
	}

	found, err := store.FindUserByExternalID(ctx, externalID)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if found.ID != created.ID {
		t.Fatalf("lookup mismatch: %s vs %s", found.ID, created.ID)
	}

	_, err = store.FindUserByExternalID(ctx, "tg:unknown-"+uuid.NewString())
	if !errors.Is(err, signalstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	watched, err := store.FindOrCreateWatchedChannel(ctx, created.ID, -100555, "Alpha Calls")
	if err != nil {
		t.Fatalf("create watched channel: %v", err)
	}
	again, err := store.FindOrCreateWatchedChannel(ctx, created.ID, -100555, "Alpha Calls Renamed")
	if err != nil {
		t.Fatalf("repeat watched channel: %v", err)
	}
	if again.ID != watched.ID {
		t.Fatalf("expected stable watched channel id, got %s then %s", watched.ID, again.ID)
	}
	if again.Title != "Alpha Calls Renamed" {
		t.Fatalf("expected refreshed title, got %q", again.Title)
	}

	if _, err := testPool.Exec(ctx,
		`INSERT INTO broadcast_channels (channel_id, title, active) VALUES ($1, $2, TRUE) ON CONFLICT (channel_id) DO NOTHING`,
		int64(-100777), "Signals Broadcast"); err != nil {
		t.Fatalf("seed broadcast channel: %v", err)
	}
	channels, err := store.ListActiveBroadcastChannels(ctx)
	if err != nil {
		t.Fatalf("list broadcast channels: %v", err)
	}
	var broadcastSeen bool
	for _, ch := range channels {
		if ch.ChannelID == -100777 {
			broadcastSeen = true
		}
	}
	if !broadcastSeen {
		t.Fatal("expected seeded broadcast channel to be listed")
	}

	rec := sampleRecommendation(uuid.New())
	rec.IsShadow = false
	err = store.WithTransaction(ctx, func(ctx context.Context, tx signalstore.Tx) error {
		if err := tx.InsertRecommendation(ctx, rec); err != nil {
			return err
		}
		msg := signal.PublishedMessage{RecommendationID: rec.ID, ChannelID: -100777, MessageID: 9001}
		if err := tx.InsertPublishedMessage(ctx, msg); err != nil {
			return err
		}
		// Replays of the same delivery must not duplicate the record.
		return tx.InsertPublishedMessage(ctx, msg)
	})
	if err != nil {
		t.Fatalf("publish transaction: %v", err)
	}

	messages, err := store.ListPublishedMessages(ctx, rec.ID)
	if err != nil {
		t.Fatalf("list published messages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(messages))
	}
	if messages[0].MessageID != 9001 || messages[0].ChannelID != -100777 {
		t.Fatalf("unexpected published message: %+v", messages[0])
	}
}

func TestSignalStoreUpdateMissingRowReturnsNotFound(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres store setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewSignalStore(testPool)

	err := store.WithTransaction(ctx, func(ctx context.Context, tx signalstore.Tx) error {
		status := signal.StatusClosed
		return tx.UpdateRecommendation(ctx, signalstore.RecommendationUpdate{ID: uuid.New(), Status: &status})
	})
	if !errors.Is(err, signalstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_, err = store.GetRecommendation(ctx, uuid.New())
	if !errors.Is(err, signalstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on get, got %v", err)
	}
}
