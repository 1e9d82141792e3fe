package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/derktes/signal-recorder/signal"
)

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.queryRowFunc(ctx, sql, args...)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return m.execFunc(ctx, sql, args...)
}

func TestPGMediumWriteDuplicate(t *testing.T) {
	db := &mockDB{
		execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if !strings.Contains(sql, "INSERT INTO signal_files") {
				t.Errorf("unexpected query %q", sql)
			}
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		},
	}
	err := NewPGMedium(db).Write(context.Background(), "ir_00000001.sig", []byte("x"))
	if !errors.Is(err, ErrExist) {
		t.Errorf("Expected ErrExist, got %v", err)
	}
}

func TestPGMediumReadMissing(t *testing.T) {
	db := &mockDB{
		queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
		},
	}
	if _, err := NewPGMedium(db).Read(context.Background(), "ir_00000001.sig"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPGMediumRemoveMissing(t *testing.T) {
	db := &mockDB{
		execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("DELETE 0"), nil
		},
	}
	if err := NewPGMedium(db).Remove(context.Background(), "rf_00000001.sig"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// TestPGMediumLive runs against a real database when
// RECORDER_TEST_POSTGRES_DSN is set.
func TestPGMediumLive(t *testing.T) {
	dsn := os.Getenv("RECORDER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RECORDER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	m, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer m.Close()
	if _, err := m.db.Exec(ctx, "TRUNCATE signal_files"); err != nil {
		t.Fatal(err)
	}

	s := openSink(t, m)
	if err := SelfTest(ctx, s, signal.ModeIR); err != nil {
		t.Fatalf("SelfTest: %v", err)
	}
	e, err := s.Save(ctx, squarePacket(t, signal.ModeRF, 4, 250))
	if err != nil {
		t.Fatal(err)
	}
	list, err := s.List(ctx, 0)
	if err != nil || len(list) != 1 || list[0] != e {
		t.Errorf("Expected [%+v], got %+v (%v)", e, list, err)
	}
}
