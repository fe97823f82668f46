package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"ttm/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "ttm.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	st, err := Inspect(ctx, conn)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if st.Current != 0 || len(st.Pending) == 0 {
		t.Fatalf("fresh status = %+v", st)
	}
	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, conn); err != nil {
			t.Fatalf("migrate #%d: %v", i, err)
		}
	}
	st, err = Inspect(ctx, conn)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if st.Current != st.Latest || len(st.Pending) != 0 {
		t.Fatalf("migrated status = %+v", st)
	}
	if _, err := conn.Exec(`INSERT INTO missions(status, client_ref, service_kind, lat, lng, created_at, updated_at) VALUES ('en_attente','c1','batterie',0,0,'t','t')`); err != nil {
		t.Fatalf("missions table unusable: %v", err)
	}
}
