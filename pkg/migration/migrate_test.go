package migration

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// openTestDB はテスト用のインメモリSQLiteを開く。
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDB接続に失敗: %v", err)
	}
	// インメモリDBは接続ごとに別物になるため1本に固定する
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// testFS はテスト用のマイグレーションファイル群。
var testFS = fstest.MapFS{
	"migrations/000002_add_index.up.sql":    {Data: []byte(`CREATE INDEX idx_items_name ON items(name);`)},
	"migrations/000001_create_items.up.sql": {Data: []byte(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL);`)},
	"migrations/000001_create_items.down.sql": {Data: []byte(`DROP TABLE items;`)},
	"migrations/README.md":                    {Data: []byte(`ignored`)},
}

// TestRun はRun関数を検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("未適用のマイグレーションがバージョン順に適用されること", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		done, err := Run(context.Background(), db, testFS, "migrations", zap.NewNop())
		if err != nil {
			t.Fatalf("Run()でエラーが発生: %v", err)
		}
		if len(done) != 2 || done[0].Version != 1 || done[1].Version != 2 {
			t.Fatalf("適用結果 = %+v", done)
		}

		if _, err := db.Exec(`INSERT INTO items (name) VALUES ('a')`); err != nil {
			t.Errorf("マイグレーション後のテーブルに挿入できない: %v", err)
		}
	})

	t.Run("2回目の実行では何も適用されないこと", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		if _, err := Run(context.Background(), db, testFS, "migrations", zap.NewNop()); err != nil {
			t.Fatalf("1回目のRun()でエラーが発生: %v", err)
		}
		done, err := Run(context.Background(), db, testFS, "migrations", zap.NewNop())
		if err != nil {
			t.Fatalf("2回目のRun()でエラーが発生: %v", err)
		}
		if len(done) != 0 {
			t.Errorf("2回目に適用された件数 = %d, want 0", len(done))
		}
	})

	t.Run("SQLが不正な場合はエラーを返しバージョンが記録されないこと", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		broken := fstest.MapFS{
			"m/000001_broken.up.sql": {Data: []byte(`CREATE TABLE (`)},
		}
		if _, err := Run(context.Background(), db, broken, "m", zap.NewNop()); err == nil {
			t.Fatal("不正なSQLがエラーになるべき")
		}

		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
			t.Fatalf("schema_migrationsの参照に失敗: %v", err)
		}
		if count != 0 {
			t.Errorf("記録されたバージョン数 = %d, want 0", count)
		}
	})
}

// TestCollect はCollect関数を検証する。
func TestCollect(t *testing.T) {
	t.Parallel()

	t.Run("up.sql以外のファイルは無視されること", func(t *testing.T) {
		t.Parallel()

		files, err := Collect(testFS, "migrations")
		if err != nil {
			t.Fatalf("Collect()でエラーが発生: %v", err)
		}
		if len(files) != 2 {
			t.Fatalf("件数 = %d, want 2", len(files))
		}
		if files[0].Name != "create_items" {
			t.Errorf("Name = %q, want %q", files[0].Name, "create_items")
		}
	})

	t.Run("バージョンが重複している場合はエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		dup := fstest.MapFS{
			"m/000001_a.up.sql": {Data: []byte(`SELECT 1;`)},
			"m/000001_b.up.sql": {Data: []byte(`SELECT 1;`)},
		}
		if _, err := Collect(dup, "m"); err == nil {
			t.Fatal("重複バージョンがエラーになるべき")
		}
	})
}
