package testsupport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFixture(t *testing.T) {
	path := WriteFile(t, "test.txt", []byte("test fixture content"))

	if got := LoadFixture(t, path); string(got) != "test fixture content" {
		t.Errorf("unexpected content %q", got)
	}
}

func TestLoadFixtureJSON(t *testing.T) {
	path := WriteFile(t, "test.json", []byte(`{"name":"test","value":42,"items":["a","b"]}`))

	var result struct {
		Name  string   `json:"name"`
		Value int      `json:"value"`
		Items []string `json:"items"`
	}
	LoadFixtureJSON(t, path, &result)

	if result.Name != "test" || result.Value != 42 || len(result.Items) != 2 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestWriteFile(t *testing.T) {
	path := WriteFile(t, "a.yaml", []byte("x: 1"))
	if filepath.Base(path) != "a.yaml" {
		t.Errorf("unexpected name %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file not written: %v", err)
	}
}

func TestFixturePath(t *testing.T) {
	if got := FixturePath("products.json"); got != filepath.Join("testdata", "products.json") {
		t.Errorf("unexpected path %s", got)
	}
}

type widget struct {
	ID   int64  `bun:"id,pk,autoincrement"`
	Name string `bun:"name"`
}

func TestSQLiteAndCreateTables(t *testing.T) {
	db := SQLite(t)
	CreateTables(t, db, (*widget)(nil))
	CreateTables(t, db, (*widget)(nil))

	ctx := context.Background()
	if _, err := db.NewInsert().Model(&widget{Name: "a"}).Exec(ctx); err != nil {
		t.Fatalf("insert: %v", err)
	}
	n, err := db.NewSelect().Model((*widget)(nil)).Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one row, got %d err=%v", n, err)
	}
}

func TestRedis(t *testing.T) {
	client, mr := Redis(t)
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Errorf("unexpected value %q", got)
	}
}
