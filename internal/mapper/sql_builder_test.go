package mapper

import (
	"reflect"
	"testing"
)

func TestBuildInsertFirebird(t *testing.T) {
	b := NewSQLBuilder(DialectFirebird)

	query, args, err := b.BuildInsert("patient", map[string]any{
		"name":       "Ana",
		"active":     true,
		"birth_date": "1990-04-02T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("BuildInsert failed: %v", err)
	}

	want := "INSERT INTO PATIENT (ACTIVE, BIRTH_DATE, NAME) VALUES (?, ?, ?)"
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
	wantArgs := []any{1, "1990-04-02 10:00:00", "Ana"}
	if !reflect.DeepEqual(args, wantArgs) {
		t.Errorf("args = %v, want %v", args, wantArgs)
	}
}

func TestBuildInsertEmpty(t *testing.T) {
	b := NewSQLBuilder(DialectSQLite)
	if _, _, err := b.BuildInsert("queue_items", nil); err == nil {
		t.Error("expected error for empty insert")
	}
}

func TestBuildUpdatePostgresPlaceholders(t *testing.T) {
	b := NewSQLBuilder(DialectPostgres)

	query, args, err := b.BuildUpdate("queue_items",
		map[string]any{"status": "SYNCED", "error_message": nil, "id": "ignored"},
		Eq("id", "q-1"),
	)
	if err != nil {
		t.Fatalf("BuildUpdate failed: %v", err)
	}

	want := "UPDATE queue_items SET error_message = $1, status = $2 WHERE id = $3"
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
	if len(args) != 3 || args[0] != nil || args[1] != "SYNCED" || args[2] != "q-1" {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestBuildUpdateVersionGuard(t *testing.T) {
	b := NewSQLBuilder(DialectFirebird)

	query, args, err := b.BuildUpdate("patient",
		map[string]any{"name": "B", "version": Expr("VERSION + 1")},
		Eq("id", 7), Eq("version", 3),
	)
	if err != nil {
		t.Fatalf("BuildUpdate failed: %v", err)
	}

	want := "UPDATE PATIENT SET NAME = ?, VERSION = VERSION + 1 WHERE ID = ? AND VERSION = ?"
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
	if !reflect.DeepEqual(args, []any{"B", 7, 3}) {
		t.Errorf("args = %v", args)
	}
}

func TestBuildUpdateRequiresCondition(t *testing.T) {
	b := NewSQLBuilder(DialectSQLite)
	if _, _, err := b.BuildUpdate("queue_items", map[string]any{"status": "X"}); err == nil {
		t.Error("expected error for unconditioned update")
	}
	if _, _, err := b.BuildUpdate("queue_items", map[string]any{"id": "x"}, Eq("id", "x")); err == nil {
		t.Error("expected error when only the key column is provided")
	}
}

func TestBuildDeleteAndSelect(t *testing.T) {
	b := NewSQLBuilder(DialectFirebird)

	query, args, err := b.BuildDelete("diagnosis", Eq("id", 4), Eq("deleted_at", nil))
	if err != nil {
		t.Fatalf("BuildDelete failed: %v", err)
	}
	if query != "DELETE FROM DIAGNOSIS WHERE ID = ? AND DELETED_AT IS NULL" {
		t.Errorf("unexpected delete: %q", query)
	}
	if !reflect.DeepEqual(args, []any{4}) {
		t.Errorf("args = %v", args)
	}

	query, args = b.BuildSelect("diagnosis", nil, Eq("id", 4))
	if query != "SELECT * FROM DIAGNOSIS WHERE ID = ?" || len(args) != 1 {
		t.Errorf("unexpected select: %q %v", query, args)
	}
}
