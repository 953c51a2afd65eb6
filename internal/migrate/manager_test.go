package migrate

import (
	"reflect"
	"testing"
	"testing/fstest"
)

func TestListSQLOrdersLexically(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_devices.up.sql":   {Data: []byte("create table devices();")},
		"0001_users.up.sql":     {Data: []byte("create table users();")},
		"0002_devices.down.sql": {Data: []byte("drop table devices;")},
		"notes.txt":             {Data: []byte("ignored")},
	}
	names, err := listSQL(fsys, ".up.sql")
	if err != nil {
		t.Fatalf("listSQL: %v", err)
	}
	want := []string{"0001_users.up.sql", "0002_devices.up.sql"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("got %v, want %v", names, want)
	}
}

func TestSplitStatements(t *testing.T) {
	sql := `create table t(a text default 'x;y');
insert into t values ('a');`
	stmts := splitStatements(sql)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if stmts[0] != "create table t(a text default 'x;y');" {
		t.Fatalf("semicolon inside string literal split: %q", stmts[0])
	}
}
