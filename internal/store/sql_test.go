package store

import "testing"

func TestCreateTableDDL(t *testing.T) {
	schema := Schema{
		Name: "cdr/mean",
		Fields: []Field{
			{Name: "hangup_cause", Kind: String},
			{Name: "caller_answer", Kind: Float},
			{Name: "failed_calls", Kind: Int},
		},
	}
	want := `CREATE TABLE IF NOT EXISTS "cdr_mean" ("hangup_cause" VARCHAR(30), "caller_answer" DOUBLE PRECISION, "failed_calls" BIGINT)`
	if got := createTableDDL(schema); got != want {
		t.Errorf("ddl = %s, want %s", got, want)
	}
}

func TestSQLiteRoundtrip(t *testing.T) {
	s, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	schema := Schema{
		Name: "cdr",
		Fields: []Field{
			{Name: "hangup_cause", Kind: String},
			{Name: "caller_answer", Kind: Float},
			{Name: "failed_calls", Kind: Int},
		},
	}
	rows := []Row{
		{"NORMAL_CLEARING", 1714068061.5, 0},
		{"NO_ANSWER", 0.0, 2},
	}
	if err := s.Append(schema, rows); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(schema, []Row{{"NORMAL_CLEARING", 9.0, 1}}); err != nil {
		t.Fatalf("second Append: %v", err)
	}

	got, err := s.Read("cdr")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Read = %d rows, want 3", len(got))
	}
	if got[0][0] != "NORMAL_CLEARING" || got[0][1] != 1714068061.5 || got[0][2] != 0 {
		t.Errorf("first row = %v", got[0])
	}
	if got[1][2] != 2 {
		t.Errorf("second row = %v", got[1])
	}

	// The series lands in the catalog once.
	var count int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM callstorm_series WHERE name = 'cdr'").Scan(&count); err != nil {
		t.Fatalf("catalog query: %v", err)
	}
	if count != 1 {
		t.Errorf("catalog entries = %d, want 1", count)
	}
}

func TestSQLReadUnknownSeries(t *testing.T) {
	s, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()
	rows, err := s.Read("nothing")
	if err != nil || rows != nil {
		t.Fatalf("Read unknown series = %v, %v; want nil, nil", rows, err)
	}
}
