package extractor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/klauspost/compress/flate"

	"github.com/airframesio/ziptable/cmd/formatters"
	"github.com/airframesio/ziptable/cmd/ziparchive"
	"github.com/airframesio/ziptable/cmd/ziptest"
)

// sampleRows holds five well-formed rows, one a duplicate of the first.
var sampleRows = [][]string{
	{"1", "6f1c2a3b-4d5e-4f60-8a7b-000000000001", "Alpha Corp", "AB12CD34"},
	{"2", "6f1c2a3b-4d5e-4f60-8a7b-000000000002", `\N`, "ZZ99YY88"},
	{"1", "6f1c2a3b-4d5e-4f60-8a7b-000000000001", "Alpha Corp", "AB12CD34"},
	{"3", "6f1c2a3b-4d5e-4f60-8a7b-000000000003", "Gamma Ltd", "bad-code"},
	{"4", "6f1c2a3b-4d5e-4f60-8a7b-000000000004", "Delta", "QQ11WW22"},
}

func sampleSpec() Spec {
	return Spec{
		Table:       "recipient_lookup",
		ColumnCount: 4,
		Columns: []Column{
			{Index: 1, Name: "recipient_id"},
			{Index: 2, Name: "name"},
			{Index: 3, Name: "code"},
		},
	}
}

func writePayload(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "3002.dat.gz")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readArtifact(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	r, err := formatters.OpenArtifact(path)
	if err != nil {
		t.Fatalf("OpenArtifact failed: %v", err)
	}
	defer r.Close()
	rows, err := r.ReadChunk(1000)
	if err != nil {
		t.Fatalf("ReadChunk failed: %v", err)
	}
	return rows
}

func TestExtractDedupe(t *testing.T) {
	input := writePayload(t, ziptest.Gzip(ziptest.CopyText(sampleRows)))
	out := filepath.Join(t.TempDir(), "recipient_lookup.parquet")

	spec := sampleSpec()
	spec.Dedupe = true
	res, err := Extract(context.Background(), input, out, spec)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if res.RowCount != 4 {
		t.Errorf("expected 4 rows, got %d", res.RowCount)
	}
	if res.InputRows != 5 || res.SkippedRows != 0 {
		t.Errorf("unexpected counters: %+v", res)
	}

	rows := readArtifact(t, out)
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows in artifact, got %d", len(rows))
	}
	wantIDs := []string{"000000000001", "000000000002", "000000000003", "000000000004"}
	for i, want := range wantIDs {
		id, _ := rows[i]["recipient_id"].(string)
		if id[len(id)-12:] != want {
			t.Errorf("row %d out of first-occurrence order: %v", i, rows[i])
		}
	}
	if rows[1]["name"] != nil {
		t.Errorf("null token should be written as null, got %#v", rows[1]["name"])
	}
	if _, err := os.Stat(out + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary output left behind")
	}
}

func TestExtractWithoutDedupe(t *testing.T) {
	input := writePayload(t, ziptest.Gzip(ziptest.CopyText(sampleRows)))
	out := filepath.Join(t.TempDir(), "out.parquet")

	res, err := Extract(context.Background(), input, out, sampleSpec())
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if res.RowCount != 5 {
		t.Errorf("expected 5 rows, got %d", res.RowCount)
	}
}

func TestExtractSkipsMalformedRows(t *testing.T) {
	rows := append([][]string{}, sampleRows...)
	rows = append(rows,
		[]string{"5", "only three", "fields"},
		[]string{"6", "a", "b", "c", "too many"},
	)
	payload := append(ziptest.CopyText(rows[:3]), ziptest.CopyText(rows[3:])...)

	var deflated bytes.Buffer
	w, _ := flate.NewWriter(&deflated, flate.DefaultCompression)
	w.Write(payload)
	w.Close()

	input := writePayload(t, deflated.Bytes())
	out := filepath.Join(t.TempDir(), "out.csv")
	spec := sampleSpec()
	spec.Method = ziparchive.MethodDeflate
	spec.Format = formatters.FormatCSV
	spec.Compression = "none"

	res, err := Extract(context.Background(), input, out, spec)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	// The first block's terminator ends input after three rows.
	if res.RowCount != 3 {
		t.Errorf("expected 3 rows before the COPY terminator, got %d", res.RowCount)
	}

	payload = nil
	for _, r := range rows {
		payload = append(payload, []byte(joinTabs(r)+"\n")...)
	}
	payload = append(payload, []byte("7\tbroken\\\n")...)
	input = writePayload(t, payload)
	spec.Method = ziparchive.MethodStore

	res, err = Extract(context.Background(), input, out, spec)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if res.RowCount != 5 || res.SkippedRows != 3 || res.InputRows != 8 {
		t.Errorf("expected 5 written, 3 skipped of 8, got %+v", res)
	}
	if got := readArtifact(t, out); len(got) != 5 {
		t.Errorf("expected 5 rows in CSV artifact, got %d", len(got))
	}
}

func joinTabs(fields []string) string {
	var b bytes.Buffer
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('\t')
		}
		b.WriteString(f)
	}
	return b.String()
}

func TestExtractFilter(t *testing.T) {
	input := writePayload(t, ziptest.CopyText(sampleRows))
	out := filepath.Join(t.TempDir(), "out.jsonl.zst")

	spec := sampleSpec()
	spec.Dedupe = true
	spec.Format = formatters.FormatJSONL
	spec.Compression = "zstd"
	spec.Filter = Filter{Rules: []FilterRule{
		{Column: "code", Pattern: `^[A-Z0-9]{8}$`},
		{Column: "name", NotNull: true},
	}}

	res, err := Extract(context.Background(), input, out, spec)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if res.RowCount != 2 {
		t.Errorf("expected 2 rows after filter and dedupe, got %d", res.RowCount)
	}
	if res.FilteredRows != 2 {
		t.Errorf("expected 2 filtered rows, got %d", res.FilteredRows)
	}
	got := readArtifact(t, out)
	if len(got) != 2 || got[0]["code"] != "AB12CD34" || got[1]["code"] != "QQ11WW22" {
		t.Errorf("unexpected rows %v", got)
	}
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Spec)
		wantErr error
	}{
		{"Valid", func(*Spec) {}, nil},
		{"NoColumns", func(s *Spec) { s.Columns = nil }, ErrNoColumns},
		{"IndexBeyondCount", func(s *Spec) { s.Columns[0].Index = 4 }, ErrColumnIndex},
		{"NegativeIndex", func(s *Spec) { s.Columns[0].Index = -1 }, ErrColumnIndex},
		{"DuplicateName", func(s *Spec) { s.Columns[1].Name = "code" }, ErrColumnName},
		{"EmptyName", func(s *Spec) { s.Columns[0].Name = "" }, ErrColumnName},
		{"UnknownFilterColumn", func(s *Spec) { s.Filter.Rules = []FilterRule{{Column: "nope"}} }, ErrUnknownFilterCol},
		{"BadPattern", func(s *Spec) { s.Filter.Rules = []FilterRule{{Column: "code", Pattern: "("}} }, ErrFilterPattern},
		{"BadFormat", func(s *Spec) { s.Format = "xml" }, formatters.ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := sampleSpec()
			tt.mutate(&spec)
			err := spec.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestExtractMissingInput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.parquet")
	if _, err := Extract(context.Background(), filepath.Join(t.TempDir(), "absent"), out, sampleSpec()); err == nil {
		t.Fatal("expected error for missing input")
	}
	entries, _ := os.ReadDir(filepath.Dir(out))
	if len(entries) != 0 {
		t.Errorf("expected no files left behind, found %d", len(entries))
	}
}

func mockEngine(t *testing.T) (*engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return &engine{db: db}, mock
}

func twoColumnSpec() *Spec {
	spec := &Spec{
		ColumnCount: 2,
		Columns:     []Column{{Index: 0, Name: "id"}, {Index: 1, Name: "name"}},
		Dedupe:      true,
	}
	return spec
}

func TestEngineFailures(t *testing.T) {
	input := writePayload(t, ziptest.CopyText([][]string{{"1", "a"}, {"2", `\N`}}))

	t.Run("CreateFails", func(t *testing.T) {
		eng, mock := mockEngine(t)
		mock.ExpectExec("CREATE TABLE stage").WillReturnError(errors.New("disk full"))

		out := filepath.Join(t.TempDir(), "out.parquet")
		_, err := New(nil).run(context.Background(), eng, input, out, twoColumnSpec())
		if err == nil || !regexp.MustCompile(`staging table.*disk full`).MatchString(err.Error()) {
			t.Fatalf("expected staging table error, got %v", err)
		}
		if _, err := os.Stat(out); !os.IsNotExist(err) {
			t.Error("output must not exist")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("CommitFails", func(t *testing.T) {
		eng, mock := mockEngine(t)
		mock.ExpectExec("CREATE TABLE stage").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectBegin()
		prep := mock.ExpectPrepare("INSERT INTO stage")
		prep.ExpectExec().WithArgs("1", "a").WillReturnResult(sqlmock.NewResult(1, 1))
		prep.ExpectExec().WithArgs("2", nil).WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectCommit().WillReturnError(errors.New("locked"))

		out := filepath.Join(t.TempDir(), "out.parquet")
		_, err := New(nil).run(context.Background(), eng, input, out, twoColumnSpec())
		if err == nil {
			t.Fatal("expected commit failure")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("StreamsQueryResult", func(t *testing.T) {
		eng, mock := mockEngine(t)
		mock.ExpectExec("CREATE TABLE stage").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectBegin()
		prep := mock.ExpectPrepare("INSERT INTO stage")
		prep.ExpectExec().WithArgs("1", "a").WillReturnResult(sqlmock.NewResult(1, 1))
		prep.ExpectExec().WithArgs("2", nil).WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectCommit()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT c0, c1 FROM stage GROUP BY c0, c1 ORDER BY MIN(rowid)")).
			WillReturnRows(sqlmock.NewRows([]string{"c0", "c1"}).AddRow("1", "a").AddRow("2", nil))

		out := filepath.Join(t.TempDir(), "out.csv")
		spec := twoColumnSpec()
		spec.Format = formatters.FormatCSV
		spec.Compression = "none"
		res, err := New(nil).run(context.Background(), eng, input, out, spec)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if res.RowCount != 2 {
			t.Errorf("expected 2 rows, got %d", res.RowCount)
		}
		data, err := os.ReadFile(out)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "id,name\n1,a\n2,\n" {
			t.Errorf("unexpected output %q", data)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("QueryFails", func(t *testing.T) {
		eng, mock := mockEngine(t)
		mock.ExpectExec("CREATE TABLE stage").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectBegin()
		prep := mock.ExpectPrepare("INSERT INTO stage")
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectCommit()
		mock.ExpectQuery("SELECT").WillReturnError(errors.New("out of memory"))

		out := filepath.Join(t.TempDir(), "out.parquet")
		_, err := New(nil).run(context.Background(), eng, input, out, twoColumnSpec())
		if err == nil {
			t.Fatal("expected query failure")
		}
		if _, err := os.Stat(out + ".tmp"); !os.IsNotExist(err) {
			t.Error("temporary output left behind")
		}
	})
}
