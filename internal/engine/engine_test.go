package engine

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencnpj/cnpjsync/internal/logging"
	"github.com/opencnpj/cnpjsync/internal/transform"
)

// racyQuerier counts overlapping calls; it has no locking of its own.
type racyQuerier struct {
	inFlight atomic.Int64
	peak     atomic.Int64
}

func (r *racyQuerier) enter() func() {
	n := r.inFlight.Add(1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	return func() { r.inFlight.Add(-1) }
}

func (r *racyQuerier) CopyTo(ctx context.Context, query, path string) error {
	defer r.enter()()
	return nil
}

func (r *racyQuerier) QueryRows(ctx context.Context, query string, fn RowFunc) error {
	defer r.enter()()
	return fn([]string{"a"})
}

func (r *racyQuerier) QueryScalar(ctx context.Context, query string, dest any) error {
	defer r.enter()()
	return nil
}

func TestSerialize_NeverOverlaps(t *testing.T) {
	inner := &racyQuerier{}
	q := Serialize(inner)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				_ = q.CopyTo(ctx, "SELECT 1", "x")
			case 1:
				_ = q.QueryRows(ctx, "SELECT 1", func([]string) error { return nil })
			default:
				var n int
				_ = q.QueryScalar(ctx, "SELECT 1", &n)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), inner.peak.Load())
	stats := q.Stats()
	assert.Equal(t, int64(16), stats.Submissions)
	assert.Equal(t, int64(1), stats.Peak)
	assert.Zero(t, stats.InFlight)
}

func TestConvertStatement(t *testing.T) {
	part := transform.CSVTable{Name: "empresa", Columns: []string{"cnpj_basico", "razao_social"}, Partitioned: true}
	stmt := convertStatement(part, []string{"/d/K3241.EMPRECSV"}, "/p")
	assert.Contains(t, stmt, "SUBSTRING(cnpj_basico, 1, 2) AS cnpj_prefix")
	assert.Contains(t, stmt, "PARTITION_BY (cnpj_prefix)")
	assert.Contains(t, stmt, "TO '/p/empresa'")
	assert.Contains(t, stmt, "'cnpj_basico': 'VARCHAR'")

	lookup := transform.CSVTable{Name: "pais", Columns: []string{"codigo", "descricao"}}
	stmt = convertStatement(lookup, []string{"/d/F.K03200$Z.D50111.PAISCSV"}, "/p")
	assert.Contains(t, stmt, "TO '/p/pais.parquet'")
	assert.NotContains(t, stmt, "PARTITION_BY")
}

func TestFindFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "K3241.K03200Y0.D50111.EMPRECSV"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "K3241.K03200Y1.D50111.EMPRECSV"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.csv"), nil, 0644))

	files, err := findFiles(dir, "*EMPRECSV*")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	files, err = findFiles(filepath.Join(dir, "missing"), "*")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(context.Background(), Options{Logger: logging.Discard(), Threads: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_QueryScalarAndRows(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	var n int64
	require.NoError(t, e.QueryScalar(ctx, "SELECT 42", &n))
	assert.Equal(t, int64(42), n)

	var got [][]string
	err := e.QueryRows(ctx, "SELECT * FROM (VALUES ('a', 1), ('b', NULL)) t(x, y) ORDER BY x", func(row []string) error {
		got = append(got, row)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "1"}, {"b", ""}}, got)
}

func TestEngine_CopyToWritesNDJSON(t *testing.T) {
	e := openTestEngine(t)
	out := filepath.Join(t.TempDir(), "00.ndjson")

	err := e.CopyTo(context.Background(),
		"SELECT to_json(struct_pack(cnpj := '00000000000191', nome := 'x')) AS json_output", out)
	require.NoError(t, err)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	assert.Contains(t, sc.Text(), `"json_output"`)
	assert.Contains(t, sc.Text(), "00000000000191")
}

func TestEngine_ConvertAndLoadViews(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	data := t.TempDir()
	parquet := filepath.Join(t.TempDir(), "parquet")

	csv := strings.Join([]string{
		`"12345678";"ACME LTDA"`,
		`"12999999";"BETA SA"`,
		`"99000000";"GAMA ME"`,
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(data, "K3241.K03200Y0.D50111.EMPRECSV"), []byte(csv), 0644))

	tables := []transform.CSVTable{
		{Name: "empresa", Pattern: "*EMPRECSV*", Columns: []string{"cnpj_basico", "razao_social"}, Partitioned: true},
		{Name: "pais", Pattern: "*PAISCSV*", Columns: []string{"codigo", "descricao"}},
	}

	report, err := e.ConvertCSV(ctx, data, parquet, tables)
	require.NoError(t, err)
	assert.Equal(t, []string{"empresa"}, report.Converted)
	assert.Equal(t, []string{"pais"}, report.Missing)

	report, err = e.ConvertCSV(ctx, data, parquet, tables)
	require.NoError(t, err)
	assert.Equal(t, []string{"empresa"}, report.Skipped)

	loaded := e.LoadViews(ctx, parquet, []transform.View{
		{Name: "empresa", Glob: "empresa/**/*.parquet"},
		{Name: "pais", Glob: "pais.parquet"},
	})
	assert.Equal(t, 1, loaded)

	var n int64
	require.NoError(t, e.QueryScalar(ctx, "SELECT COUNT(*) FROM empresa WHERE cnpj_prefix = '12'", &n))
	assert.Equal(t, int64(2), n)
}

func TestEngine_Closed(t *testing.T) {
	e, err := Open(context.Background(), Options{Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	var n int
	assert.ErrorIs(t, e.QueryScalar(context.Background(), "SELECT 1", &n), ErrClosed)
}
