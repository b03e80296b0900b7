package adaptor

import (
	"database/sql"
	"database/sql/driver"
	"io"
	"testing"

	"github.com/pkg/errors"
	sf "github.com/snowflakedb/gosnowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glaciate/snowfall/internal/retry"
	"github.com/glaciate/snowfall/pkg/models"
)

func TestColumnTypeSQL(t *testing.T) {
	assert.Equal(t, "NUMBER", columnTypeSQL(models.TypeInteger))
	assert.Equal(t, "FLOAT", columnTypeSQL(models.TypeFloat))
	assert.Equal(t, "BOOLEAN", columnTypeSQL(models.TypeBoolean))
	assert.Equal(t, "TIMESTAMP_NTZ", columnTypeSQL(models.TypeTimestamp))
	assert.Equal(t, "VARIANT", columnTypeSQL(models.TypeVariant))
	assert.Equal(t, "TEXT", columnTypeSQL(models.TypeString))
}

func TestColumnTrans(t *testing.T) {
	assert.Equal(t, "parse_json", columnTrans(models.TypeVariant))
	assert.Equal(t, "", columnTrans(models.TypeString))
	assert.Equal(t, "", columnTrans(models.TypeInteger))
}

func TestJoinSafeNames(t *testing.T) {
	assert.Equal(t, `"ID", "ORDER_ID"`, joinSafeNames([]string{"id", "order_id"}))
}

func TestWrapSnowflakeError(t *testing.T) {
	t.Run("lock wait and cancellation are transient", func(tt *testing.T) {
		for _, number := range []int{604, 625} {
			err := wrapSnowflakeError(&sf.SnowflakeError{Number: number}, "load failed")
			assert.True(tt, retry.IsTransient(err), "code %d", number)
		}
	})

	t.Run("other codes are fatal", func(tt *testing.T) {
		err := wrapSnowflakeError(&sf.SnowflakeError{Number: 2003}, "load failed")
		assert.False(tt, retry.IsTransient(err))

		err = wrapSnowflakeError(errors.New("auth expired"), "load failed")
		assert.False(tt, retry.IsTransient(err))
	})
}

func TestExtOf(t *testing.T) {
	assert.Equal(t, "csv.gz", ExtOf(models.FormatCSV))
	assert.Equal(t, "parquet", ExtOf(models.FormatParquet))
}

// stubResultDriver serves one fixed result row for every query, standing in
// for the COPY/MERGE status rows Snowflake returns.
type stubResultDriver struct {
	columns  []string
	row      []driver.Value
	queryErr error
}

func (x *stubResultDriver) Open(name string) (driver.Conn, error) { return &stubConn{d: x}, nil }

type stubConn struct{ d *stubResultDriver }

func (x *stubConn) Prepare(query string) (driver.Stmt, error) { return &stubStmt{d: x.d}, nil }
func (x *stubConn) Close() error                              { return nil }
func (x *stubConn) Begin() (driver.Tx, error)                 { return nil, driver.ErrSkip }

type stubStmt struct{ d *stubResultDriver }

func (x *stubStmt) Close() error  { return nil }
func (x *stubStmt) NumInput() int { return -1 }

func (x *stubStmt) Exec(args []driver.Value) (driver.Result, error) {
	return driver.ResultNoRows, nil
}

func (x *stubStmt) Query(args []driver.Value) (driver.Rows, error) {
	if x.d.queryErr != nil {
		return nil, x.d.queryErr
	}
	return &stubRows{d: x.d}, nil
}

type stubRows struct {
	d    *stubResultDriver
	done bool
}

func (x *stubRows) Columns() []string { return x.d.columns }
func (x *stubRows) Close() error      { return nil }

func (x *stubRows) Next(dest []driver.Value) error {
	if x.done {
		return io.EOF
	}
	x.done = true
	copy(dest, x.d.row)
	return nil
}

func stubClient(t *testing.T, name string, d *stubResultDriver) *snowflakeClient {
	t.Helper()
	sql.Register(name, d)
	db, err := sql.Open(name, "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &snowflakeClient{db: db, stage: "loader_stage"}
}

func appendSchema(t *testing.T) *models.SchemaVersion {
	t.Helper()
	schema, err := models.NewSchema("events", []models.Column{
		{Name: "kind", Type: models.TypeString, Nullable: true},
	})
	require.NoError(t, err)
	return schema.Snapshot()
}

func TestCopyIntoResultHandling(t *testing.T) {
	file := &models.StagedFile{Bucket: "b", Key: "events/v1/b-1.csv.gz", Rows: 2}
	format := models.FormatDescriptor{Format: models.FormatCSV, Name: "LOADER_CSV"}

	t.Run("reads rows_loaded from the status row", func(tt *testing.T) {
		client := stubClient(tt, "copy-status", &stubResultDriver{
			columns: []string{
				"file", "status", "rows_parsed", "rows_loaded", "error_limit",
				"errors_seen", "first_error", "first_error_line",
				"first_error_character", "first_error_column_name",
			},
			row: []driver.Value{
				"events/v1/b-1.csv.gz", "LOADED", int64(3), int64(2), int64(1),
				int64(0), nil, nil, nil, nil,
			},
		})

		result, err := client.Load(appendSchema(tt), file, format, models.LoadModeAppend)
		require.NoError(tt, err)
		assert.Equal(tt, int64(2), result.Inserted)
	})

	t.Run("unexpected status shape commits with zero accounting", func(tt *testing.T) {
		client := stubClient(tt, "copy-odd-status", &stubResultDriver{
			columns: []string{"status"},
			row:     []driver.Value{"LOADED"},
		})

		result, err := client.Load(appendSchema(tt), file, format, models.LoadModeAppend)
		require.NoError(tt, err)
		assert.Equal(tt, int64(0), result.Inserted)
	})

	t.Run("query failure fails the load", func(tt *testing.T) {
		client := stubClient(tt, "copy-failing", &stubResultDriver{
			queryErr: errors.New("stage not found"),
		})

		_, err := client.Load(appendSchema(tt), file, format, models.LoadModeAppend)
		require.Error(tt, err)
		assert.Contains(tt, err.Error(), "failed COPY INTO")
	})
}

func TestMergeResultHandling(t *testing.T) {
	schema, err := models.NewSchema("orders", []models.Column{
		{Name: "id", Type: models.TypeInteger, PrimaryKey: true},
	})
	require.NoError(t, err)

	client := stubClient(t, "merge-status", &stubResultDriver{
		columns: []string{"number of rows inserted", "number of rows updated"},
		row:     []driver.Value{int64(2), int64(1)},
	})

	file := &models.StagedFile{Bucket: "b", Key: "orders/v1/b-1.csv.gz", Rows: 3}
	format := models.FormatDescriptor{Format: models.FormatCSV, Name: "LOADER_CSV"}
	result, err := client.Load(schema.Snapshot(), file, format, models.LoadModeMerge)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Inserted)
	assert.Equal(t, int64(1), result.Updated)
}
