package adaptor

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	sf "github.com/snowflakedb/gosnowflake"

	"github.com/glaciate/snowfall/pkg/models"
)

// SnowflakeConfig points the client at the external stage and the
// warehouse-side file format objects used by COPY/MERGE.
type SnowflakeConfig struct {
	DSN   string
	Stage string
}

type snowflakeClient struct {
	db    *sql.DB
	stage string
}

// NewSnowflakeClient opens a database/sql connection through gosnowflake.
func NewSnowflakeClient(cfg SnowflakeConfig) (WarehouseClient, error) {
	db, err := sql.Open("snowflake", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open snowflake connection")
	}

	return &snowflakeClient{db: db, stage: cfg.Stage}, nil
}

func columnTypeSQL(t models.LogicalType) string {
	switch t {
	case models.TypeInteger:
		return "NUMBER"
	case models.TypeFloat:
		return "FLOAT"
	case models.TypeBoolean:
		return "BOOLEAN"
	case models.TypeTimestamp:
		return "TIMESTAMP_NTZ"
	case models.TypeVariant:
		return "VARIANT"
	default:
		return "TEXT"
	}
}

// columnTrans is the expression wrapper applied when selecting a staged
// column, e.g. variant columns are parsed from their JSON text form.
func columnTrans(t models.LogicalType) string {
	if t == models.TypeVariant {
		return "parse_json"
	}
	return ""
}

func (x *snowflakeClient) DescribeTable(table string) ([]models.TableColumn, bool, error) {
	rows, err := x.db.Query(
		`SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS
		  WHERE TABLE_NAME = ? ORDER BY ORDINAL_POSITION`, table)
	if err != nil {
		return nil, false, wrapSnowflakeError(err, "failed to describe table "+table)
	}
	defer rows.Close()

	var columns []models.TableColumn
	for rows.Next() {
		var col models.TableColumn
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, false, errors.Wrap(err, "failed to scan column row")
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, false, wrapSnowflakeError(err, "failed to read columns of "+table)
	}

	return columns, len(columns) > 0, nil
}

func (x *snowflakeClient) CreateTable(table string, schema *models.SchemaVersion) error {
	clauses := make([]string, 0, len(schema.Columns)+1)
	for _, col := range schema.Columns {
		clauses = append(clauses, fmt.Sprintf("%s %s", models.SafeColumnName(col.Name), columnTypeSQL(col.Type)))
	}
	if keys := schema.PrimaryKeys(); len(keys) > 0 {
		clauses = append(clauses, fmt.Sprintf("PRIMARY KEY (%s)", joinSafeNames(keys)))
	}

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (%s)`, table, strings.Join(clauses, ", "))
	if _, err := x.db.Exec(query); err != nil {
		return wrapSnowflakeError(err, "failed to create table "+table)
	}
	return nil
}

func (x *snowflakeClient) AddColumn(table string, column models.Column) error {
	query := fmt.Sprintf(`ALTER TABLE "%s" ADD COLUMN %s %s`,
		table, models.SafeColumnName(column.Name), columnTypeSQL(column.Type))
	if _, err := x.db.Exec(query); err != nil {
		return wrapSnowflakeError(err, "failed to add column to "+table)
	}
	return nil
}

func (x *snowflakeClient) Load(schema *models.SchemaVersion, file *models.StagedFile,
	format models.FormatDescriptor, mode models.LoadMode) (models.LoadResult, error) {

	if mode == models.LoadModeMerge {
		return x.merge(schema, file, format)
	}
	return x.copyInto(schema, file, format)
}

func (x *snowflakeClient) copyInto(schema *models.SchemaVersion, file *models.StagedFile,
	format models.FormatDescriptor) (models.LoadResult, error) {

	var query string
	if format.Format == models.FormatParquet {
		query = fmt.Sprintf(`COPY INTO "%s" FROM '@%s/%s'
			FILE_FORMAT = (format_name='%s') MATCH_BY_COLUMN_NAME = 'CASE_INSENSITIVE'`,
			schema.Table, x.stage, file.Key, format.Name)
	} else {
		var names []string
		for _, col := range schema.Columns {
			names = append(names, models.SafeColumnName(col.Name))
		}
		query = fmt.Sprintf(`COPY INTO "%s" (%s) FROM '@%s/%s' FILE_FORMAT = (format_name='%s')`,
			schema.Table, strings.Join(names, ", "), x.stage, file.Key, format.Name)
	}

	var result models.LoadResult
	rows, err := x.db.Query(query)
	if err != nil {
		return result, wrapSnowflakeError(err, "failed COPY INTO "+schema.Table)
	}
	defer rows.Close()

	// COPY reports one result row per loaded file with the count in a
	// rows_loaded column. Accounting is best effort and read by column name;
	// only the query itself failing fails the load.
	result.Inserted = copyRowsLoaded(rows)
	if err := rows.Err(); err != nil {
		return result, wrapSnowflakeError(err, "failed COPY INTO "+schema.Table)
	}

	return result, nil
}

func copyRowsLoaded(rows *sql.Rows) int64 {
	columns, err := rows.Columns()
	if err != nil || !rows.Next() {
		return 0
	}

	values := make([]interface{}, len(columns))
	for i := range values {
		values[i] = new(sql.NullString)
	}
	if err := rows.Scan(values...); err != nil {
		return 0
	}

	for i, name := range columns {
		if !strings.EqualFold(name, "rows_loaded") {
			continue
		}
		if v := values[i].(*sql.NullString); v.Valid {
			if n, err := strconv.ParseInt(v.String, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

func (x *snowflakeClient) merge(schema *models.SchemaVersion, file *models.StagedFile,
	format models.FormatDescriptor) (models.LoadResult, error) {

	var selects, sets, names, values, conds []string
	for i, col := range schema.Columns {
		name := models.SafeColumnName(col.Name)

		src := fmt.Sprintf("$%d", i+1)
		if format.Format == models.FormatParquet {
			src = fmt.Sprintf("$1:%s", name)
		}
		if trans := columnTrans(col.Type); trans != "" {
			src = fmt.Sprintf("%s(%s)", trans, src)
		}

		selects = append(selects, fmt.Sprintf("%s %s", src, name))
		sets = append(sets, fmt.Sprintf("%s=s.%s", name, name))
		names = append(names, name)
		values = append(values, "s."+name)
		if col.PrimaryKey {
			conds = append(conds, fmt.Sprintf("s.%s = t.%s", name, name))
		}
	}

	query := fmt.Sprintf(`MERGE INTO "%s" t
		USING (SELECT %s FROM '@%s/%s' (FILE_FORMAT => '%s')) s
		ON %s
		WHEN MATCHED THEN UPDATE SET %s
		WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)`,
		schema.Table,
		strings.Join(selects, ", "),
		x.stage, file.Key, format.Name,
		strings.Join(conds, " AND "),
		strings.Join(sets, ", "),
		strings.Join(names, ", "),
		strings.Join(values, ", "))

	var result models.LoadResult
	row := x.db.QueryRow(query)
	if err := row.Scan(&result.Inserted, &result.Updated); err != nil {
		if isQueryError(err) {
			return result, wrapSnowflakeError(err, "failed MERGE INTO "+schema.Table)
		}
	}

	return result, nil
}

func joinSafeNames(names []string) string {
	safe := make([]string, len(names))
	for i, n := range names {
		safe[i] = models.SafeColumnName(n)
	}
	return strings.Join(safe, ", ")
}

func isQueryError(err error) bool {
	return err != nil && err != sql.ErrNoRows
}

// Statement timeouts caused by table locks and canceled queries clear up on
// their own; everything else (auth, syntax, missing objects) is fatal.
var transientSnowflakeCodes = map[int]bool{
	604: true, // query canceled
	625: true, // statement waiting on lock
}

func wrapSnowflakeError(err error, msg string) error {
	if sferr, ok := err.(*sf.SnowflakeError); ok && transientSnowflakeCodes[sferr.Number] {
		return errors.Wrap(models.Transient(err), msg)
	}
	return errors.Wrap(err, msg)
}
