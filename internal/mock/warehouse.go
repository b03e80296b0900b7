package mock

import (
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/glaciate/snowfall/pkg/models"
)

// WarehouseTable is one in-memory destination table.
type WarehouseTable struct {
	Columns []models.TableColumn
	// Keyed rows from merge loads: primary key string -> column name -> value.
	Keyed map[string]map[string]*string
	// Rows from append loads in load order.
	Appended []map[string]*string
}

// RowCount returns the visible row count of the table.
func (x *WarehouseTable) RowCount() int {
	return len(x.Keyed) + len(x.Appended)
}

// Warehouse is an in-memory warehouse with merge-upsert semantics. Loads of
// plaintext CSV files are parsed from the backing S3 store, which lets tests
// verify round trips and idempotence at the row level.
type Warehouse struct {
	mu     sync.Mutex
	store  *S3Store
	tables map[string]*WarehouseTable

	// FailLoads makes the next n Load calls fail with a transient error.
	FailLoads int
	LoadCalls int
}

// NewWarehouse creates an empty warehouse reading staged files from store.
func NewWarehouse(store *S3Store) *Warehouse {
	return &Warehouse{store: store, tables: map[string]*WarehouseTable{}}
}

// Table returns an in-memory table for inspection.
func (x *Warehouse) Table(name string) *WarehouseTable {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.tables[name]
}

// DescribeTable returns the live column set.
func (x *Warehouse) DescribeTable(table string) ([]models.TableColumn, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	t, ok := x.tables[table]
	if !ok {
		return nil, false, nil
	}
	columns := make([]models.TableColumn, len(t.Columns))
	copy(columns, t.Columns)
	return columns, true, nil
}

// CreateTable creates the table with the snapshot's full column set.
func (x *Warehouse) CreateTable(table string, schema *models.SchemaVersion) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.tables[table]; ok {
		return nil
	}

	t := &WarehouseTable{Keyed: map[string]map[string]*string{}}
	for _, col := range schema.Columns {
		t.Columns = append(t.Columns, models.TableColumn{
			Name: strings.ToUpper(col.Name),
			Type: string(col.Type),
		})
	}
	x.tables[table] = t
	return nil
}

// AddColumn appends a nullable column. Existing rows read as null for it.
func (x *Warehouse) AddColumn(table string, column models.Column) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	t, ok := x.tables[table]
	if !ok {
		return errors.Errorf("table not found: %s", table)
	}
	t.Columns = append(t.Columns, models.TableColumn{
		Name: strings.ToUpper(column.Name),
		Type: string(column.Type),
	})
	return nil
}

// Load parses the staged file and applies it with append or merge-upsert
// semantics in one atomic step.
func (x *Warehouse) Load(schema *models.SchemaVersion, file *models.StagedFile,
	format models.FormatDescriptor, mode models.LoadMode) (models.LoadResult, error) {

	x.mu.Lock()
	defer x.mu.Unlock()

	x.LoadCalls++
	if x.FailLoads > 0 {
		x.FailLoads--
		return models.LoadResult{}, models.Transient(errors.New("simulated load failure"))
	}

	t, ok := x.tables[schema.Table]
	if !ok {
		return models.LoadResult{}, errors.Errorf("table not found: %s", schema.Table)
	}

	// Encrypted files are opaque here; account rows without parsing.
	if file.Encrypted {
		for i := 0; i < file.Rows; i++ {
			t.Appended = append(t.Appended, map[string]*string{})
		}
		return models.LoadResult{Inserted: int64(file.Rows)}, nil
	}

	rows, err := x.readCSV(file)
	if err != nil {
		return models.LoadResult{}, err
	}

	var result models.LoadResult
	keys := schema.PrimaryKeys()
	for _, fields := range rows {
		row := map[string]*string{}
		for i, col := range schema.Columns {
			if i < len(fields) && fields[i] != "" {
				v := fields[i]
				row[strings.ToUpper(col.Name)] = &v
			}
		}

		if mode == models.LoadModeMerge && len(keys) > 0 {
			pk := x.primaryKeyOf(row, keys)
			if _, exists := t.Keyed[pk]; exists {
				result.Updated++
			} else {
				result.Inserted++
			}
			t.Keyed[pk] = row
		} else {
			t.Appended = append(t.Appended, row)
			result.Inserted++
		}
	}

	return result, nil
}

func (x *Warehouse) primaryKeyOf(row map[string]*string, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		if v := row[strings.ToUpper(k)]; v != nil {
			parts[i] = *v
		}
	}
	return strings.Join(parts, ",")
}

func (x *Warehouse) readCSV(file *models.StagedFile) ([][]string, error) {
	raw, ok := x.store.Object(file.Bucket, file.Key)
	if !ok {
		return nil, errors.Errorf("staged file not found: %s", file.Location())
	}

	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "staged file is not gzip")
	}
	defer gr.Close()

	return csv.NewReader(gr).ReadAll()
}
