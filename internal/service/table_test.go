package service_test

import (
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glaciate/snowfall/internal/mock"
	"github.com/glaciate/snowfall/internal/service"
	"github.com/glaciate/snowfall/pkg/models"
)

var csvFormat = models.FormatDescriptor{Format: models.FormatCSV, Name: "LOADER_CSV"}

func stageCSV(t *testing.T, store *mock.S3Store, key string, rows [][]string) *models.StagedFile {
	t.Helper()

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	cw := csv.NewWriter(gw)
	require.NoError(t, cw.WriteAll(rows))
	require.NoError(t, gw.Close())

	client := store.NewClient("ap-northeast-1")
	_, err := client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String("stage-bucket"),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	require.NoError(t, err)

	return &models.StagedFile{Bucket: "stage-bucket", Key: key, Rows: len(rows)}
}

func keyedBatch(t *testing.T, columns []models.Column) *models.Batch {
	t.Helper()
	schema, err := models.NewSchema("orders", columns)
	require.NoError(t, err)
	return &models.Batch{
		ID:     "b-1",
		Stream: "orders",
		Seq:    1,
		Schema: schema.Snapshot(),
	}
}

func TestTableServiceCreatesTable(t *testing.T) {
	store := mock.NewS3Store()
	wh := mock.NewWarehouse(store)
	svc := service.NewTableService(wh)

	batch := keyedBatch(t, []models.Column{
		{Name: "id", Type: models.TypeInteger, PrimaryKey: true},
		{Name: "total", Type: models.TypeFloat, Nullable: true},
	})
	file := stageCSV(t, store, "orders/v1/b-1.csv.gz", [][]string{{"1", "10.5"}})

	result, err := svc.LoadBatch(batch, file, csvFormat)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Inserted)
	assert.Equal(t, int64(0), result.Updated)

	table := wh.Table("ORDERS")
	require.NotNil(t, table)
	require.NotNil(t, table.Keyed["1"]["TOTAL"])
	assert.Equal(t, "10.5", *table.Keyed["1"]["TOTAL"])
}

func TestTableServiceAddsMissingColumns(t *testing.T) {
	store := mock.NewS3Store()
	wh := mock.NewWarehouse(store)
	svc := service.NewTableService(wh)

	v1 := keyedBatch(t, []models.Column{
		{Name: "id", Type: models.TypeInteger, PrimaryKey: true},
	})
	file1 := stageCSV(t, store, "orders/v1/b-1.csv.gz", [][]string{{"1"}})
	_, err := svc.LoadBatch(v1, file1, csvFormat)
	require.NoError(t, err)

	v2 := keyedBatch(t, []models.Column{
		{Name: "id", Type: models.TypeInteger, PrimaryKey: true},
		{Name: "discount", Type: models.TypeFloat, Nullable: true},
	})
	v2.ID = "b-2"
	v2.Seq = 2
	file2 := stageCSV(t, store, "orders/v2/b-2.csv.gz", [][]string{{"2", "1.5"}})
	result, err := svc.LoadBatch(v2, file2, csvFormat)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Inserted)

	table := wh.Table("ORDERS")
	require.Equal(t, 2, len(table.Columns))
	assert.Equal(t, "DISCOUNT", table.Columns[1].Name)
	assert.Nil(t, table.Keyed["1"]["DISCOUNT"])
}

func TestTableServiceMergeUpdates(t *testing.T) {
	store := mock.NewS3Store()
	wh := mock.NewWarehouse(store)
	svc := service.NewTableService(wh)

	batch := keyedBatch(t, []models.Column{
		{Name: "id", Type: models.TypeInteger, PrimaryKey: true},
		{Name: "total", Type: models.TypeFloat, Nullable: true},
	})

	file1 := stageCSV(t, store, "orders/v1/b-1.csv.gz", [][]string{{"1", "10"}, {"2", "20"}})
	_, err := svc.LoadBatch(batch, file1, csvFormat)
	require.NoError(t, err)

	batch.ID = "b-2"
	batch.Seq = 2
	file2 := stageCSV(t, store, "orders/v1/b-2.csv.gz", [][]string{{"2", "25"}, {"3", "30"}})
	result, err := svc.LoadBatch(batch, file2, csvFormat)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Inserted)
	assert.Equal(t, int64(1), result.Updated)

	table := wh.Table("ORDERS")
	assert.Equal(t, 3, table.RowCount())
	assert.Equal(t, "25", *table.Keyed["2"]["TOTAL"])
}

func TestTableServiceRetriesTransientLoads(t *testing.T) {
	store := mock.NewS3Store()
	wh := mock.NewWarehouse(store)
	wh.FailLoads = 2

	svc := service.NewTableService(wh)
	svc.RetryLimit = 3

	batch := keyedBatch(t, []models.Column{
		{Name: "id", Type: models.TypeInteger, PrimaryKey: true},
	})
	file := stageCSV(t, store, "orders/v1/b-1.csv.gz", [][]string{{"1"}})

	_, err := svc.LoadBatch(batch, file, csvFormat)
	require.NoError(t, err)
	assert.Equal(t, 3, wh.LoadCalls)
	assert.Equal(t, 1, wh.Table("ORDERS").RowCount())
}
