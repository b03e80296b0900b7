package service

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/glaciate/snowfall/internal/adaptor"
	"github.com/glaciate/snowfall/internal/retry"
	"github.com/glaciate/snowfall/pkg/models"
)

// TableService reconciles destination table schemas and issues atomic
// loads. Schema evolution is additive only.
type TableService struct {
	client adaptor.WarehouseClient

	RetryLimit int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache map[string][]models.TableColumn
}

// NewTableService creates a TableService on a warehouse client.
func NewTableService(client adaptor.WarehouseClient) *TableService {
	return &TableService{
		client:     client,
		RetryLimit: 5,
		locks:      map[string]*sync.Mutex{},
		cache:      map[string][]models.TableColumn{},
	}
}

// LoadBatch evolves the destination table for the batch's schema version
// and issues the load. Evolution and load are retried together as one unit
// on transient failures.
func (x *TableService) LoadBatch(batch *models.Batch, file *models.StagedFile,
	format models.FormatDescriptor) (models.LoadResult, error) {

	mode := models.LoadModeAppend
	if batch.Schema.HasPrimaryKey() {
		mode = models.LoadModeMerge
	}

	var result models.LoadResult
	err := retry.Do(x.RetryLimit, func(attempt int) error {
		if attempt > 0 {
			logger.WithFields(logrus.Fields{
				"table":   batch.Schema.Table,
				"batch":   batch.ID,
				"attempt": attempt,
			}).Warn("Retrying load unit")
		}

		if err := x.evolveSchema(batch.Schema); err != nil {
			return err
		}

		res, err := x.client.Load(batch.Schema, file, format, mode)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return result, errors.Wrapf(err, "failed to load batch %s into %s", batch.ID, batch.Schema.Table)
	}

	logger.WithFields(logrus.Fields{
		"table":    batch.Schema.Table,
		"mode":     mode,
		"inserted": result.Inserted,
		"updated":  result.Updated,
	}).Info("Loaded batch")

	return result, nil
}

// evolveSchema creates the table or adds missing columns, then re-confirms
// the live schema. The per-table lock is held only around the
// diff-alter-confirm sequence so two load units never alter concurrently.
func (x *TableService) evolveSchema(schema *models.SchemaVersion) error {
	lock := x.tableLock(schema.Table)
	lock.Lock()
	defer lock.Unlock()

	live, ok := x.cachedColumns(schema.Table)
	if !ok {
		columns, found, err := x.client.DescribeTable(schema.Table)
		if err != nil {
			return err
		}
		if !found {
			logger.WithField("table", schema.Table).Info("Creating destination table")
			if err := x.client.CreateTable(schema.Table, schema); err != nil {
				return err
			}
			x.setCachedColumns(schema.Table, liveColumnsOf(schema))
			return nil
		}
		live = columns
	}

	missing := schema.Diff(live)
	if len(missing) == 0 {
		x.setCachedColumns(schema.Table, live)
		return nil
	}

	for _, col := range missing {
		logger.WithFields(logrus.Fields{
			"table":  schema.Table,
			"column": col.Name,
			"type":   col.Type,
		}).Info("Adding column")
		if err := x.client.AddColumn(schema.Table, col); err != nil {
			return err
		}
	}

	// Re-confirm the live schema after altering.
	confirmed, found, err := x.client.DescribeTable(schema.Table)
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("table disappeared while evolving schema: %s", schema.Table)
	}
	if left := schema.Diff(confirmed); len(left) > 0 {
		names := make([]string, len(left))
		for i, col := range left {
			names[i] = col.Name
		}
		return errors.Errorf("columns still missing on %s after evolution: %s",
			schema.Table, strings.Join(names, ", "))
	}

	x.setCachedColumns(schema.Table, confirmed)
	return nil
}

func (x *TableService) tableLock(table string) *sync.Mutex {
	x.mu.Lock()
	defer x.mu.Unlock()
	lock, ok := x.locks[table]
	if !ok {
		lock = &sync.Mutex{}
		x.locks[table] = lock
	}
	return lock
}

func (x *TableService) cachedColumns(table string) ([]models.TableColumn, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	columns, ok := x.cache[table]
	return columns, ok
}

func (x *TableService) setCachedColumns(table string, columns []models.TableColumn) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cache[table] = columns
}

func liveColumnsOf(schema *models.SchemaVersion) []models.TableColumn {
	columns := make([]models.TableColumn, 0, len(schema.Columns))
	for _, col := range schema.Columns {
		columns = append(columns, models.TableColumn{
			Name: strings.ToUpper(col.Name),
			Type: string(col.Type),
		})
	}
	return columns
}
