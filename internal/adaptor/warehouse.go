package adaptor

import (
	"github.com/glaciate/snowfall/pkg/models"
)

// WarehouseClient is the narrow operation set the pipeline needs from the
// destination warehouse. The warehouse is an opaque transactional load
// target; one Load call is one atomic commit.
type WarehouseClient interface {
	// DescribeTable returns the live column set, or found=false when the
	// table does not exist.
	DescribeTable(table string) (columns []models.TableColumn, found bool, err error)
	CreateTable(table string, schema *models.SchemaVersion) error
	AddColumn(table string, column models.Column) error
	// Load ingests one staged file. Mode append issues a bulk copy, mode
	// merge upserts on the schema's primary key.
	Load(schema *models.SchemaVersion, file *models.StagedFile,
		format models.FormatDescriptor, mode models.LoadMode) (models.LoadResult, error)
}
