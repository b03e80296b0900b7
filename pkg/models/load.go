package models

// LoadMode selects how a staged file enters the destination table.
type LoadMode string

const (
	// LoadModeAppend is insert-only, used when no primary key is declared.
	LoadModeAppend LoadMode = "append"
	// LoadModeMerge upserts rows keyed on the declared primary key. Replays
	// of the same batch converge to the same table state.
	LoadModeMerge LoadMode = "merge"
)

// FileFormat is the interchange format of staged batch files.
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
)

// FormatDescriptor tells the warehouse how to read a staged file.
type FormatDescriptor struct {
	Format FileFormat
	// Name of the warehouse-side file format object, which carries the
	// delimiter/encoding/decryption parameters.
	Name string
}

// LoadResult is the row accounting returned by a committed load.
type LoadResult struct {
	Inserted int64
	Updated  int64
}
