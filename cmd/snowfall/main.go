package main

import (
	"context"
	"io"
	"os"
	"time"

	cli "github.com/urfave/cli/v2"

	"github.com/glaciate/snowfall/internal"
	"github.com/glaciate/snowfall/internal/adaptor"
	"github.com/glaciate/snowfall/internal/repository"
	"github.com/glaciate/snowfall/pkg/loader"
	"github.com/glaciate/snowfall/pkg/models"
)

var logger = internal.Logger

type arguments struct {
	loader.Config

	InputPath string
	Format    string

	SnowflakeDSN   string
	SnowflakeStage string

	CheckpointTable string
	CheckpointFile  string

	LogLevel  string
	SentryDSN string
	SentryEnv string
}

func main() {
	var args arguments

	app := &cli.App{
		Name:  "snowfall",
		Usage: "Continuous change-stream loader for Snowflake",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "Input message file (default: stdin)",
				Destination: &args.InputPath,
			},
			&cli.StringFlag{
				Name:        "s3-region",
				EnvVars:     []string{"SNOWFALL_S3_REGION"},
				Required:    true,
				Destination: &args.S3Region,
			},
			&cli.StringFlag{
				Name:        "s3-bucket",
				EnvVars:     []string{"SNOWFALL_S3_BUCKET"},
				Required:    true,
				Destination: &args.S3Bucket,
			},
			&cli.StringFlag{
				Name:        "s3-prefix",
				EnvVars:     []string{"SNOWFALL_S3_PREFIX"},
				Destination: &args.S3Prefix,
			},
			&cli.StringFlag{
				Name:        "format",
				Usage:       "Interchange file format: csv or parquet",
				Value:       "csv",
				Destination: &args.Format,
			},
			&cli.StringFlag{
				Name:        "file-format-name",
				Usage:       "Warehouse-side file format object",
				EnvVars:     []string{"SNOWFALL_FILE_FORMAT"},
				Required:    true,
				Destination: &args.FileFormatName,
			},
			&cli.IntFlag{
				Name:        "max-rows",
				Usage:       "Seal a batch at this row count",
				Value:       100000,
				Destination: &args.MaxRows,
			},
			&cli.Int64Flag{
				Name:        "max-bytes",
				Usage:       "Seal a batch at this estimated byte size",
				Value:       100 * 1024 * 1024,
				Destination: &args.MaxBytes,
			},
			&cli.DurationFlag{
				Name:        "max-latency",
				Usage:       "Seal a batch after this time since its first record",
				Value:       time.Minute,
				Destination: &args.MaxLatency,
			},
			&cli.StringFlag{
				Name:        "master-key",
				Usage:       "Base64 256-bit master key enabling client-side encryption",
				EnvVars:     []string{"SNOWFALL_MASTER_KEY"},
				Destination: &args.MasterKey,
			},
			&cli.StringFlag{
				Name:        "snowflake-dsn",
				EnvVars:     []string{"SNOWFALL_SNOWFLAKE_DSN"},
				Required:    true,
				Destination: &args.SnowflakeDSN,
			},
			&cli.StringFlag{
				Name:        "snowflake-stage",
				EnvVars:     []string{"SNOWFALL_SNOWFLAKE_STAGE"},
				Required:    true,
				Destination: &args.SnowflakeStage,
			},
			&cli.StringFlag{
				Name:        "checkpoint-table",
				Usage:       "DynamoDB table persisting the resume point",
				EnvVars:     []string{"SNOWFALL_CHECKPOINT_TABLE"},
				Destination: &args.CheckpointTable,
			},
			&cli.StringFlag{
				Name:        "checkpoint-file",
				Usage:       "Local file persisting the resume point",
				EnvVars:     []string{"SNOWFALL_CHECKPOINT_FILE"},
				Destination: &args.CheckpointFile,
			},
			&cli.IntFlag{
				Name:        "max-in-flight",
				Usage:       "Bound on concurrently processed batches",
				Value:       4,
				Destination: &args.MaxInFlight,
			},
			&cli.IntFlag{
				Name:        "retry-limit",
				Value:       5,
				Destination: &args.RetryLimit,
			},
			&cli.BoolFlag{
				Name:        "keep-staged-files",
				Usage:       "Leave staged files for warehouse-side expiry",
				Destination: &args.KeepStagedFiles,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "INFO",
				Destination: &args.LogLevel,
			},
			&cli.StringFlag{
				Name:        "sentry-dsn",
				EnvVars:     []string{"SENTRY_DSN"},
				Destination: &args.SentryDSN,
			},
			&cli.StringFlag{
				Name:        "sentry-env",
				EnvVars:     []string{"SENTRY_ENVIRONMENT"},
				Destination: &args.SentryEnv,
			},
		},
		Action: func(c *cli.Context) error {
			return run(&args)
		},
	}

	if err := app.Run(os.Args); err != nil {
		internal.HandleError(err)
		internal.FlushError()
		logger.WithError(err).Fatal("Abort")
	}
}

func run(args *arguments) error {
	internal.SetLogLevel(args.LogLevel)
	internal.SetupSentry(args.SentryDSN, args.SentryEnv)
	defer internal.FlushError()

	var input io.Reader = os.Stdin
	if args.InputPath != "" {
		fd, err := os.Open(args.InputPath)
		if err != nil {
			return err
		}
		defer fd.Close()
		input = fd
	}

	switch args.Format {
	case "parquet":
		args.Config.Format = models.FormatParquet
	default:
		args.Config.Format = models.FormatCSV
	}

	warehouse, err := adaptor.NewSnowflakeClient(adaptor.SnowflakeConfig{
		DSN:   args.SnowflakeDSN,
		Stage: args.SnowflakeStage,
	})
	if err != nil {
		return err
	}

	var repo repository.CheckpointRepository
	switch {
	case args.CheckpointTable != "":
		repo = repository.NewCheckpointDynamoDB(args.S3Region, args.CheckpointTable)
	case args.CheckpointFile != "":
		repo = repository.NewCheckpointFile(args.CheckpointFile)
	}

	return loader.Run(context.Background(), &loader.Arguments{
		Config:         args.Config,
		Input:          input,
		Output:         os.Stdout,
		Warehouse:      warehouse,
		CheckpointRepo: repo,
	})
}
