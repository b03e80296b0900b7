package loader

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/glaciate/snowfall/internal"
	"github.com/glaciate/snowfall/internal/adaptor"
	"github.com/glaciate/snowfall/internal/service"
	"github.com/glaciate/snowfall/pkg/decoder"
	"github.com/glaciate/snowfall/pkg/models"
)

var logger = internal.Logger

// Pipeline is one loader run: a single decode-and-route task feeding
// per-stream batch queues, processed by bounded parallel load units.
type Pipeline struct {
	args       *Arguments
	registry   map[string]*models.Schema
	buffer     *BatchBuffer
	ckpt       *CheckpointManager
	stage      *service.StageService
	tables     *service.TableService
	format     models.FormatDescriptor
	newEncoder adaptor.FileEncoderFactory

	queues map[string]chan *models.Batch
	sem    chan struct{}
	wg     sync.WaitGroup

	mu    sync.Mutex
	fatal error
}

// Run executes the pipeline until the input is exhausted or a fatal error
// triggers a graceful drain. On fatal errors the in-flight load units
// finish or fail, no new batches are sealed, and the last emitted
// checkpoint remains the resume point.
func Run(ctx context.Context, args *Arguments) error {
	args.applyDefaults()

	stage, err := args.StageService()
	if err != nil {
		return err
	}

	p := &Pipeline{
		args:       args,
		registry:   map[string]*models.Schema{},
		buffer:     NewBatchBuffer(args.MaxRows, args.MaxBytes, args.MaxLatency),
		ckpt:       NewCheckpointManager(args.Output, args.CheckpointRepo),
		stage:      stage,
		tables:     args.TableService(),
		format:     args.formatDescriptor(),
		newEncoder: args.newEncoder(),
		queues:     map[string]chan *models.Batch{},
		sem:        make(chan struct{}, args.MaxInFlight),
	}

	if args.CheckpointRepo != nil {
		token, err := args.CheckpointRepo.Resume()
		if err != nil {
			return errors.Wrap(err, "failed to read resume point")
		}
		if token != nil {
			logger.WithField("checkpoint", string(token)).Info("Resuming after checkpoint")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := decoder.New(args.Input).Events(ctx)
	ticker := time.NewTicker(tickInterval(args.MaxLatency))
	defer ticker.Stop()

intake:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break intake
			}
			if err := p.route(ev); err != nil {
				p.fail(err)
				cancel()
				break intake
			}
		case now := <-ticker.C:
			if p.failed() != nil {
				cancel()
				break intake
			}
			for _, batch := range p.buffer.SealAged(now, p.schemaOf) {
				p.dispatch(batch)
			}
		}
	}

	// Seal the unbatched tail so it is never silently dropped.
	if p.failed() == nil {
		for _, batch := range p.buffer.SealAll(p.schemaOf) {
			p.dispatch(batch)
		}
	}

	for _, q := range p.queues {
		close(q)
	}
	p.wg.Wait()

	if err := p.failed(); err != nil {
		return err
	}
	if pending := p.ckpt.Pending(); pending > 0 {
		return errors.Errorf("%d checkpoints still held at end of input", pending)
	}

	logger.WithField("checkpoints", p.ckpt.Emitted()).Info("Run completed")
	return nil
}

func tickInterval(maxLatency time.Duration) time.Duration {
	interval := maxLatency / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

func (x *Pipeline) route(ev *decoder.Event) error {
	switch {
	case ev.Err != nil:
		return ev.Err

	case ev.Schema != nil:
		return x.routeSchema(ev.Schema)

	case ev.Record != nil:
		schema, ok := x.registry[ev.Record.Stream]
		if !ok {
			// The decoder rejects records for undeclared streams already.
			return errors.Errorf("record for unknown stream: %s", ev.Record.Stream)
		}
		if batch := x.buffer.Add(schema, ev.Record.Data); batch != nil {
			x.dispatch(batch)
		}
		return nil

	case ev.Checkpoint != nil:
		return x.ckpt.Arrive(ev.Checkpoint.Token)
	}

	return nil
}

func (x *Pipeline) routeSchema(ev *decoder.SchemaEvent) error {
	schema, ok := x.registry[ev.Stream]
	if !ok {
		created, err := models.NewSchema(ev.Stream, ev.Columns)
		if err != nil {
			return err
		}
		x.registry[ev.Stream] = created
		logger.WithFields(logrus.Fields{
			"stream":  ev.Stream,
			"columns": len(ev.Columns),
		}).Info("Declared stream")
		return nil
	}

	changed, err := schema.Changed(ev.Columns)
	if err != nil {
		return err
	}
	if changed {
		// Records already buffered belong to the old schema version.
		if batch := x.buffer.SealStream(schema); batch != nil {
			x.dispatch(batch)
		}
		if _, err := schema.Merge(ev.Columns); err != nil {
			return err
		}
		logger.WithField("stream", ev.Stream).Info("Applied schema change")
	}
	return nil
}

func (x *Pipeline) schemaOf(stream string) *models.Schema {
	return x.registry[stream]
}

// dispatch hands a sealed batch to its stream's loader goroutine. Batches
// of one stream are processed strictly in seal order; the global semaphore
// bounds in-flight load units across streams.
func (x *Pipeline) dispatch(batch *models.Batch) {
	x.ckpt.BatchSealed(batch.Stream, batch.Seq)

	logger.WithFields(logrus.Fields{
		"stream": batch.Stream,
		"seq":    batch.Seq,
		"rows":   len(batch.Records),
		"bytes":  batch.Bytes,
		"schema": batch.Schema.ID,
	}).Debug("Sealed batch")

	q, ok := x.queues[batch.Stream]
	if !ok {
		q = make(chan *models.Batch, x.args.MaxInFlight)
		x.queues[batch.Stream] = q

		x.wg.Add(1)
		go func() {
			defer x.wg.Done()
			for b := range q {
				if x.failed() != nil {
					continue // drain without sealing new work
				}
				x.sem <- struct{}{}
				err := x.processBatch(b)
				<-x.sem
				if err != nil {
					x.fail(err)
				}
			}
		}()
	}

	q <- batch
}

func (x *Pipeline) processBatch(batch *models.Batch) error {
	var path string
	var err error
	for attempt := 0; attempt <= x.args.MaterializeRetry; attempt++ {
		path, err = Materialize(batch, x.newEncoder)
		if err == nil {
			break
		}
	}
	if err != nil {
		return errors.Wrapf(err, "materialization failed for batch %s of %s", batch.ID, batch.Stream)
	}
	defer os.Remove(path)

	staged, err := x.stage.Upload(path, batch, adaptor.ExtOf(x.format.Format))
	if err != nil {
		return errors.Wrapf(err, "staging failed for batch %s of %s", batch.ID, batch.Stream)
	}

	if _, err := x.tables.LoadBatch(batch, staged, x.format); err != nil {
		return errors.Wrapf(err, "load failed for batch %s of %s", batch.ID, batch.Stream)
	}

	if !x.args.KeepStagedFiles {
		if err := x.stage.Delete(staged); err != nil {
			logger.WithError(err).WithField("location", staged.Location()).
				Warn("Failed to delete staged file, leaving for expiry")
		}
	}

	return x.ckpt.BatchCommitted(batch.Stream, batch.Seq)
}

func (x *Pipeline) fail(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.fatal == nil {
		x.fatal = err
		logger.WithError(err).Error("Fatal pipeline error, draining")
	}
}

func (x *Pipeline) failed() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.fatal
}
