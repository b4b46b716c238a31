// Package main is the mirror worker Lambda entry point.
//
// The worker is invoked on a schedule (or manually) and drains the pending
// mirror queue: each entry is applied to the public mirror table in enqueue
// order, with per-item ordering preserved across failures. One invocation
// drains until the queue is empty or the invocation deadline approaches.
package main

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog/log"

	"github.com/pixelmint/generation-engine/internal/logging"
	"github.com/pixelmint/generation-engine/internal/metrics"
	"github.com/pixelmint/generation-engine/internal/mirror"
)

var coldStart = true

// Initialized at cold start.
var worker *mirror.Worker

// DrainEvent is the invocation payload. All fields are optional.
type DrainEvent struct {
	// MaxBatches caps how many queue pages one invocation processes.
	// Zero means drain until empty.
	MaxBatches int `json:"maxBatches,omitempty"`
}

// DrainResult reports what the invocation accomplished.
type DrainResult struct {
	Processed int `json:"processed"`
}

func init() {
	initStart := time.Now()
	logging.Init()

	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")

	queueTable := os.Getenv("MIRROR_QUEUE_TABLE")
	if queueTable == "" {
		log.Fatal().Msg("MIRROR_QUEUE_TABLE environment variable is required")
	}
	mirrorTable := os.Getenv("MIRROR_TABLE")
	if mirrorTable == "" {
		log.Fatal().Msg("MIRROR_TABLE environment variable is required")
	}

	ddbClient := dynamodb.NewFromConfig(cfg)
	queue := mirror.NewDynamoQueue(ddbClient, queueTable)
	store := mirror.NewDynamoStore(ddbClient, mirrorTable)
	worker = mirror.NewWorker(queue, store, mirror.WorkerConfig{})

	log.Info().
		Str("queueTable", queueTable).
		Str("mirrorTable", mirrorTable).
		Dur("elapsed", time.Since(initStart)).
		Msg("Mirror worker initialized")
}

func main() {
	lambda.Start(handler)
}

func handler(ctx context.Context, event DrainEvent) (DrainResult, error) {
	if coldStart {
		coldStart = false
		metrics.New().Count("ColdStart").Flush()
	}

	// Leave headroom before the invocation deadline so an in-flight entry
	// finishes rather than being killed mid-apply.
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline.Add(-5*time.Second))
		defer cancel()
	}

	start := time.Now()
	processed, err := drain(ctx, event.MaxBatches)
	if err != nil {
		log.Error().Err(err).Int("processed", processed).Msg("Mirror drain failed")
		return DrainResult{Processed: processed}, err
	}

	log.Info().
		Int("processed", processed).
		Dur("elapsed", time.Since(start)).
		Msg("Mirror drain complete")
	return DrainResult{Processed: processed}, nil
}

func drain(ctx context.Context, maxBatches int) (int, error) {
	if maxBatches <= 0 {
		return worker.Drain(ctx)
	}
	total := 0
	for i := 0; i < maxBatches; i++ {
		n, err := worker.DrainOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
	return total, nil
}
