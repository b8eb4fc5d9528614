package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"industrialmonitor/backend/internal/logging"
	"industrialmonitor/backend/internal/server"
)

func main() {
	var targetURL string
	var apiKey string
	var devices int
	var devicePrefix string
	var interval time.Duration
	var jitter time.Duration
	var timeout time.Duration
	var count int
	var seed int64

	flag.StringVar(&targetURL, "url", "http://localhost:8080/api/sensors/data", "ingest endpoint URL")
	flag.StringVar(&apiKey, "api-key", "dev-ingest-key", "ingest API key")
	flag.IntVar(&devices, "devices", 3, "number of simulated machines")
	flag.StringVar(&devicePrefix, "device-prefix", "machine-", "device id prefix")
	flag.DurationVar(&interval, "interval", 2*time.Second, "base delay between emitted batches")
	flag.DurationVar(&jitter, "jitter", 500*time.Millisecond, "max random delay added to each interval")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP request timeout")
	flag.IntVar(&count, "count", 0, "number of batches to emit (0 = infinite)")
	flag.Int64Var(&seed, "seed", 0, "random seed (0 = use current time)")
	flag.Parse()

	logger, err := logging.New(logging.Options{Level: "info", Format: "console"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if interval <= 0 {
		logger.Fatal("interval must be > 0")
	}
	if jitter < 0 {
		logger.Fatal("jitter must be >= 0")
	}
	if timeout <= 0 {
		logger.Fatal("timeout must be > 0")
	}
	if count < 0 {
		logger.Fatal("count must be >= 0")
	}
	if devices < 1 {
		logger.Fatal("devices must be >= 1")
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	logger.Info(
		"simulator started",
		zap.Int64("seed", seed),
		zap.String("target", targetURL),
		zap.Int("devices", devices),
		zap.Duration("interval", interval),
	)

	client := &http.Client{Timeout: timeout}
	models := make([]*server.SyntheticModel, devices)
	for index := range models {
		models[index] = server.NewSyntheticModel()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	emitted := 0
	for {
		if count > 0 && emitted >= count {
			logger.Info("simulation complete", zap.Int("batches", emitted))
			return
		}

		now := time.Now()
		batch := make([]map[string]any, 0, devices)
		for index, model := range models {
			deviceID := fmt.Sprintf("%s%02d", devicePrefix, index+1)
			batch = append(batch, model.Next(rng, deviceID, now))
		}

		if err := postBatch(ctx, client, targetURL, apiKey, batch); err != nil {
			logger.Warn("send failed", zap.Error(err))
		} else {
			emitted++
			logger.Info("sent batch", zap.Int("number", emitted), zap.Int("samples", len(batch)))
		}

		delay := interval
		if jitter > 0 {
			delay += time.Duration(rng.Int63n(int64(jitter) + 1))
		}

		select {
		case <-ctx.Done():
			logger.Info("simulation stopped")
			return
		case <-time.After(delay):
		}
	}
}

func postBatch(
	ctx context.Context,
	client *http.Client,
	targetURL string,
	apiKey string,
	batch []map[string]any,
) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		request.Header.Set("X-API-Key", apiKey)
	}

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusMultipleChoices {
		responseBody, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("status %d: %s", response.StatusCode, string(responseBody))
	}

	return nil
}
