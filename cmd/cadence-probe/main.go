// cadence-probe replays synthetic speech turns against a running server and
// reports end-of-speech to first-audio and to final-answer latencies.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/avrile/cadence/internal/audio"
	"github.com/avrile/cadence/internal/client"
	"github.com/avrile/cadence/internal/protocol"
)

type options struct {
	streamURL      string
	turns          int
	speechBatches  int
	amplitude      int
	pacing         time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	verbose        bool
}

type turnResult struct {
	firstAudio time.Duration
	finalDone  time.Duration
	textOnly   bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cadence-probe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "cadence-probe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var pacingMS, interTurnMS, turnTimeoutMS int

	flag.StringVar(&cfg.streamURL, "url", "ws://127.0.0.1:8080/v1/stream", "stream endpoint")
	flag.IntVar(&cfg.turns, "turns", 5, "number of synthetic turns to replay")
	flag.IntVar(&cfg.speechBatches, "speech-batches", 6, "audible batches per turn (128ms each at 16kHz)")
	flag.IntVar(&cfg.amplitude, "amplitude", 4000, "PCM16 amplitude of synthetic speech")
	flag.IntVar(&pacingMS, "pacing-ms", 30, "delay between batches in milliseconds")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 200, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for the final answer per turn")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.streamURL = strings.TrimSpace(cfg.streamURL)
	if cfg.streamURL == "" {
		return options{}, fmt.Errorf("url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.speechBatches <= 0 {
		return options{}, fmt.Errorf("speech-batches must be > 0")
	}
	if cfg.amplitude < 1 || cfg.amplitude > 32767 {
		return options{}, fmt.Errorf("amplitude must be in [1,32767]")
	}
	if pacingMS < 1 {
		pacingMS = 1
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.pacing = time.Duration(pacingMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	c, err := client.New(client.Config{URL: cfg.streamURL})
	if err != nil {
		return err
	}
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()
	defer c.Close()

	if err := awaitHandshake(ctx, c, runDone); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("cadence-probe: session=%s turns=%d speech_batches=%d\n", c.SessionID(), cfg.turns, cfg.speechBatches)
	}

	results := make([]turnResult, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		res, err := replayTurn(ctx, cfg, c, runDone)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		results = append(results, res)
		if cfg.verbose {
			fmt.Printf("cadence-probe: turn %d/%d first_audio=%s final=%s text_only=%v\n",
				i+1, cfg.turns, res.firstAudio, res.finalDone, res.textOnly)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	printSummary(results)
	return nil
}

func awaitHandshake(ctx context.Context, c *client.Client, runDone <-chan error) error {
	timer := time.NewTimer(10 * time.Second)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return fmt.Errorf("stream closed")
			}
			switch ev.(type) {
			case protocol.SessionID, protocol.SessionRestored:
				return nil
			}
		case err := <-runDone:
			return fmt.Errorf("stream ended: %w", err)
		case <-timer.C:
			return fmt.Errorf("timeout")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// replayTurn streams audible batches, then silence, and watches events until
// the final answer lands.
func replayTurn(ctx context.Context, cfg options, c *client.Client, runDone <-chan error) (turnResult, error) {
	speech := speechBatch(cfg.amplitude)
	silence := audio.Batch{PCM: make([]byte, audio.PayloadBytes)}

	for i := 0; i < cfg.speechBatches; i++ {
		speech.Timestamp = uint32(time.Now().UnixMilli())
		if err := c.SendAudio(speech); err != nil {
			return turnResult{}, fmt.Errorf("send speech: %w", err)
		}
		time.Sleep(cfg.pacing)
	}
	speechEnd := time.Now()

	deadline := time.NewTimer(cfg.turnTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(cfg.pacing)
	defer ticker.Stop()

	var res turnResult
	for {
		select {
		case <-ticker.C:
			silence.Timestamp = uint32(time.Now().UnixMilli())
			if err := c.SendAudio(silence); err != nil {
				return turnResult{}, fmt.Errorf("send silence: %w", err)
			}
		case ev, ok := <-c.Events():
			if !ok {
				return turnResult{}, fmt.Errorf("stream closed")
			}
			switch msg := ev.(type) {
			case protocol.TTSChunk:
				if res.firstAudio == 0 {
					res.firstAudio = time.Since(speechEnd)
				}
			case protocol.FinalAssistantAnswer:
				res.finalDone = time.Since(speechEnd)
				res.textOnly = msg.TextOnly
				return res, nil
			case protocol.ErrorEvent:
				if !msg.Retryable {
					return turnResult{}, fmt.Errorf("terminal error code=%s detail=%s", msg.Code, msg.Detail)
				}
				fmt.Fprintf(os.Stderr, "cadence-probe: retryable error code=%s detail=%s\n", msg.Code, msg.Detail)
			}
		case err := <-runDone:
			return turnResult{}, fmt.Errorf("stream ended: %w", err)
		case <-deadline.C:
			return turnResult{}, fmt.Errorf("timeout after %s", cfg.turnTimeout)
		case <-ctx.Done():
			return turnResult{}, ctx.Err()
		}
	}
}

// speechBatch builds one audible batch: a constant-amplitude square tone that
// clears any server energy floor.
func speechBatch(amplitude int) audio.Batch {
	pcm := make([]byte, audio.PayloadBytes)
	for i := 0; i < audio.BatchSamples; i++ {
		v := int16(amplitude)
		if i%2 == 1 {
			v = -v
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return audio.Batch{PCM: pcm}
}

func printSummary(results []turnResult) {
	if len(results) == 0 {
		return
	}
	firsts := make([]time.Duration, 0, len(results))
	finals := make([]time.Duration, 0, len(results))
	for _, r := range results {
		if r.firstAudio > 0 {
			firsts = append(firsts, r.firstAudio)
		}
		finals = append(finals, r.finalDone)
	}
	fmt.Printf("cadence-probe: turns=%d first_audio p50=%s p95=%s final p50=%s p95=%s\n",
		len(results), quantile(firsts, 0.5), quantile(firsts, 0.95), quantile(finals, 0.5), quantile(finals, 0.95))
}

func quantile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
