// The agent binary is the entrypoint of the sandbox container. It reads
// one ContainerInput from stdin, runs the function-calling loop and writes
// exactly one framed ContainerOutput block to stdout. Logs go to stderr.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nanoclaw/nanoclaw/internal/agent"
	"github.com/nanoclaw/nanoclaw/internal/logger"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
)

const maxInputSize = 32 * 1024 * 1024

func main() {
	log, err := logger.New(logger.Config{Level: "info", Format: "text", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	input, err := readInput(os.Stdin)
	if err != nil {
		log.Error("failed to read input", err)
		emit(errOutput(err))
		os.Exit(1)
	}

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		err := fmt.Errorf("GEMINI_API_KEY is not set")
		log.Error("missing credentials", err)
		emit(errOutput(err))
		os.Exit(1)
	}
	client := agent.NewGeminiClient(apiKey, os.Getenv("GEMINI_MODEL"))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("agent starting",
		logger.Field{Key: "group", Value: input.GroupFolder},
		logger.Field{Key: "scheduled", Value: input.IsScheduledTask})

	out := agent.New(client, *input, log).Run(ctx, *input)
	emit(out)

	if out.Status != "success" {
		os.Exit(1)
	}
}

func readInput(r *os.File) (*sandbox.ContainerInput, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	decoder := json.NewDecoder(io.LimitReader(reader, maxInputSize))

	var input sandbox.ContainerInput
	if err := decoder.Decode(&input); err != nil {
		return nil, fmt.Errorf("failed to decode input: %w", err)
	}
	if input.Prompt == "" || input.GroupFolder == "" || input.ChannelID == "" {
		return nil, fmt.Errorf("input missing required fields")
	}
	return &input, nil
}

// emit writes the framed output block. The markers must be the only
// framed pair the host sees from this process.
func emit(out *sandbox.ContainerOutput) {
	data, err := json.Marshal(out)
	if err != nil {
		data = []byte(`{"status":"error","result":null,"error":"failed to marshal output"}`)
	}
	fmt.Println(sandbox.OutputStartMarker)
	fmt.Println(string(data))
	fmt.Println(sandbox.OutputEndMarker)
}

func errOutput(err error) *sandbox.ContainerOutput {
	return &sandbox.ContainerOutput{Status: "error", Error: err.Error()}
}
