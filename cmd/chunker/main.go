package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/Sher110106/resilient-transfer/internal/chunker"
	"github.com/Sher110106/resilient-transfer/internal/fec"
)

func main() {
	chunkSize := flag.Int("chunk-size", 524288, "Bytes per data shard (default: 512 KiB)")
	dataShards := flag.Int("data-shards", 50, "Data shards per stripe")
	parityShards := flag.Int("parity-shards", 0, "Fixed parity shards per stripe (0 = adaptive policy defaults)")
	output := flag.String("output", "", "Output manifest to file (default: stdout)")
	pretty := flag.Bool("pretty", true, "Pretty-print JSON output")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: chunker [options] <file_path>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	filePath := flag.Arg(0)

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error: File not found: %s\n", filePath)
		os.Exit(2)
	}

	fmt.Fprintf(os.Stderr, "Processing file: %s\n", filePath)

	opts := chunker.Options{
		ChunkSize:  *chunkSize,
		DataShards: *dataShards,
		Priority:   chunker.PriorityNormal,
	}

	var parity chunker.ParitySource
	if *parityShards > 0 {
		parity = chunker.FixedParity(*parityShards)
	} else {
		parity = fec.NewAdaptivePolicy(fec.DefaultPolicyConfig())
	}

	manifest, stripes, chunks, err := chunker.Split(filePath, opts, parity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error splitting file: %v\n", err)
		os.Exit(3)
	}

	fmt.Fprintf(os.Stderr, "File size: %d bytes\n", manifest.TotalBytes)
	fmt.Fprintf(os.Stderr, "Chunk size: %d bytes\n", manifest.ChunkSize)
	fmt.Fprintf(os.Stderr, "Chunks: %d (data=%d parity=%d)\n", manifest.TotalChunks, manifest.DataChunks, manifest.ParityChunks)
	fmt.Fprintf(os.Stderr, "Stripes: %d\n\n", len(stripes))

	manifestBytes, err := chunker.MarshalManifest(manifest, stripes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error serializing manifest: %v\n", err)
		os.Exit(4)
	}

	var jsonData []byte
	if *pretty {
		var v interface{}
		_ = json.Unmarshal(manifestBytes, &v)
		jsonData, err = json.MarshalIndent(v, "", "  ")
	} else {
		jsonData = manifestBytes
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error formatting manifest: %v\n", err)
		os.Exit(4)
	}
	_ = chunks // chunks are only needed by the sender's transport layer, not this inspection tool

	if *output != "" {
		if err := os.WriteFile(*output, jsonData, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing to file: %v\n", err)
			os.Exit(5)
		}
		fmt.Fprintf(os.Stderr, "Manifest written to: %s\n", *output)
	} else {
		fmt.Println(string(jsonData))
	}
}
