package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/warpgrid/warpgrid/internal/ces"
	"github.com/warpgrid/warpgrid/internal/manifest"
	"github.com/warpgrid/warpgrid/internal/transport"
)

// shardManifest is the JSON summary emitted after a CES pass.
type shardManifest struct {
	FileHash     string   `json:"file_hash"`
	FileSize     int      `json:"file_size"`
	DataShards   int      `json:"data_shards"`
	ParityShards int      `json:"parity_shards"`
	ShardSize    int      `json:"shard_size"`
	ShardIDs     []uint64 `json:"shard_ids"`
}

func main() {
	k := flag.Int("k", 8, "data shard count")
	m := flag.Int("m", 4, "parity shard count")
	algorithm := flag.String("algorithm", "zstd", "compression algorithm: zstd, brotli, none")
	keystorePath := flag.String("keystore", "", "write the content key here (encrypted with -passphrase)")
	passphrase := flag.String("passphrase", "", "keystore passphrase")
	outDir := flag.String("out", "", "write shards to this directory (default: discard)")
	pretty := flag.Bool("pretty", true, "pretty-print the JSON manifest")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: cesctl [options] <file_path>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	filePath := flag.Arg(0)
	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read %s: %v\n", filePath, err)
		os.Exit(2)
	}

	var alg ces.Algorithm
	switch *algorithm {
	case "zstd":
		alg = ces.AlgorithmZstd
	case "brotli":
		alg = ces.AlgorithmBrotli
	case "none":
		alg = ces.AlgorithmNone
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown algorithm %q\n", *algorithm)
		os.Exit(1)
	}

	pipeline, err := ces.NewPipeline(ces.Config{
		DataShards:   *k,
		ParityShards: *m,
		Algorithm:    alg,
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(3)
	}

	shards, err := pipeline.Process(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: pipeline failed: %v\n", err)
		os.Exit(3)
	}

	if *keystorePath != "" {
		if err := ces.SaveKey(pipeline.Key(), *keystorePath, *passphrase); err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot save key: %v\n", err)
			os.Exit(3)
		}
		fmt.Fprintf(os.Stderr, "Content key saved to %s\n", *keystorePath)
	} else {
		fmt.Fprintln(os.Stderr, "Warning: content key discarded; pass -keystore to keep it")
	}

	out := shardManifest{
		FileHash:     manifest.HashBlob(data),
		FileSize:     len(data),
		DataShards:   *k,
		ParityShards: *m,
		ShardSize:    len(shards[0]),
	}
	for i, shard := range shards {
		out.ShardIDs = append(out.ShardIDs, uint64(transport.ChunkIDFor(shard)))
		if *outDir != "" {
			path := fmt.Sprintf("%s/shard-%03d.bin", *outDir, i)
			if err := os.WriteFile(path, shard, 0644); err != nil {
				fmt.Fprintf(os.Stderr, "Error: cannot write %s: %v\n", path, err)
				os.Exit(3)
			}
		}
	}

	var jsonData []byte
	if *pretty {
		jsonData, err = json.MarshalIndent(out, "", "  ")
	} else {
		jsonData, err = json.Marshal(out)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot marshal manifest: %v\n", err)
		os.Exit(3)
	}
	fmt.Println(string(jsonData))
}
