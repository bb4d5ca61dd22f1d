package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/23skdu/arbalest/internal/gguf"
	"github.com/23skdu/arbalest/internal/logger"
)

var (
	tensors  = flag.Bool("tensors", false, "list every tensor")
	metadata = flag.Bool("kv", false, "dump all metadata keys")
)

func human(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}

func run(path string) error {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r := f.Analyze()
	fmt.Printf("file:          %s\n", path)
	fmt.Printf("format:        version %d\n", f.Header.Version)
	fmt.Printf("architecture:  %s\n", r.Architecture)
	if r.ModelName != "" {
		fmt.Printf("name:          %s\n", r.ModelName)
	}
	fmt.Printf("layers:        %d\n", r.Layers)
	fmt.Printf("embedding:     %d\n", r.EmbeddingDim)
	fmt.Printf("feed forward:  %d\n", r.HiddenDim)
	fmt.Printf("heads:         %d (kv %d)\n", r.AttentionHeads, r.KVHeads)
	fmt.Printf("context:       %d\n", r.ContextLength)
	fmt.Printf("vocabulary:    %d\n", r.VocabSize)
	fmt.Printf("parameters:    %d\n", r.TotalParameters)
	fmt.Printf("tensor bytes:  %s in %d tensors\n", human(r.TensorBytes), r.TensorCount)
	fmt.Printf("decodable:     %v\n", f.Decodable())

	fmt.Println("encodings:")
	for _, name := range r.EncodingNames {
		fmt.Printf("  %-10s %d\n", name, r.Encodings[name])
	}

	if *metadata {
		keys := make([]string, 0, len(f.KV))
		for k := range f.KV {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("metadata:")
		for _, k := range keys {
			v := f.KV[k]
			switch vv := v.(type) {
			case []string:
				fmt.Printf("  %s: [%d strings]\n", k, len(vv))
			case []float32:
				fmt.Printf("  %s: [%d float32]\n", k, len(vv))
			case []int32:
				fmt.Printf("  %s: [%d int32]\n", k, len(vv))
			default:
				fmt.Printf("  %s: %v\n", k, v)
			}
		}
	}

	if *tensors {
		fmt.Println("tensors:")
		for _, t := range f.Tensors {
			fmt.Printf("  %-40s %-8s %v  %s\n",
				t.Name, t.Encoding, t.Dimensions, human(int64(t.SizeBytes())))
		}
	}
	return nil
}

func main() {
	flag.Parse()
	logger.Setup("warn", "console")
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: inspect [flags] <model-file>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if err := run(flag.Arg(0)); err != nil {
		fmt.Fprintln(os.Stderr, "inspect:", err)
		os.Exit(1)
	}
}
