// Package main provides the vkinfer demo CLI entry point.
package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orneryd/vkinfer/pkg/engineconfig"
	"github.com/orneryd/vkinfer/pkg/gguf"
	"github.com/orneryd/vkinfer/pkg/gpu/device"
	"github.com/orneryd/vkinfer/pkg/gpu/metrics"
	"github.com/orneryd/vkinfer/pkg/model"

	"github.com/prometheus/client_golang/prometheus"
)

var version = "0.1.0"

// containerFile is the JSON shape the CLI reads in place of a real
// container-format parser (spec.md's "out of scope" boundary: this
// program consumes an already-parsed {metadata, tensors} payload, not
// a .gguf file).
type containerFile struct {
	Metadata map[string]json.Number `json:"metadata"`
	Tensors  []struct {
		Name       string   `json:"name"`
		Dimensions []uint64 `json:"dimensions"`
		DType      string   `json:"dtype"`
		Raw        string   `json:"raw"` // base64
	} `json:"tensors"`
}

func loadContainer(path string) (gguf.Metadata, *gguf.Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading container file: %w", err)
	}
	var cf containerFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, nil, fmt.Errorf("parsing container file: %w", err)
	}

	meta := make(gguf.Metadata, len(cf.Metadata))
	for k, v := range cf.Metadata {
		if f, err := v.Float64(); err == nil && strings.Contains(v.String(), ".") {
			meta[k] = float32(f)
			continue
		}
		n, err := v.Int64()
		if err != nil {
			return nil, nil, fmt.Errorf("metadata key %s: %w", k, err)
		}
		meta[k] = uint32(n)
	}

	descs := make([]gguf.TensorDescriptor, 0, len(cf.Tensors))
	for _, t := range cf.Tensors {
		body, err := base64.StdEncoding.DecodeString(t.Raw)
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %s: decoding raw bytes: %w", t.Name, err)
		}
		dtype, err := parseDType(t.DType)
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		descs = append(descs, gguf.TensorDescriptor{
			Name: t.Name, Dimensions: t.Dimensions, DType: dtype, Raw: body,
		})
	}
	return meta, gguf.NewCatalog(descs), nil
}

func parseDType(s string) (gguf.TensorDType, error) {
	switch strings.ToLower(s) {
	case "fp32", "f32":
		return gguf.DTypeFP32, nil
	case "fp16", "f16":
		return gguf.DTypeFP16, nil
	case "q8_0":
		return gguf.DTypeQ8_0, nil
	default:
		return 0, fmt.Errorf("unrecognized dtype %q", s)
	}
}

func parseTokens(s string) ([]uint32, error) {
	if s == "" {
		return nil, fmt.Errorf("no tokens given")
	}
	parts := strings.Split(s, ",")
	out := make([]uint32, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("token %q: %w", p, err)
		}
		out[i] = uint32(n)
	}
	return out, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "vkinfer",
		Short: "vkinfer - GPU-accelerated transformer inference engine",
		Long: `vkinfer runs decoder-only transformer inference (LLaMA-family
architectures) over a suballocated device heap, compute pipelines and
command buffers, with a simulated backend standing in for Vulkan.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vkinfer v%s\n", version)
		},
	})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Load a pre-parsed container and print logits for a token list",
		RunE:  runInfer,
	}
	runCmd.Flags().String("container", "", "path to a JSON {metadata,tensors} container file (required)")
	runCmd.Flags().String("arch", "llama", "architecture metadata key prefix")
	runCmd.Flags().String("config", "", "path to an engineconfig YAML file")
	runCmd.Flags().String("tokens", "", "comma-separated token ids to evaluate, e.g. 1,2,3")
	runCmd.Flags().Uint64("past-length", 0, "KV-cache position to evaluate from")
	_ = runCmd.MarkFlagRequired("container")
	_ = runCmd.MarkFlagRequired("tokens")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runInfer(cmd *cobra.Command, args []string) error {
	containerPath, _ := cmd.Flags().GetString("container")
	arch, _ := cmd.Flags().GetString("arch")
	configPath, _ := cmd.Flags().GetString("config")
	tokensFlag, _ := cmd.Flags().GetString("tokens")
	pastLength, _ := cmd.Flags().GetUint64("past-length")

	cfg, err := engineconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tokens, err := parseTokens(tokensFlag)
	if err != nil {
		return fmt.Errorf("parsing --tokens: %w", err)
	}

	meta, catalog, err := loadContainer(containerPath)
	if err != nil {
		return err
	}

	dev, err := device.Open(cfg.DeviceIndex)
	if err != nil {
		return fmt.Errorf("opening device %d: %w", cfg.DeviceIndex, err)
	}
	defer dev.Close()
	logrus.WithField("device", dev.Name()).Info("device opened")

	var collectors *metrics.Collectors
	if cfg.MetricsEnabled {
		collectors = metrics.New(prometheus.DefaultRegisterer)
	}

	m, err := model.New(dev, arch, meta, catalog, cfg, collectors)
	if err != nil {
		return fmt.Errorf("building model: %w", err)
	}
	defer m.Close()

	logits, err := m.Step(tokens, pastLength)
	if err != nil {
		return fmt.Errorf("step: %w", err)
	}

	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	fmt.Printf("vocab=%d top_token=%d top_logit=%.6f\n", len(logits), best, logits[best])
	for i, v := range logits {
		fmt.Printf("  [%d] %.6f\n", i, v)
	}
	return nil
}
