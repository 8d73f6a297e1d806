package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfluke/nssm/detector"
	"github.com/openfluke/nssm/gpu"
	"github.com/openfluke/nssm/imageproc"
	"github.com/openfluke/nssm/nn"
	"github.com/openfluke/nssm/vae"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nssm",
		Short: "Encode and decode frame sequences with neural state-space model components",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	cobra.EnableCommandSorting = false

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the layers of a model config",
		Args:  cobra.NoArgs,
		RunE:  InspectHandler,
	}
	inspectCmd.Flags().String("config", "", "Model config (JSON)")
	inspectCmd.Flags().Int("dim", 0, "Encoder input frame size (default: decoder dim)")
	inspectCmd.Flags().Int("rows", 1, "Latent rows for the decoder summary")
	_ = inspectCmd.MarkFlagRequired("config")

	convertCmd := &cobra.Command{
		Use:   "convert IN OUT",
		Short: "Convert a PyTorch or safetensors state dict to safetensors",
		Args:  cobra.ExactArgs(2),
		RunE:  ConvertHandler,
	}
	convertCmd.Flags().String("dtype", "F32", "Output dtype (F32, F16 or BF16)")

	encodeCmd := &cobra.Command{
		Use:   "encode FRAME...",
		Short: "Infer the initial latent state from the first frames of a sequence",
		Args:  cobra.MinimumNArgs(1),
		RunE:  EncodeHandler,
	}
	encodeCmd.Flags().String("config", "", "Model config (JSON)")
	encodeCmd.Flags().String("weights", "", "Encoder weights (.safetensors, .pt or .pth)")
	encodeCmd.Flags().String("prefix", "", "State dict prefix of the encoder weights")
	encodeCmd.Flags().Int("dim", 32, "Frame size the images are resized to")
	_ = encodeCmd.MarkFlagRequired("config")

	decodeCmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode latent states to PNG frames",
		Args:  cobra.NoArgs,
		RunE:  DecodeHandler,
	}
	decodeCmd.Flags().String("config", "", "Model config (JSON)")
	decodeCmd.Flags().String("weights", "", "Decoder weights (.safetensors, .pt or .pth)")
	decodeCmd.Flags().String("prefix", "", "State dict prefix of the decoder weights")
	decodeCmd.Flags().String("latents", "", "Latent states, a JSON array of T arrays of latent_dim numbers")
	decodeCmd.Flags().String("out", ".", "Output directory")
	decodeCmd.Flags().Int("scale", 1, "Upscale factor for the written frames")
	decodeCmd.Flags().Bool("grid", false, "Also write all frames tiled into grid.png")
	_ = decodeCmd.MarkFlagRequired("config")
	_ = decodeCmd.MarkFlagRequired("latents")

	deviceCmd := &cobra.Command{
		Use:   "device",
		Short: "Query the WebGPU adapter",
		Args:  cobra.NoArgs,
		RunE:  DeviceHandler,
	}
	deviceCmd.Flags().Bool("json", false, "Print the report as JSON")
	deviceCmd.Flags().Int("num-filters", 32, "Decoder filter count used for the batch recommendation")

	rootCmd.AddCommand(
		inspectCmd,
		convertCmd,
		encodeCmd,
		decodeCmd,
		deviceCmd,
	)

	return rootCmd
}

func InspectHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dim, _ := cmd.Flags().GetInt("dim")
	if dim <= 0 {
		dim = cfg.Decoder.Dim
	}
	rows, _ := cmd.Flags().GetInt("rows")

	enc, err := vae.NewLatentStateEncoder(cfg.Encoder)
	if err != nil {
		return err
	}
	dec, err := vae.NewEmissionDecoder(cfg.Decoder)
	if err != nil {
		return err
	}

	encStages, err := enc.Stages([]int{1, cfg.Encoder.InputChannels(), dim, dim})
	if err != nil {
		return fmt.Errorf("encoder at %dx%d: %w", dim, dim, err)
	}
	decStages, err := dec.Stages(rows)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "LatentStateEncoder (%d parameters)\n", enc.NumParameters())
	renderStages(out, encStages)
	fmt.Fprintf(out, "\nEmissionDecoder (%d parameters)\n", dec.NumParameters())
	renderStages(out, decStages)
	return nil
}

func ConvertHandler(cmd *cobra.Command, args []string) error {
	dtype, _ := cmd.Flags().GetString("dtype")
	dtype = strings.ToUpper(dtype)

	sd, err := loadWeights(args[0])
	if err != nil {
		return err
	}
	if err := nn.SaveSafetensors(args[1], sd, dtype); err != nil {
		return err
	}
	slog.Info("converted state dict", "in", args[0], "out", args[1], "tensors", len(sd), "dtype", dtype)
	return nil
}

func EncodeHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dim, _ := cmd.Flags().GetInt("dim")

	need := cfg.Encoder.ZAmort
	if len(args) < need {
		return fmt.Errorf("encoder reads %d frames, got %d", need, len(args))
	}
	x, err := imageproc.LoadSequence(args[:need], dim, cfg.Encoder.NumChannels)
	if err != nil {
		return err
	}

	accel, release := openAccelerator()
	defer release()
	enc, err := vae.NewLatentStateEncoder(cfg.Encoder, vae.WithAccelerator(accel))
	if err != nil {
		return err
	}
	if err := loadComponent(cmd, enc); err != nil {
		return err
	}

	z, err := enc.Forward(cmd.Context(), x)
	if err != nil {
		return err
	}

	e := json.NewEncoder(cmd.OutOrStdout())
	return e.Encode(z.Data)
}

// openAccelerator picks the device from NSSM_DEVICE. The release func frees
// compiled GPU kernels and is a no-op on the CPU.
func openAccelerator() (nn.Accelerator, func()) {
	accel := gpu.FromEnv()
	if a, ok := accel.(*gpu.Accelerator); ok {
		return a, a.Close
	}
	return accel, func() {}
}

func DecodeHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	latentsPath, _ := cmd.Flags().GetString("latents")
	outDir, _ := cmd.Flags().GetString("out")
	scale, _ := cmd.Flags().GetInt("scale")
	grid, _ := cmd.Flags().GetBool("grid")
	if scale < 1 {
		return fmt.Errorf("scale must be at least 1, got %d", scale)
	}

	z, err := readLatents(latentsPath, cfg.Decoder.LatentDim)
	if err != nil {
		return err
	}

	accel, release := openAccelerator()
	defer release()
	dec, err := vae.NewEmissionDecoder(cfg.Decoder, vae.WithAccelerator(accel))
	if err != nil {
		return err
	}
	if err := loadComponent(cmd, dec); err != nil {
		return err
	}

	frames, err := dec.Forward(cmd.Context(), z)
	if err != nil {
		return err
	}
	imgs, err := imageproc.FromTensor(frames)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for i, img := range imgs {
		var out image.Image = img
		if scale > 1 {
			out = imageproc.Resize(img, cfg.Decoder.Dim*scale)
		}
		if err := imageproc.SavePNG(filepath.Join(outDir, fmt.Sprintf("frame_%03d.png", i)), out); err != nil {
			return err
		}
	}
	if grid {
		if err := imageproc.SavePNG(filepath.Join(outDir, "grid.png"), imageproc.Tile(imgs, 10)); err != nil {
			return err
		}
	}
	slog.Info("decoded frames", "count", len(imgs), "out", outDir)
	return nil
}

func DeviceHandler(cmd *cobra.Command, args []string) error {
	numFilters, _ := cmd.Flags().GetInt("num-filters")
	asJSON, _ := cmd.Flags().GetBool("json")

	if asJSON {
		s, err := detector.DetectJSON(numFilters)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s)
		return nil
	}

	rep, err := detector.Detect(numFilters)
	if err != nil {
		return err
	}
	renderTable(cmd.OutOrStdout(), []string{"PROPERTY", "VALUE"}, rep.Rows())
	return nil
}

func loadConfig(cmd *cobra.Command) (*vae.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return vae.LoadConfig(path)
}

// loadWeights reads a state dict, choosing the format by extension.
func loadWeights(path string) (nn.StateDict, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pt", ".pth", ".bin":
		return nn.LoadTorch(path)
	case ".safetensors":
		return nn.LoadSafetensors(path)
	default:
		return nil, fmt.Errorf("%s: unknown weights format, want .safetensors, .pt or .pth", path)
	}
}

// loadComponent applies --weights and --prefix to c. Without weights the
// randomly initialized parameters are kept.
func loadComponent(cmd *cobra.Command, c vae.Component) error {
	path, _ := cmd.Flags().GetString("weights")
	prefix, _ := cmd.Flags().GetString("prefix")
	if path == "" {
		slog.Warn("no --weights given, using randomly initialized parameters")
		return nil
	}

	sd, err := loadWeights(path)
	if err != nil {
		return err
	}
	if err := c.LoadStateDict(sd.Sub(prefix)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	slog.Debug("loaded weights", "path", path, "prefix", prefix, "tensors", len(sd))
	return nil
}

// readLatents parses a JSON [T][L] array into a [1, T, L] tensor.
func readLatents(path string, latentDim int) (*nn.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseLatents(f, latentDim)
}

func parseLatents(r io.Reader, latentDim int) (*nn.Tensor, error) {
	var rows [][]float32
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("latents: %w", err)
	}
	if len(rows) == 0 {
		return nil, errors.New("latents: no rows")
	}

	data := make([]float32, 0, len(rows)*latentDim)
	for i, row := range rows {
		if len(row) != latentDim {
			return nil, fmt.Errorf("latents: row %d has %d values, want %d", i, len(row), latentDim)
		}
		data = append(data, row...)
	}
	return nn.FromSlice(data, 1, len(rows), latentDim)
}
