package main

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/mords94/OPS/pkg/config"
	"github.com/mords94/OPS/pkg/core/dtypes"
	"github.com/mords94/OPS/pkg/ops"
	"github.com/mords94/OPS/pkg/transport/local"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

type heatOptions struct {
	Ranks    int
	Size     []int
	Steps    int
	Config   string
	Progress bool
}

func newHeatCommand() *cobra.Command {
	opts := &heatOptions{}
	cmd := &cobra.Command{
		Use:   "heat",
		Short: "Jacobi iterations of the 2D heat equation",
		Long: `Runs Jacobi iterations of the 2D heat equation on a plate whose x=0 edge is held
at temperature 1, distributed over --ranks in-process ranks.

The residual of each iteration is a global reduction: with a [checkpoint] section in
--config the residuals are recorded, or replayed from a previous run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := runHeat(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			res.report(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Ranks, "ranks", 4, "number of ranks")
	cmd.Flags().IntSliceVar(&opts.Size, "size", []int{64, 64}, "size of the plate, X,Y")
	cmd.Flags().IntVar(&opts.Steps, "steps", 100, "number of Jacobi iterations")
	cmd.Flags().StringVar(&opts.Config, "config", "", "TOML runtime configuration")
	cmd.Flags().BoolVar(&opts.Progress, "progress", true, "display a progress bar")
	return cmd
}

// heatResult is what rank 0 observed.
type heatResult struct {
	Ranks     int
	Residuals []float64
	Total     float64
	Stats     []ops.KernelStats
	Replayed  int
	Elapsed   time.Duration
}

func runHeat(opts *heatOptions, progress io.Writer) (*heatResult, error) {
	if opts.Ranks < 1 {
		return nil, errors.Errorf("--ranks must be >= 1, got %d", opts.Ranks)
	}
	if len(opts.Size) != 2 || opts.Size[0] < 3 || opts.Size[1] < 3 {
		return nil, errors.Errorf("--size must be X,Y with both >= 3, got %v", opts.Size)
	}
	if opts.Steps < 0 {
		return nil, errors.Errorf("--steps must be >= 0, got %d", opts.Steps)
	}
	cfg := config.Default()
	if opts.Config != "" {
		var err error
		cfg, err = config.Load(opts.Config)
		if err != nil {
			return nil, err
		}
	}

	res := &heatResult{Ranks: opts.Ranks}
	var bar *progressbar.ProgressBar
	if opts.Progress {
		bar = progressbar.NewOptions(opts.Steps,
			progressbar.OptionSetDescription("heat"),
			progressbar.OptionSetWriter(progress),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionClearOnFinish(),
		)
	}
	start := time.Now()
	world := local.NewWorld(opts.Ranks, local.WithTimeout(cfg.Timeout))
	err := world.Run(func(p *local.Process) error {
		options, checkpoint, err := cfg.Options(p.Rank())
		if err != nil {
			return err
		}
		if checkpoint != nil {
			defer func() { _ = checkpoint.Close() }()
		}
		inst, err := ops.New(p, options...)
		if err != nil {
			return err
		}
		plate, err := newHeatPlate(inst, opts.Size[0], opts.Size[1], cfg)
		if err != nil {
			return err
		}
		for range opts.Steps {
			residual, err := plate.step()
			if err != nil {
				return err
			}
			if inst.Rank() == 0 {
				res.Residuals = append(res.Residuals, residual)
				if bar != nil {
					_ = bar.Add(1)
				}
			}
		}
		if err := inst.NaNCheck(plate.u); err != nil {
			return err
		}
		total, err := plate.total()
		if err != nil {
			return err
		}
		if err := checkpoint.Save(); err != nil {
			return err
		}
		if inst.Rank() == 0 {
			res.Total = total
			res.Stats = inst.KernelStats()
			if checkpoint != nil {
				res.Replayed = checkpoint.Replayed()
			}
		}
		return inst.Exit()
	})
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start)
	klog.V(1).Infof("heat: %d steps on %d ranks in %s", opts.Steps, opts.Ranks, res.Elapsed)
	return res, nil
}

// heatPlate holds the datasets and kernels of one rank.
type heatPlate struct {
	inst         *ops.Instance
	block        *ops.Block
	u, next      *ops.Dat
	cross        *ops.Stencil
	residual     *ops.Reduction
	sum          *ops.Reduction
	interior     []int
	sizeX, sizeY int
}

func newHeatPlate(inst *ops.Instance, sizeX, sizeY int, cfg config.Config) (*heatPlate, error) {
	h := &heatPlate{inst: inst, sizeX: sizeX, sizeY: sizeY, interior: []int{1, sizeX - 1, 1, sizeY - 1}}
	var err error
	h.block, err = inst.DeclBlock(2, "plate")
	if err != nil {
		return nil, err
	}
	initial := make([]float64, sizeX*sizeY)
	for y := range sizeY {
		initial[y*sizeX] = 1
	}
	h.u, err = inst.DeclDat(h.block, ops.DatSpec{
		Name: "u", DType: dtypes.Float64, Size: []int{sizeX, sizeY},
		HaloMinus: []int{1, 1}, HaloPlus: []int{1, 1},
		Data: dtypes.AsBytes(initial),
	})
	if err != nil {
		return nil, err
	}
	h.next, err = inst.DeclDat(h.block, ops.DatSpec{
		Name: "next", DType: dtypes.Float64, Size: []int{sizeX, sizeY},
		Data: dtypes.AsBytes(initial),
	})
	if err != nil {
		return nil, err
	}
	h.cross, err = inst.DeclStencil(2, [][]int{{0, 0}, {-1, 0}, {1, 0}, {0, -1}, {0, 1}}, "cross")
	if err != nil {
		return nil, err
	}
	h.residual, err = inst.DeclReduction("residual", dtypes.Float64, 1)
	if err != nil {
		return nil, err
	}
	h.sum, err = inst.DeclReduction("total", dtypes.Float64, 1)
	if err != nil {
		return nil, err
	}
	if err = inst.Partition(cfg.PartitionOptions()...); err != nil {
		return nil, err
	}
	return h, nil
}

func jacobiKernel(k *ops.Kernel) error {
	u := ops.MustView[float64](k.Arg(0).Dat)
	next := ops.MustView[float64](k.Arg(1).Dat)
	residual := ops.PartialAs[float64](k.Arg(2))
	k.ForEach(func(idx []int) {
		x, y := idx[0], idx[1]
		v := 0.25 * (u.At(x-1, y) + u.At(x+1, y) + u.At(x, y-1) + u.At(x, y+1))
		diff := v - u.At(x, y)
		residual[0] += diff * diff
		next.Set(v, x, y)
	})
	return nil
}

func copyKernel(k *ops.Kernel) error {
	from := ops.MustView[float64](k.Arg(0).Dat)
	to := ops.MustView[float64](k.Arg(1).Dat)
	k.ForEach(func(idx []int) { to.Set(from.At(idx...), idx...) })
	return nil
}

func sumKernel(k *ops.Kernel) error {
	u := ops.MustView[float64](k.Arg(0).Dat)
	total := ops.PartialAs[float64](k.Arg(1))
	k.ForEach(func(idx []int) { total[0] += u.At(idx...) })
	return nil
}

// step enqueues one Jacobi iteration and returns the L2 norm of the update.
func (h *heatPlate) step() (float64, error) {
	err := h.inst.ParLoop("jacobi", h.block, h.interior, jacobiKernel,
		ops.ArgDat(h.u, h.cross, ops.AccessRead),
		ops.ArgDat(h.next, nil, ops.AccessWrite),
		ops.ArgReduce(h.residual, ops.AccessInc))
	if err != nil {
		return 0, err
	}
	err = h.inst.ParLoop("copy", h.block, h.interior, copyKernel,
		ops.ArgDat(h.next, nil, ops.AccessRead),
		ops.ArgDat(h.u, nil, ops.AccessWrite))
	if err != nil {
		return 0, err
	}
	residual, err := ops.ReductionResultAs[float64](h.inst, h.residual)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(residual[0]), nil
}

// total returns the sum of the temperatures of the whole plate.
func (h *heatPlate) total() (float64, error) {
	err := h.inst.ParLoop("total", h.block, nil, sumKernel,
		ops.ArgDat(h.u, nil, ops.AccessRead),
		ops.ArgReduce(h.sum, ops.AccessInc))
	if err != nil {
		return 0, err
	}
	total, err := ops.ReductionResultAs[float64](h.inst, h.sum)
	if err != nil {
		return 0, err
	}
	return total[0], nil
}

func (res *heatResult) report(w io.Writer) {
	table := newPlainTable(lipgloss.Left, lipgloss.Right)
	table.Row("ranks", humanize.Comma(int64(res.Ranks)))
	table.Row("steps", humanize.Comma(int64(len(res.Residuals))))
	if len(res.Residuals) > 0 {
		table.Row("final residual", fmt.Sprintf("%.6g", res.Residuals[len(res.Residuals)-1]))
	}
	table.Row("total heat", fmt.Sprintf("%.6g", res.Total))
	if res.Replayed > 0 {
		table.Row("replayed reductions", humanize.Comma(int64(res.Replayed)))
	}
	table.Row("elapsed", res.Elapsed.Round(time.Millisecond).String())
	must.M1(fmt.Fprintln(w, titleStyle.Render("Heat")))
	must.M1(fmt.Fprintln(w, table.Render()))

	table = newPlainTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Kernel", "Calls", "Time", "Time/call", "Halo bytes")
	for _, s := range res.Stats {
		perCall := time.Duration(0)
		if s.Count > 0 {
			perCall = s.Time / time.Duration(s.Count)
		}
		table.Row(s.Name,
			humanize.Comma(int64(s.Count)),
			s.Time.Round(time.Microsecond).String(),
			perCall.Round(time.Microsecond).String(),
			humanize.Bytes(uint64(s.HaloBytes)))
	}
	must.M1(fmt.Fprintln(w, titleStyle.Render("Kernels (rank 0)")))
	must.M1(fmt.Fprintln(w, table.Render()))
}
