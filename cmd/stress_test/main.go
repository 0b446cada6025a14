package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/rl1809/travel-planner/internal/bootstrap"
	"github.com/rl1809/travel-planner/internal/config"
	"github.com/rl1809/travel-planner/internal/core/domain"
	"github.com/rl1809/travel-planner/internal/core/service"
	"github.com/rl1809/travel-planner/internal/logging"
)

type options struct {
	configPath string
	appends    int
	updates    int
	workers    int
	rps        float64
}

func main() {
	var opts options

	cmd := &cobra.Command{
		Use:          "stress_test",
		Short:        "Race appends and same-version updates against the configured store",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if !ok {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML config")
	cmd.Flags().IntVar(&opts.appends, "appends", 50, "concurrent appends to one plan")
	cmd.Flags().IntVar(&opts.updates, "updates", 20, "concurrent updates presenting the same version")
	cmd.Flags().IntVar(&opts.workers, "workers", 10, "worker pool size")
	cmd.Flags().Float64Var(&opts.rps, "rate", 0, "max jobs per second (0 = unlimited)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// job is one unit of work handed to the pool.
type job func(ctx context.Context)

// runPool drains jobs with n workers, pacing dequeues through limiter.
func runPool(ctx context.Context, n int, limiter *rate.Limiter, jobs []job) {
	queue := make(chan job, len(jobs))
	for _, j := range jobs {
		queue <- j
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range queue {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				j(ctx)
			}
		}()
	}
	wg.Wait()
}

func run(ctx context.Context, opts options) (bool, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return false, err
	}
	logger, err := logging.New(cfg.Log, "stress_test")
	if err != nil {
		return false, err
	}
	defer logger.Close()

	cfg.Store.Migrate = true
	store, err := bootstrap.OpenStore(ctx, cfg.Store)
	if err != nil {
		return false, err
	}
	defer store.Close()

	plans := service.NewPlanService(store, logger.Logger)
	items := service.NewItemService(store, nil, bootstrap.RetryPolicy(cfg.EffectiveOrdering()), logger.Logger)

	limit := rate.Inf
	if opts.rps > 0 {
		limit = rate.Limit(opts.rps)
	}
	limiter := rate.NewLimiter(limit, opts.workers)

	appendOK := stressAppends(ctx, plans, items, limiter, opts)
	updateOK := stressUpdates(ctx, plans, limiter, opts)
	return appendOK && updateOK, nil
}

func stressAppends(ctx context.Context, plans *service.PlanService, items *service.ItemService, limiter *rate.Limiter, opts options) bool {
	plan, err := plans.CreatePlan(ctx, service.PlanInput{Title: "stress appends"})
	if err != nil {
		fmt.Printf("FAIL: create plan: %v\n", err)
		return false
	}
	defer plans.DeletePlan(context.Background(), plan.ID)

	var successCount, orderingCount, failCount atomic.Int32
	jobs := make([]job, opts.appends)
	for i := range jobs {
		jobs[i] = func(ctx context.Context) {
			_, err := items.AppendItem(ctx, plan.ID, service.ItemInput{Name: fmt.Sprintf("stop %d", i)}, service.AppendOptions{})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrOrderingConflict):
				orderingCount.Add(1)
			default:
				failCount.Add(1)
			}
		}
	}

	start := time.Now()
	runPool(ctx, opts.workers, limiter, jobs)
	elapsed := time.Since(start)

	listed, err := items.ListItems(ctx, plan.ID)
	if err != nil {
		fmt.Printf("FAIL: list items: %v\n", err)
		return false
	}
	positions := make([]int, 0, len(listed))
	for _, it := range listed {
		positions = append(positions, it.Position)
	}
	sort.Ints(positions)

	fmt.Println("========== APPEND STRESS RESULTS ==========")
	fmt.Printf("Total Appends:      %d\n", opts.appends)
	fmt.Printf("Successful:         %d\n", successCount.Load())
	fmt.Printf("Ordering Conflicts: %d\n", orderingCount.Load())
	fmt.Printf("Failed:             %d\n", failCount.Load())
	fmt.Printf("Duration:           %v\n", elapsed)
	fmt.Println("===========================================")

	ok := true
	if int(successCount.Load()) == opts.appends {
		fmt.Printf("PASS: all %d appends succeeded\n", opts.appends)
	} else {
		fmt.Printf("FAIL: expected %d appends, got %d\n", opts.appends, successCount.Load())
		ok = false
	}

	// Positions must be exactly 1..k for the k appends that succeeded.
	contiguous := len(positions) == int(successCount.Load())
	for i, p := range positions {
		if p != i+1 {
			contiguous = false
			break
		}
	}
	if contiguous {
		fmt.Printf("PASS: positions are 1..%d with no duplicates\n", len(positions))
	} else {
		fmt.Printf("FAIL: positions not contiguous: %v\n", positions)
		ok = false
	}
	return ok
}

func stressUpdates(ctx context.Context, plans *service.PlanService, limiter *rate.Limiter, opts options) bool {
	plan, err := plans.CreatePlan(ctx, service.PlanInput{Title: "stress updates"})
	if err != nil {
		fmt.Printf("FAIL: create plan: %v\n", err)
		return false
	}
	defer plans.DeletePlan(context.Background(), plan.ID)

	var successCount, conflictCount, failCount atomic.Int32
	jobs := make([]job, opts.updates)
	for i := range jobs {
		jobs[i] = func(ctx context.Context) {
			title := fmt.Sprintf("writer %d", i)
			_, err := plans.UpdatePlan(ctx, plan.ID, plan.Version, domain.PlanPatch{Title: &title})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrVersionConflict):
				conflictCount.Add(1)
			default:
				failCount.Add(1)
			}
		}
	}

	start := time.Now()
	runPool(ctx, opts.workers, limiter, jobs)
	elapsed := time.Since(start)

	final, _, err := plans.GetPlan(ctx, plan.ID)
	if err != nil {
		fmt.Printf("FAIL: get plan: %v\n", err)
		return false
	}

	fmt.Println("========== UPDATE STRESS RESULTS ==========")
	fmt.Printf("Total Updates:      %d\n", opts.updates)
	fmt.Printf("Successful:         %d\n", successCount.Load())
	fmt.Printf("Version Conflicts:  %d\n", conflictCount.Load())
	fmt.Printf("Failed:             %d\n", failCount.Load())
	fmt.Printf("Final Version:      %d\n", final.Version)
	fmt.Printf("Duration:           %v\n", elapsed)
	fmt.Println("===========================================")

	ok := true
	if successCount.Load() == 1 && int(conflictCount.Load()) == opts.updates-1 {
		fmt.Printf("PASS: exactly 1 update succeeded, %d conflicted\n", opts.updates-1)
	} else {
		fmt.Printf("FAIL: expected 1 success/%d conflicts, got %d/%d\n",
			opts.updates-1, successCount.Load(), conflictCount.Load())
		ok = false
	}
	if final.Version == plan.Version+1 {
		fmt.Printf("PASS: version advanced to %d\n", final.Version)
	} else {
		fmt.Printf("FAIL: expected version %d, got %d\n", plan.Version+1, final.Version)
		ok = false
	}
	return ok
}
