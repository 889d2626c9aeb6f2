// Package loadtest simulates concurrent clients against a remote store.
//
// Each simulated client signs in as its own owner and runs a mix of
// inserts, selects, updates and deletes, the way the Item Store does when
// online. Latencies are recorded per operation, and the run finishes by
// checking that no client can see or mutate another client's rows.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/todo"
)

// Operation names used as Report keys.
const (
	OpInsert = "insert"
	OpSelect = "select"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Ops lists the operations in report order.
var Ops = []string{OpInsert, OpSelect, OpUpdate, OpDelete}

// Options configures a run.
type Options struct {
	// Clients is the number of concurrent simulated clients (default: 10)
	Clients int

	// OpsPerClient is the number of operations each client performs (default: 50)
	OpsPerClient int

	// OwnerPrefix names the simulated owners, "<prefix>-<n>" (default: "load")
	OwnerPrefix string

	// Seed makes the operation mix reproducible (default: 42)
	Seed int64
}

func (o Options) withDefaults() Options {
	if o.Clients < 1 {
		o.Clients = 10
	}
	if o.OpsPerClient < 1 {
		o.OpsPerClient = 50
	}
	if o.OwnerPrefix == "" {
		o.OwnerPrefix = "load"
	}
	if o.Seed == 0 {
		o.Seed = 42
	}
	return o
}

// LatencyStats captures performance metrics for one operation.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report is the outcome of a run.
type Report struct {
	ByOp     map[string]*LatencyStats
	Errors   []error
	Elapsed  time.Duration
	Clients  int
	Isolated bool
}

// Total returns the number of operations that completed.
func (r *Report) Total() int {
	n := 0
	for _, s := range r.ByOp {
		n += s.Count
	}
	return n
}

type sample struct {
	op string
	d  time.Duration
}

// Run simulates opts.Clients concurrent clients against store.
func Run(ctx context.Context, store remote.Store, opts Options) (*Report, error) {
	opts = opts.withDefaults()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		samples []sample
		errs    []error
	)

	start := time.Now()
	for i := 0; i < opts.Clients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			owner := fmt.Sprintf("%s-%d", opts.OwnerPrefix, clientID)
			rng := rand.New(rand.NewSource(opts.Seed + int64(clientID)))

			local, err := runClient(ctx, store, owner, opts.OpsPerClient, rng)

			mu.Lock()
			samples = append(samples, local...)
			if err != nil {
				errs = append(errs, fmt.Errorf("client %d: %w", clientID, err))
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	report := &Report{
		ByOp:    computeStats(samples),
		Errors:  errs,
		Elapsed: time.Since(start),
		Clients: opts.Clients,
	}
	if len(samples) == 0 {
		return report, fmt.Errorf("no operations completed")
	}

	isolated, err := VerifyIsolation(ctx, store, opts)
	if err != nil {
		return report, err
	}
	report.Isolated = isolated
	return report, nil
}

// runClient performs n operations as owner. The first operation is always
// an insert so later ones have a row to work on.
func runClient(ctx context.Context, store remote.Store, owner string, n int, rng *rand.Rand) ([]sample, error) {
	samples := make([]sample, 0, n)
	var ids []string

	timed := func(op string, fn func() error) error {
		start := time.Now()
		err := fn()
		samples = append(samples, sample{op: op, d: time.Since(start)})
		return err
	}

	for j := 0; j < n; j++ {
		if err := ctx.Err(); err != nil {
			return samples, err
		}

		op := OpInsert
		if len(ids) > 0 {
			switch r := rng.Intn(10); {
			case r < 3:
				op = OpInsert
			case r < 6:
				op = OpSelect
			case r < 9:
				op = OpUpdate
			default:
				op = OpDelete
			}
		}

		var err error
		switch op {
		case OpInsert:
			err = timed(op, func() error {
				rows, err := store.Insert(ctx, todo.Table, todo.Item{
					Text:      fmt.Sprintf("%s item %d", owner, j),
					Owner:     owner,
					CreatedAt: time.Now().UTC(),
				})
				if err == nil && len(rows) > 0 {
					ids = append(ids, rows[0].ID)
				}
				return err
			})
		case OpSelect:
			err = timed(op, func() error {
				_, err := store.Select(ctx, todo.Table, remote.Filter{Owner: owner}, remote.NewestFirst)
				return err
			})
		case OpUpdate:
			id := ids[rng.Intn(len(ids))]
			done := rng.Intn(2) == 0
			err = timed(op, func() error {
				_, err := store.Update(ctx, todo.Table, remote.Patch{Completed: &done},
					remote.Filter{ID: id, Owner: owner})
				return err
			})
		case OpDelete:
			k := rng.Intn(len(ids))
			id := ids[k]
			err = timed(op, func() error {
				_, err := store.Delete(ctx, todo.Table, remote.Filter{ID: id, Owner: owner})
				return err
			})
			if err == nil {
				ids = append(ids[:k], ids[k+1:]...)
			}
		}
		if err != nil {
			return samples, fmt.Errorf("%s failed: %w", op, err)
		}
	}
	return samples, nil
}

// VerifyIsolation checks that every simulated owner sees only its own rows
// and that an update filtered by another owner touches nothing.
func VerifyIsolation(ctx context.Context, store remote.Store, opts Options) (bool, error) {
	opts = opts.withDefaults()
	for i := 0; i < opts.Clients; i++ {
		owner := fmt.Sprintf("%s-%d", opts.OwnerPrefix, i)
		rows, err := store.Select(ctx, todo.Table, remote.Filter{Owner: owner}, remote.NewestFirst)
		if err != nil {
			return false, fmt.Errorf("failed to read rows of %s: %w", owner, err)
		}
		for _, r := range rows {
			if r.Owner != owner {
				return false, nil
			}
		}
		if len(rows) == 0 || opts.Clients < 2 {
			continue
		}

		intruder := fmt.Sprintf("%s-%d", opts.OwnerPrefix, (i+1)%opts.Clients)
		text := "intrusion"
		updated, err := store.Update(ctx, todo.Table, remote.Patch{Text: &text},
			remote.Filter{ID: rows[0].ID, Owner: intruder})
		if err != nil {
			return false, fmt.Errorf("failed to probe ownership of %s: %w", owner, err)
		}
		if len(updated) > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Cleanup deletes the rows of every simulated owner.
func Cleanup(ctx context.Context, store remote.Store, opts Options) error {
	opts = opts.withDefaults()
	for i := 0; i < opts.Clients; i++ {
		owner := fmt.Sprintf("%s-%d", opts.OwnerPrefix, i)
		rows, err := store.Select(ctx, todo.Table, remote.Filter{Owner: owner}, remote.NewestFirst)
		if err != nil {
			return fmt.Errorf("failed to list rows of %s: %w", owner, err)
		}
		if len(rows) == 0 {
			continue
		}
		ids := make([]string, len(rows))
		for k, r := range rows {
			ids[k] = r.ID
		}
		if _, err := store.Delete(ctx, todo.Table, remote.Filter{IDs: ids, Owner: owner}); err != nil {
			return fmt.Errorf("failed to delete rows of %s: %w", owner, err)
		}
	}
	return nil
}

func computeStats(samples []sample) map[string]*LatencyStats {
	byOp := make(map[string][]time.Duration)
	for _, s := range samples {
		byOp[s.op] = append(byOp[s.op], s.d)
	}
	out := make(map[string]*LatencyStats, len(byOp))
	for op, ds := range byOp {
		out[op] = computeLatencyStats(ds)
	}
	return out
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(durations),
	}
}

// Print formats the report as a table.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "%d client(s), %d operation(s) in %v\n\n", r.Clients, r.Total(), r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "%-8s %6s %10s %10s %10s %10s %10s\n", "op", "count", "min", "p50", "p95", "p99", "max")
	for _, op := range Ops {
		s, ok := r.ByOp[op]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%-8s %6d %10v %10v %10v %10v %10v\n", op, s.Count,
			s.Min.Round(time.Microsecond), s.P50.Round(time.Microsecond),
			s.P95.Round(time.Microsecond), s.P99.Round(time.Microsecond),
			s.Max.Round(time.Microsecond))
	}
	fmt.Fprintln(w)
	if r.Isolated {
		fmt.Fprintln(w, "Ownership isolation: ok")
	} else {
		fmt.Fprintln(w, "Ownership isolation: VIOLATED")
	}
	for _, err := range r.Errors {
		fmt.Fprintf(w, "Error: %v\n", err)
	}
}
