package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/patternprobe/patternprobe/internal/channel"
	"github.com/patternprobe/patternprobe/internal/config"
	"github.com/patternprobe/patternprobe/internal/protocol"
	"github.com/patternprobe/patternprobe/internal/report"
	"github.com/patternprobe/patternprobe/internal/scenario"
	"github.com/patternprobe/patternprobe/internal/seed"
	"github.com/patternprobe/patternprobe/internal/store"
)

const vectorDim = 100

// scenarioEnv bundles what step builders need.
type scenarioEnv struct {
	cfg  *config.Config
	sess *channel.Session
}

// executeScenario is the shared wiring of every scenario subcommand: load
// config, optionally preflight the server, dial and join the channel, run
// the built step list, record history, and map the verdict to the exit code.
func executeScenario(name, title string, preflight bool, build func(env *scenarioEnv) []scenario.Step) error {
	cfg, err := config.Load(config.DataDir())
	if err != nil {
		return err
	}
	if serverFlag != "" {
		cfg.Server.URL = serverFlag
	}

	console := report.NewConsole()
	console.Banner(title)

	ctx := context.Background()
	startedAt := time.Now()

	if preflight {
		if err := checkServer(cfg.BaseHTTPURL()); err != nil {
			console.Info("start the service with: iex -S mix phx.server")
			return err
		}
		console.Info("server is reachable at " + cfg.BaseHTTPURL())
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Join())
	sess, err := channel.Dial(dialCtx, cfg.Server.URL, cfg.Server.Topic)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Server.URL, err)
	}
	defer sess.Close()
	console.Info("connected to " + cfg.Server.URL)

	env := &scenarioEnv{cfg: cfg, sess: sess}
	steps := append([]scenario.Step{joinStep(env)}, build(env)...)

	runner := scenario.Runner{Reporter: console}
	outcomes, passed := runner.Run(ctx, steps)
	console.Result(passed)

	recordRun(ctx, cfg, store.Run{
		ID:         uuid.NewString(),
		Scenario:   name,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Passed:     passed,
	}, outcomes)

	if !passed {
		return fmt.Errorf("scenario %s failed", name)
	}
	return nil
}

// checkServer performs the HTTP reachability preflight against the base URL.
func checkServer(url string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("server is not reachable at %s: %w", url, err)
	}
	resp.Body.Close()
	return nil
}

// recordRun persists the run history. Best effort: a failure here warns and
// never changes the scenario verdict.
func recordRun(ctx context.Context, cfg *config.Config, run store.Run, outcomes []scenario.Outcome) {
	if cfg.History.Disabled {
		return
	}
	dataDir := config.DataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Warn("skipping run history", "err", err)
		return
	}
	st, err := store.NewSQLiteStore(dataDir)
	if err != nil {
		slog.Warn("skipping run history", "err", err)
		return
	}
	defer st.Close()
	if err := st.RecordRun(ctx, run, outcomes); err != nil {
		slog.Warn("recording run history failed", "err", err)
	}
}

// ---------------------------------------------------------------------------
// Shared steps
// ---------------------------------------------------------------------------

func joinStep(env *scenarioEnv) scenario.Step {
	return scenario.Step{
		Name:    "join " + env.cfg.Server.Topic,
		Timeout: env.cfg.Timeouts.Join(),
		Run: func(ctx context.Context) (string, error) {
			if err := env.sess.Join(ctx); err != nil {
				return "", err
			}
			return "joined", nil
		},
	}
}

// listenStep passively collects pushed events for the window, then reports
// what arrived. Listening itself cannot fail.
func listenStep(env *scenarioEnv, window time.Duration) scenario.Step {
	return scenario.Step{
		Name:     "listen for pattern events",
		Timeout:  window,
		Advisory: true,
		Run: func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return tallyLine(env.sess), nil
		},
	}
}

func searchStep(env *scenarioEnv, vector []float64, k int) scenario.Step {
	query := protocol.SimilarityQuery{Vector: vector, K: k}
	return scenario.Request("similarity search", env.cfg.Timeouts.Request(),
		env.sess, protocol.EventQuerySimilar, query,
		func(reply *protocol.Reply) (string, error) {
			var resp protocol.SearchResponse
			if err := json.Unmarshal(reply.Response, &resp); err != nil {
				return "", fmt.Errorf("parsing search results: %w", err)
			}
			if len(resp.Results) > k {
				return "", fmt.Errorf("got %d results, expected at most %d", len(resp.Results), k)
			}
			for _, r := range resp.Results {
				if r.PatternID == "" {
					return "", fmt.Errorf("result missing pattern_id")
				}
				if r.Score < 0 || r.Score > 1 {
					return "", fmt.Errorf("pattern %s score %g outside [0,1]", r.PatternID, r.Score)
				}
			}
			return fmt.Sprintf("%d similar patterns", len(resp.Results)), nil
		})
}

func monitoringStep(env *scenarioEnv) scenario.Step {
	return scenario.Request("monitoring snapshot", env.cfg.Timeouts.Request(),
		env.sess, protocol.EventGetMonitoring, struct{}{},
		func(reply *protocol.Reply) (string, error) {
			var mon protocol.Monitoring
			if err := json.Unmarshal(reply.Response, &mon); err != nil {
				return "", fmt.Errorf("parsing monitoring snapshot: %w", err)
			}
			health := mon.Health.Status
			if health == "" {
				health = "unknown"
			}
			return "health " + health, nil
		})
}

// clusterStep is advisory: a single-node deployment legitimately reports the
// aggregation as not available.
func clusterStep(env *scenarioEnv, minNodes int) scenario.Step {
	return scenario.Step{
		Name:     "cluster pattern aggregation",
		Timeout:  env.cfg.Timeouts.Request(),
		Advisory: true,
		Run: func(ctx context.Context) (string, error) {
			reply, err := env.sess.Request(ctx, protocol.EventClusterPatterns,
				protocol.ClusterQuery{MinNodes: minNodes})
			if err != nil {
				return "", err
			}
			var resp protocol.ClusterPatterns
			if err := json.Unmarshal(reply.Response, &resp); err != nil {
				return "", fmt.Errorf("parsing cluster patterns: %w", err)
			}
			if !reply.OK() {
				return "", fmt.Errorf("not available: %s", resp.Reason)
			}
			return fmt.Sprintf("%d cluster patterns", len(resp.Patterns)), nil
		},
	}
}

func summaryStep(env *scenarioEnv) scenario.Step {
	return scenario.Summary("verify data flow", func() (string, error) {
		detail := tallyLine(env.sess)
		if env.sess.Count(protocol.EventPatternIndexed) == 0 {
			return detail, fmt.Errorf("no pattern indexing events received")
		}
		return detail, nil
	})
}

func tallyLine(sess *channel.Session) string {
	return fmt.Sprintf("indexed=%d matched=%d stats=%d algedonic=%d",
		sess.Count(protocol.EventPatternIndexed),
		sess.Count(protocol.EventPatternMatched),
		sess.Count(protocol.EventInitialStats)+sess.Count(protocol.EventStatsUpdate),
		sess.Count(protocol.EventAlgedonic))
}

// indexedTotal sums the count fields of all pattern_indexed pushes seen so far.
func indexedTotal(sess *channel.Session) int {
	total := 0
	for _, env := range sess.Observed(protocol.EventPatternIndexed) {
		var p protocol.Indexed
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			continue
		}
		total += p.Count
	}
	return total
}

// ---------------------------------------------------------------------------
// Vectors
// ---------------------------------------------------------------------------

func rampVector(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = float64(i) / float64(n)
	}
	return v
}

func constVector(n int, val float64) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = val
	}
	return v
}

func randomVector(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = rand.Float64()
	}
	return v
}

// ---------------------------------------------------------------------------
// smoke — the full end-to-end flow
// ---------------------------------------------------------------------------

func smokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "smoke",
		Short: "Full end-to-end flow: join, seed, verify indexing, search, monitoring",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeScenario("smoke", "Pattern Indexing End-to-End Smoke Test", true, smokeSteps)
		},
	}
}

func smokeSteps(env *scenarioEnv) []scenario.Step {
	sess, cfg := env.sess, env.cfg

	var fixtures *seed.Fixtures
	pub := seed.NewPublisher(cfg.Seed.Command)

	return []scenario.Step{
		scenario.PollUntil("wait for initial stats", 3*time.Second, 500*time.Millisecond,
			func() (bool, string) {
				n := sess.Count(protocol.EventInitialStats) + sess.Count(protocol.EventStatsUpdate)
				return n > 0, fmt.Sprintf("%d stats snapshots", n)
			}),
		scenario.Seed("seed test patterns", 30*time.Second, func(ctx context.Context) (string, error) {
			var err error
			if cfg.Seed.Fixtures != "" {
				fixtures, err = seed.LoadFixtures(cfg.Seed.Fixtures)
			} else {
				fixtures, err = seed.DefaultFixtures()
			}
			if err != nil {
				return "", err
			}
			for _, p := range fixtures.Patterns {
				if err := pub.Publish(ctx, p); err != nil {
					return "", err
				}
			}
			if len(fixtures.Bulk) > 0 {
				if err := pub.PublishBulk(ctx, fixtures.Bulk, "probe_e2e"); err != nil {
					return "", err
				}
			}
			return fmt.Sprintf("%d patterns + %d bulk", len(fixtures.Patterns), len(fixtures.Bulk)), nil
		}),
		scenario.PollUntil("wait for pattern indexing", cfg.Timeouts.Index(), time.Second,
			func() (bool, string) {
				want := 3
				if fixtures != nil {
					want = len(fixtures.Patterns)
				}
				got := indexedTotal(sess)
				return got >= want, fmt.Sprintf("%d of %d patterns indexed", got, want)
			}),
		searchStep(env, rampVector(vectorDim), 5),
		monitoringStep(env),
		clusterStep(env, 1),
		summaryStep(env),
	}
}

// ---------------------------------------------------------------------------
// search — monitoring, search, then a long listen window
// ---------------------------------------------------------------------------

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search",
		Short: "Similarity search plus a listen window for pushed events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeScenario("search", "Pattern Search via Channel", false, func(env *scenarioEnv) []scenario.Step {
				return []scenario.Step{
					monitoringStep(env),
					searchStep(env, randomVector(vectorDim), 5),
					listenStep(env, env.cfg.Timeouts.Listen()),
					summaryStep(env),
				}
			})
		},
	}
}

// ---------------------------------------------------------------------------
// quick — the minimal request sweep
// ---------------------------------------------------------------------------

func quickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quick",
		Short: "Quick sweep: search with a constant vector, monitoring, short listen",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeScenario("quick", "Quick Channel Check", false, func(env *scenarioEnv) []scenario.Step {
				return []scenario.Step{
					searchStep(env, constVector(vectorDim, 0.5), 5),
					monitoringStep(env),
					listenStep(env, 3*time.Second),
					summaryStep(env),
				}
			})
		},
	}
}

// ---------------------------------------------------------------------------
// stream — join and observe only
// ---------------------------------------------------------------------------

func streamCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stream",
		Short: "Join the channel and stream pushed events for the listen window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeScenario("stream", "Pattern Stream Observation", false, func(env *scenarioEnv) []scenario.Step {
				return []scenario.Step{
					listenStep(env, env.cfg.Timeouts.Listen()),
					summaryStep(env),
				}
			})
		},
	}
}
