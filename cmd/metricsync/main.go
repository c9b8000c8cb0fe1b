package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"metricsync/internal/client"
	"metricsync/internal/engine"
	"metricsync/internal/httputil"
	"metricsync/internal/models"
	"metricsync/internal/overlaycache"
	"metricsync/internal/store"
	"metricsync/internal/token"
)

type globals struct {
	APIURL    string `env:"METRICSYNC_API_URL" default:"http://localhost:8000" help:"Analytics service base URL."`
	DB        string `env:"METRICSYNC_DB" default:"data/metricsync.db" help:"Path to the local sqlite database."`
	KeyPrefix string `env:"METRICSYNC_KEY_PREFIX" default:"metricsync" help:"Key prefix for locally persisted state."`
}

type filterFlags struct {
	Source    string  `required:"" help:"Source (dataset) name."`
	Metric    string  `required:"" help:"Metric key, e.g. events_total."`
	Start     string  `help:"Start date (YYYY-MM-DD)."`
	End       string  `help:"End date (YYYY-MM-DD)."`
	Agg       string  `help:"Aggregation for the unified value field: sum, avg or count." enum:"sum,avg,count," default:""`
	Distinct  string  `help:"Count distinct values of this field instead of raw rows."`
	Anomalies bool    `help:"Enable the anomaly overlay."`
	Forecast  bool    `help:"Enable the forecast overlay."`
	Window    int     `default:"7" help:"Rolling anomaly window in days."`
	ZThresh   float64 `default:"3" help:"Anomaly z-score threshold."`
	IForest   bool    `help:"Use isolation-forest anomaly detection instead of rolling z-score."`
	Horizon   int     `help:"Forecast horizon in days; 0 keys forecasts by the date range instead."`
}

type cli struct {
	globals

	Login  loginCmd  `cmd:"" help:"Authenticate and store the token pair."`
	Signup signupCmd `cmd:"" help:"Create an account and store the token pair."`
	Logout logoutCmd `cmd:"" help:"Clear stored tokens."`
	Names  namesCmd  `cmd:"" help:"List metric names known to the service."`
	Fetch  fetchCmd  `cmd:"" help:"Run one fetch cycle and print the results."`
	Watch  watchCmd  `cmd:"" help:"Poll the service, keeping state in sync until interrupted."`
	Runs   runsCmd   `cmd:"" help:"Show the recent fetch-run audit log."`
}

// app wires the shared collaborators every command needs.
type app struct {
	store  *store.Store
	tokens *token.Store
	client *client.Client
	db     *sql.DB
}

func (g *globals) open(authTimeout bool) (*app, error) {
	if dir := filepath.Dir(g.DB); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", g.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db, g.KeyPrefix)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	tokens, err := token.NewStore(st)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("token store: %w", err)
	}

	httpClient := httputil.NewClient()
	if authTimeout {
		httpClient = httputil.NewClientWithTimeout(httputil.DefaultAuthTimeout)
	}

	return &app{
		store:  st,
		tokens: tokens,
		client: client.New(g.APIURL, httpClient, tokens),
		db:     db,
	}, nil
}

func (a *app) close() {
	a.db.Close()
}

type loginCmd struct {
	Email    string `arg:"" help:"Account email."`
	Password string `env:"METRICSYNC_PASSWORD" required:"" help:"Account password."`
}

func (c *loginCmd) Run(g *globals) error {
	a, err := g.open(true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.client.Login(ctx, c.Email, c.Password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	log.Printf("logged in as %s", c.Email)
	return nil
}

type signupCmd struct {
	Email    string `arg:"" help:"Account email."`
	Password string `env:"METRICSYNC_PASSWORD" required:"" help:"Account password."`
}

func (c *signupCmd) Run(g *globals) error {
	a, err := g.open(true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.client.Signup(ctx, c.Email, c.Password); err != nil {
		return fmt.Errorf("signup: %w", err)
	}
	log.Printf("account created for %s", c.Email)
	return nil
}

type logoutCmd struct{}

func (c *logoutCmd) Run(g *globals) error {
	a, err := g.open(true)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.client.Logout(); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	log.Println("tokens cleared")
	return nil
}

type namesCmd struct {
	Source string `help:"Limit names to one source."`
}

func (c *namesCmd) Run(g *globals) error {
	a, err := g.open(true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	names, err := a.client.MetricNames(ctx, c.Source)
	if err != nil {
		return fmt.Errorf("metric names: %w", err)
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

type fetchCmd struct {
	filterFlags
}

func (c *fetchCmd) Run(g *globals) error {
	a, err := g.open(false)
	if err != nil {
		return err
	}
	defer a.close()

	eng := engine.New(a.client, overlaycache.New(), a.store)
	defer eng.Close()

	eng.ToggleAnomalies(c.Anomalies)
	eng.ToggleForecast(c.Forecast)

	state, err := eng.ApplyFiltersSync(c.tuple())
	if err != nil {
		return err
	}
	printState(state)
	if state.Errors.Series != nil {
		return fmt.Errorf("series: %w", state.Errors.Series)
	}
	return nil
}

type watchCmd struct {
	filterFlags
	Interval    time.Duration `default:"1m" help:"Poll interval."`
	MetricsAddr string        `help:"Address to serve prometheus metrics on (e.g. :9190); empty disables."`
	WaitReady   time.Duration `default:"2m" help:"How long to wait for the service to come up before the first cycle."`
}

func (c *watchCmd) Run(g *globals) error {
	a, err := g.open(false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: c.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("watch: metrics server: %v", err)
			}
		}()
		defer srv.Close()
		log.Printf("watch: serving metrics on %s", c.MetricsAddr)
	}

	log.Printf("watch: waiting for %s", g.APIURL)
	if err := a.client.WaitReady(ctx, c.WaitReady); err != nil {
		return fmt.Errorf("service not ready: %w", err)
	}

	eng := engine.New(a.client, overlaycache.New(), a.store)
	defer eng.Close()

	eng.OnUpdate(func(s models.ViewState) {
		if s.IsLoading {
			return
		}
		log.Printf("watch: gen %d: %d series, %d anomalies, %d forecast",
			s.Generation, len(s.SeriesPoints), len(s.AnomalyPoints), len(s.ForecastPoints))
		for _, e := range []struct {
			name string
			err  error
		}{{"series", s.Errors.Series}, {"anomalies", s.Errors.Anomalies}, {"forecast", s.Errors.Forecast}} {
			if e.err != nil {
				log.Printf("watch: %s error: %v", e.name, e.err)
			}
		}
	})

	eng.ToggleAnomalies(c.Anomalies)
	eng.ToggleForecast(c.Forecast)
	if err := eng.ApplyFilters(c.tuple()); err != nil {
		return err
	}

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("watch: shutting down")
			return nil
		case <-ticker.C:
			eng.Refresh()
		}
	}
}

type runsCmd struct {
	Limit int `default:"20" help:"Number of runs to show."`
}

func (c *runsCmd) Run(g *globals) error {
	a, err := g.open(true)
	if err != nil {
		return err
	}
	defer a.close()

	runs, err := a.store.RecentFetchRuns(c.Limit)
	if err != nil {
		return fmt.Errorf("recent runs: %w", err)
	}
	for _, r := range runs {
		status := "ok"
		switch {
		case r.Superseded:
			status = "superseded"
		case !r.Success:
			status = "failed"
		}
		fmt.Printf("%s gen=%d %-10s %-28s %s/%s kept=%d/%d %s %s\n",
			r.StartedAt.Format(time.RFC3339), r.Generation, r.Concern, r.Endpoint,
			r.SourceName, r.Metric, r.RecordsKept, r.RecordsParsed, status, r.ErrorMessage)
	}
	return nil
}

func (f *filterFlags) tuple() models.FilterTuple {
	algorithm := models.AnomalyRolling
	if f.IForest {
		algorithm = models.AnomalyIsolationForest
	}
	return models.FilterTuple{
		SourceName:    f.Source,
		Metric:        f.Metric,
		StartDate:     f.Start,
		EndDate:       f.End,
		DistinctField: f.Distinct,
		Agg:           models.Aggregation(f.Agg),
		AnomalyWindow: f.Window,
		ZThreshold:    f.ZThresh,
		Algorithm:     algorithm,
		Horizon:       f.Horizon,
	}
}

func printState(s models.ViewState) {
	fmt.Printf("generation %d\n", s.Generation)
	fmt.Printf("series (%d points):\n", len(s.SeriesPoints))
	for _, p := range s.SeriesPoints {
		fmt.Printf("  %s  %g\n", p.Date, p.Value)
	}
	if len(s.AnomalyPoints) > 0 {
		fmt.Printf("anomalies (%d):\n", len(s.AnomalyPoints))
		for _, p := range s.AnomalyPoints {
			marker := ""
			if p.Flagged {
				marker = " [flagged]"
			}
			fmt.Printf("  %s  %g z=%g%s\n", p.Date, p.Value, p.ZScore, marker)
		}
	}
	if len(s.ForecastPoints) > 0 {
		fmt.Printf("forecast (%d):\n", len(s.ForecastPoints))
		for _, p := range s.ForecastPoints {
			if p.HasBounds {
				fmt.Printf("  %s  %g [%g, %g]\n", p.Date, p.Predicted, p.Lower, p.Upper)
			} else {
				fmt.Printf("  %s  %g\n", p.Date, p.Predicted)
			}
		}
	}
	if s.Errors.Anomalies != nil {
		fmt.Printf("anomalies error: %v\n", s.Errors.Anomalies)
	}
	if s.Errors.Forecast != nil {
		fmt.Printf("forecast error: %v\n", s.Errors.Forecast)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	var c cli
	ktx := kong.Parse(&c,
		kong.Name("metricsync"),
		kong.Description("Keeps a local view of the analytics service in sync under a changing filter context."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
		kong.UsageOnError(),
	)
	if err := ktx.Run(&c.globals); err != nil {
		log.Fatalf("%s: %v", ktx.Command(), err)
	}
}
