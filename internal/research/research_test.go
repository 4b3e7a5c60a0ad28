package research

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"marketatlas/internal/ai"
	"marketatlas/internal/bus"
	"marketatlas/internal/cache"
	"marketatlas/internal/marketdata"
	"marketatlas/internal/metrics"
	"marketatlas/internal/notify"
	"marketatlas/internal/store"
	"marketatlas/internal/tasks"
)

// scriptedClient routes responses by prompt content so one fake serves a
// whole multi-call executor.
type scriptedClient struct {
	mu      sync.Mutex
	routes  map[string]string // substring of prompt -> response
	def     string
	prompts []string
}

func (c *scriptedClient) Complete(ctx context.Context, req ai.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, req.Prompt)
	for needle, resp := range c.routes {
		if strings.Contains(req.Prompt, needle) {
			return resp, nil
		}
	}
	return c.def, nil
}

type researchEnv struct {
	t      *testing.T
	store  *store.Store
	deps   *Deps
	client *scriptedClient
	userID string
}

func newResearchEnv(t *testing.T) *researchEnv {
	t.Helper()
	st, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	u, err := st.CreateUser("research@example.com", "hash", "Researcher")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	c := cache.New(time.Minute)
	slots := tasks.NewAISlots(2)
	client := &scriptedClient{routes: map[string]string{}, def: `{}`}

	t.Cleanup(func() {
		slots.Stop()
		c.Stop()
		st.Close()
	})
	return &researchEnv{
		t:     t,
		store: st,
		deps: &Deps{
			Store:     st,
			Cache:     c,
			Slots:     slots,
			Client:    client,
			FastModel: "fast-model",
			DeepModel: "deep-model",
		},
		client: client,
		userID: u.ID,
	}
}

// runTask drives an executor directly, the way the runner would.
func (env *researchEnv) runTask(exec tasks.Executor, paramsJSON string) (json.RawMessage, []int, error) {
	env.t.Helper()
	task, err := env.store.CreateTask(env.userID, exec.Type(), paramsJSON)
	if err != nil {
		env.t.Fatalf("CreateTask failed: %v", err)
	}
	env.deps.Slots.Register(task.ID)
	defer env.deps.Slots.Unregister(task.ID)

	var checkpoints []int
	result, err := exec.Execute(context.Background(), task, func(p int) {
		checkpoints = append(checkpoints, p)
	})
	return result, checkpoints, err
}

func decodeResult(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("Result is not valid JSON: %v", err)
	}
	return body
}

func fmpServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/v3/profile/"):
			w.Write([]byte(`[{"symbol":"NVDA","companyName":"NVIDIA Corporation","sector":"Technology","industry":"Semiconductors","mktCap":3000000000000,"description":"GPUs"}]`))
		case strings.HasPrefix(r.URL.Path, "/v4/batch_earning_call_transcript/"),
			strings.HasPrefix(r.URL.Path, "/v3/earning_call_transcript/"):
			w.Write([]byte(`[{"symbol":"NVDA","quarter":2,"year":2026,"date":"2026-08-20","content":"CEO: great quarter."}]`))
		case strings.HasPrefix(r.URL.Path, "/v3/income-statement/"):
			w.Write([]byte(`[{"date":"2026-01-31","revenue":130000000000,"netIncome":72000000000,"eps":29.5}]`))
		default:
			t.Errorf("Unexpected FMP path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDeepDiveExecutor(t *testing.T) {
	env := newResearchEnv(t)
	srv := fmpServer(t)
	env.deps.FMP = marketdata.NewFMPClient("k", srv.URL, srv.Client())
	env.client.routes["earnings call"] = `{"tone":"positive"}`
	env.client.routes["deep dive"] = `{"thesis":"buy"}`

	exec := &DeepDiveExecutor{env.deps}
	raw, checkpoints, err := env.runTask(exec, `{"ticker":"nvda"}`)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	body := decodeResult(t, raw)
	if body["schema_version"] != float64(store.ResultSchemaVersion) {
		t.Errorf("Result should carry schema_version %d, got %v", store.ResultSchemaVersion, body["schema_version"])
	}
	if body["report_type"] != "comprehensive" {
		t.Errorf("Unexpected report_type %v", body["report_type"])
	}
	if body["ticker"] != "NVDA" {
		t.Errorf("Ticker should be uppercased, got %v", body["ticker"])
	}
	if body["profile"] == nil || body["report"] == nil {
		t.Error("Result should include profile and report")
	}
	if body["earnings_transcript_available"] != true {
		t.Error("Transcript availability flag missing")
	}
	if body["earnings_analysis"] == nil {
		t.Error("Earnings analysis should be included when a transcript exists")
	}

	want := []int{10, 20, 40, 60, 80}
	if len(checkpoints) != len(want) {
		t.Fatalf("Expected checkpoints %v, got %v", want, checkpoints)
	}
	for i, p := range want {
		if checkpoints[i] != p {
			t.Errorf("Checkpoint %d should be %d, got %d", i, p, checkpoints[i])
		}
	}

	// Profile data lands in the stocks table as a side effect.
	stock, err := env.store.GetStock("NVDA")
	if err != nil {
		t.Fatalf("Stock should be saved: %v", err)
	}
	if stock.CompanyName != "NVIDIA Corporation" {
		t.Errorf("Unexpected stock: %+v", stock)
	}
}

func TestDeepDiveProfileCached(t *testing.T) {
	env := newResearchEnv(t)

	var mu sync.Mutex
	profileHits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/v3/profile/"):
			mu.Lock()
			profileHits++
			mu.Unlock()
			w.Write([]byte(`[{"symbol":"NVDA","companyName":"NVIDIA Corporation","sector":"Technology","industry":"Semiconductors","mktCap":3000000000000}]`))
		default:
			w.Write([]byte(`[]`))
		}
	}))
	t.Cleanup(srv.Close)
	env.deps.FMP = marketdata.NewFMPClient("k", srv.URL, srv.Client())
	env.client.def = `{"thesis":"buy"}`

	exec := &DeepDiveExecutor{env.deps}
	for i := 0; i < 2; i++ {
		if _, _, err := env.runTask(exec, `{"ticker":"NVDA"}`); err != nil {
			t.Fatalf("Execute %d failed: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if profileHits != 1 {
		t.Errorf("Second run should hit the profile cache, provider saw %d calls", profileHits)
	}
}

func TestDeepDiveWithoutProvidersStillReports(t *testing.T) {
	env := newResearchEnv(t)
	env.client.def = `{"thesis":"limited data"}`

	raw, _, err := env.runTask(&DeepDiveExecutor{env.deps}, `{"ticker":"NVDA"}`)
	if err != nil {
		t.Fatalf("Execute should degrade, not fail: %v", err)
	}
	body := decodeResult(t, raw)
	if body["earnings_transcript_available"] != false {
		t.Error("No FMP client means no transcript")
	}
	if body["report"] == nil {
		t.Error("Model report should still be produced")
	}
}

func TestDeepDiveRequiresTicker(t *testing.T) {
	env := newResearchEnv(t)
	if _, _, err := env.runTask(&DeepDiveExecutor{env.deps}, `{}`); err == nil {
		t.Fatal("Missing ticker should error")
	}
}

func TestDiscoveryExecutor(t *testing.T) {
	env := newResearchEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":[{"symbol":"NVDA","description":"NVIDIA","type":"Common Stock"}]}`))
	}))
	t.Cleanup(srv.Close)
	env.deps.Finnhub = marketdata.NewFinnhubClient("k", srv.URL, srv.Client())
	env.client.def = `{"candidates":[{"ticker":"NVDA","company_name":"NVIDIA","confidence_score":0.9}]}`

	raw, checkpoints, err := env.runTask(&DiscoveryExecutor{env.deps}, `{"theme":"AI infrastructure","criteria":"quick scan"}`)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	body := decodeResult(t, raw)
	if body["report_type"] != "discovery" || body["theme"] != "AI infrastructure" {
		t.Errorf("Unexpected result envelope: %v", body)
	}
	candidates := body["candidates"].([]interface{})
	if len(candidates) != 1 {
		t.Fatalf("Expected 1 candidate, got %d", len(candidates))
	}
	if candidates[0].(map[string]interface{})["verified"] != true {
		t.Error("Candidate with a real symbol should be verified")
	}

	want := []int{10, 30, 80}
	if len(checkpoints) != len(want) || checkpoints[0] != 10 || checkpoints[1] != 30 || checkpoints[2] != 80 {
		t.Errorf("Expected checkpoints %v, got %v", want, checkpoints)
	}
}

func TestDiscoveryPromptCarriesFilters(t *testing.T) {
	env := newResearchEnv(t)
	env.client.def = `{"candidates":[]}`

	_, _, err := env.runTask(&DiscoveryExecutor{env.deps},
		`{"theme":"AI infrastructure","criteria":"long horizon","market_cap_min":2000000000,"market_cap_max":10000000000,"sectors":["Technology","Industrials"]}`)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(env.client.prompts) != 1 {
		t.Fatalf("Expected 1 model call, got %d", len(env.client.prompts))
	}

	prompt := env.client.prompts[0]
	for _, want := range []string{
		"long horizon",
		"Market cap between $2.0B and $10.0B",
		"Technology, Industrials",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("Prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, `"long horizon"`) {
		t.Error("Free-text criteria should not be rendered with JSON quoting")
	}
}

func TestDiscoveryRequiresTheme(t *testing.T) {
	env := newResearchEnv(t)
	if _, _, err := env.runTask(&DiscoveryExecutor{env.deps}, `{"theme":"  "}`); err == nil {
		t.Fatal("Blank theme should error")
	}
}

func TestEarningsExecutor(t *testing.T) {
	env := newResearchEnv(t)
	srv := fmpServer(t)
	env.deps.FMP = marketdata.NewFMPClient("k", srv.URL, srv.Client())
	env.client.def = `{"tone":"cautious","guidance":"raised"}`

	raw, _, err := env.runTask(&EarningsExecutor{env.deps}, `{"ticker":"NVDA","year":2026,"quarter":2}`)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	body := decodeResult(t, raw)
	if body["report_type"] != "earnings_analysis" || body["quarter"] != "Q2 2026" {
		t.Errorf("Unexpected result: %v", body)
	}
	if body["analysis"] == nil {
		t.Error("Analysis missing from result")
	}
}

func TestEarningsExecutorRequiresFMP(t *testing.T) {
	env := newResearchEnv(t)
	if _, _, err := env.runTask(&EarningsExecutor{env.deps}, `{"ticker":"NVDA"}`); err == nil {
		t.Fatal("Missing FMP client should error")
	}
}

func TestFilingExecutor(t *testing.T) {
	env := newResearchEnv(t)
	docSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>Item 1A. Risk Factors. Supply constraints.</body></html>`))
	}))
	t.Cleanup(docSrv.Close)
	env.deps.SEC = marketdata.NewSECClient("ua test@example.com", "", "", "", docSrv.Client())
	env.client.def = `{"summary":"risk factors updated","risk_factors":["supply"]}`

	filing := &store.Filing{
		AccessionNumber: "0000320193-26-000042",
		Ticker:          "NVDA",
		FormType:        "10-Q",
		FiledAt:         time.Now().UTC(),
		URL:             docSrv.URL + "/doc.htm",
	}
	if _, err := env.store.InsertFiling(filing); err != nil {
		t.Fatalf("InsertFiling failed: %v", err)
	}

	raw, _, err := env.runTask(&FilingExecutor{env.deps}, `{"accession_number":"0000320193-26-000042"}`)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	body := decodeResult(t, raw)
	if body["report_type"] != "filing_analysis" || body["form_type"] != "10-Q" {
		t.Errorf("Unexpected result: %v", body)
	}

	// Analysis is written back to the filing row.
	updated, err := env.store.GetFiling(filing.ID)
	if err != nil {
		t.Fatalf("GetFiling failed: %v", err)
	}
	if !updated.Analyzed || updated.AnalysisJSON == "" {
		t.Errorf("Filing should be marked analyzed: %+v", updated)
	}
}

func TestFilingExecutorRequiresIdentifier(t *testing.T) {
	env := newResearchEnv(t)
	env.deps.SEC = marketdata.NewSECClient("ua test@example.com", "", "", "", http.DefaultClient)
	if _, _, err := env.runTask(&FilingExecutor{env.deps}, `{}`); err == nil {
		t.Fatal("Missing filing identifier should error")
	}
}

func TestComparativeExecutor(t *testing.T) {
	env := newResearchEnv(t)
	srv := fmpServer(t)
	env.deps.FMP = marketdata.NewFMPClient("k", srv.URL, srv.Client())
	env.client.def = `{"winner":"NVDA","comparison":{}}`

	raw, checkpoints, err := env.runTask(&ComparativeExecutor{env.deps}, `{"tickers":["nvda","amd","NVDA"]}`)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	body := decodeResult(t, raw)
	tickers := body["tickers"].([]interface{})
	if len(tickers) != 2 {
		t.Errorf("Duplicate tickers should collapse, got %v", tickers)
	}
	if body["report_type"] != "comparative" || body["analysis"] == nil {
		t.Errorf("Unexpected result: %v", body)
	}
	if checkpoints[len(checkpoints)-1] != 80 {
		t.Errorf("Last checkpoint should be 80, got %v", checkpoints)
	}
}

func TestComparativeRequiresTwoTickers(t *testing.T) {
	env := newResearchEnv(t)
	if _, _, err := env.runTask(&ComparativeExecutor{env.deps}, `{"tickers":["NVDA"]}`); err == nil {
		t.Fatal("Single ticker should error")
	}
}

func TestPollNewsIngestsAndTriages(t *testing.T) {
	env := newResearchEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/company-news" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`[
			{"headline":"NVDA beats estimates","summary":"big beat","source":"wire","url":"https://x/1","datetime":1700000000},
			{"headline":"NVDA announces buyback","summary":"buyback","source":"wire","url":"https://x/2","datetime":1700000001}
		]`))
	}))
	t.Cleanup(srv.Close)
	env.deps.Finnhub = marketdata.NewFinnhubClient("k", srv.URL, srv.Client())
	env.client.def = `{"sentiment":"bullish","importance":"high","key_points":[],"ai_summary":"beat"}`

	b := bus.New()
	t.Cleanup(b.Close)
	newsCh, cancel := b.Subscribe(bus.TopicNews)
	defer cancel()

	wl, _ := env.store.CreateWatchlist(env.userID, "Semis", "")
	if _, err := env.store.AddWatchlistItem(wl.ID, env.userID, "NVDA", ""); err != nil {
		t.Fatalf("AddWatchlistItem failed: %v", err)
	}

	jobs := NewJobs(env.deps, b, metrics.New(), nil)
	if err := jobs.PollNews(context.Background()); err != nil {
		t.Fatalf("PollNews failed: %v", err)
	}

	items, err := env.store.ListNews("NVDA", 10)
	if err != nil {
		t.Fatalf("ListNews failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Expected 2 news items, got %d", len(items))
	}
	for _, item := range items {
		if !item.Analyzed || item.Sentiment != "bullish" {
			t.Errorf("Item should be triaged: %+v", item)
		}
	}

	// Both new items hit the news topic.
	for i := 0; i < 2; i++ {
		select {
		case <-newsCh:
		case <-time.After(time.Second):
			t.Fatal("News item never published on the bus")
		}
	}

	// Second poll dedups everything.
	if err := jobs.PollNews(context.Background()); err != nil {
		t.Fatalf("Second PollNews failed: %v", err)
	}
	items, _ = env.store.ListNews("NVDA", 10)
	if len(items) != 2 {
		t.Errorf("Repeat poll should not duplicate news, got %d items", len(items))
	}
}

func TestCheckFilingsDiscoversAndAnalyzes(t *testing.T) {
	env := newResearchEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.RawQuery, "action=getcompany"):
			w.Write([]byte(`<feed><company-info CIK=1045810 /></feed>`))
		case strings.HasPrefix(r.URL.Path, "/submissions/"):
			w.Write([]byte(`{"filings":{"recent":{
				"form":["10-Q"],
				"accessionNumber":["0001045810-26-000099"],
				"filingDate":["2026-08-25"],
				"primaryDocument":["nvda-10q.htm"]
			}}}`))
		default:
			w.Write([]byte(`<html>Quarterly report text</html>`))
		}
	}))
	t.Cleanup(srv.Close)
	env.deps.SEC = marketdata.NewSECClient("ua test@example.com", srv.URL, srv.URL, srv.URL, srv.Client())
	env.client.def = `{"summary":"routine quarter"}`

	wl, _ := env.store.CreateWatchlist(env.userID, "Semis", "")
	if _, err := env.store.AddWatchlistItem(wl.ID, env.userID, "NVDA", ""); err != nil {
		t.Fatalf("AddWatchlistItem failed: %v", err)
	}

	b := bus.New()
	t.Cleanup(b.Close)
	jobs := NewJobs(env.deps, b, metrics.New(), nil)
	if err := jobs.CheckFilings(context.Background()); err != nil {
		t.Fatalf("CheckFilings failed: %v", err)
	}

	filings, err := env.store.ListFilings("NVDA", 10)
	if err != nil {
		t.Fatalf("ListFilings failed: %v", err)
	}
	if len(filings) != 1 {
		t.Fatalf("Expected 1 filing, got %d", len(filings))
	}
	if !filings[0].Analyzed {
		t.Error("New filing should be analyzed inline")
	}

	// Second pass finds nothing new.
	if err := jobs.CheckFilings(context.Background()); err != nil {
		t.Fatalf("Second CheckFilings failed: %v", err)
	}
	filings, _ = env.store.ListFilings("NVDA", 10)
	if len(filings) != 1 {
		t.Errorf("Repeat check should not duplicate filings, got %d", len(filings))
	}
}

func TestCheckTranscriptsNotifiesOnce(t *testing.T) {
	env := newResearchEnv(t)
	srv := fmpServer(t)
	env.deps.FMP = marketdata.NewFMPClient("k", srv.URL, srv.Client())

	var sent int
	tgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sent++
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(tgSrv.Close)
	tg := notify.NewTelegram("bot-token", tgSrv.URL, tgSrv.Client())

	if err := env.store.SetTelegramChatID(env.userID, "12345"); err != nil {
		t.Fatalf("SetTelegramChatID failed: %v", err)
	}
	wl, _ := env.store.CreateWatchlist(env.userID, "Semis", "")
	if _, err := env.store.AddWatchlistItem(wl.ID, env.userID, "NVDA", ""); err != nil {
		t.Fatalf("AddWatchlistItem failed: %v", err)
	}

	b := bus.New()
	t.Cleanup(b.Close)
	jobs := NewJobs(env.deps, b, metrics.New(), tg)

	if err := jobs.CheckTranscripts(context.Background()); err != nil {
		t.Fatalf("CheckTranscripts failed: %v", err)
	}
	if sent != 1 {
		t.Fatalf("Expected 1 notification, got %d", sent)
	}

	// Cache marks the transcript as seen.
	if err := jobs.CheckTranscripts(context.Background()); err != nil {
		t.Fatalf("Second CheckTranscripts failed: %v", err)
	}
	if sent != 1 {
		t.Errorf("Seen transcript should not re-notify, got %d sends", sent)
	}
}

func TestRefreshQuotes(t *testing.T) {
	env := newResearchEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"c":181.25,"d":1,"dp":0.5,"h":182,"l":179,"o":180,"pc":180}`))
	}))
	t.Cleanup(srv.Close)
	env.deps.Finnhub = marketdata.NewFinnhubClient("k", srv.URL, srv.Client())

	if err := env.store.UpsertStock(&store.Stock{Ticker: "NVDA", CompanyName: "NVIDIA"}); err != nil {
		t.Fatalf("UpsertStock failed: %v", err)
	}
	wl, _ := env.store.CreateWatchlist(env.userID, "Semis", "")
	if _, err := env.store.AddWatchlistItem(wl.ID, env.userID, "NVDA", ""); err != nil {
		t.Fatalf("AddWatchlistItem failed: %v", err)
	}

	b := bus.New()
	t.Cleanup(b.Close)
	jobs := NewJobs(env.deps, b, metrics.New(), nil)
	if err := jobs.RefreshQuotes(context.Background()); err != nil {
		t.Fatalf("RefreshQuotes failed: %v", err)
	}

	stock, err := env.store.GetStock("NVDA")
	if err != nil {
		t.Fatalf("GetStock failed: %v", err)
	}
	if stock.LastPrice != 181.25 {
		t.Errorf("Price should be refreshed, got %v", stock.LastPrice)
	}
}
