package kansoku_test

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ashita-ai/kansoku/sdk/go/kansoku"
)

func Example() {
	ctx := context.Background()
	client, err := kansoku.NewClient("http://localhost:8080", "ks_...")
	if err != nil {
		log.Fatal(err)
	}

	// Honour risk interventions before starting work.
	state, err := client.AgentControl(ctx, "planner")
	if err == nil && !state.MayRun(time.Now()) {
		return
	}

	run, err := client.StartRun(ctx, kansoku.StartRunRequest{AgentID: "planner"})
	if kansoku.IsAgentPaused(err) {
		return
	}
	if err != nil {
		log.Fatal(err)
	}

	cost := decimal.RequireFromString("0.0031")
	client.Fire(ctx, kansoku.Event{
		AgentID:   "planner",
		RunID:     &run.RunID,
		EventType: kansoku.EventLLMCall,
		Provider:  "openai",
		Model:     "gpt-4o-mini",
		TokensIn:  1200,
		TokensOut: 300,
		CostUSD:   &cost,
		LatencyMS: 840,
	})

	workErr := errors.New("tool timed out")
	if _, err := client.FinishRun(ctx, run.RunID, kansoku.RunError, workErr); err != nil {
		log.Print(err)
	}
}
