package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/okian/verdict/internal/loadgen"
)

const (
	defaultSubmissions = 10000
	defaultVoters      = 500
	defaultTopN        = 50
	defaultWorkers     = 2 // multiplier for runtime.NumCPU()
	defaultMaxScore    = 10
	defaultTimeout     = 30 * time.Second
	defaultSettle      = 2 * time.Second
	defaultTestTimeout = 10 * time.Minute
)

func main() {
	var (
		baseURL      = flag.String("url", "http://localhost:9080", "Base URL of the service")
		competition  = flag.String("competition", "c1", "Competition id")
		rubric       = flag.String("rubric", "r1", "Rubric id")
		criteria     = flag.String("criteria", "tech,style", "Criteria with optional weights")
		maxScore     = flag.Float64("max", defaultMaxScore, "Criterion max score")
		participants = flag.String("participants", "p1,p2", "Participant ids")
		voters       = flag.Int("voters", defaultVoters, "Distinct public voters")
		submissions  = flag.Int("submissions", defaultSubmissions, "Votes to send")
		workers      = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Concurrent workers")
		topN         = flag.Int("top", defaultTopN, "Ranked entries to fetch")
		timeout      = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		settle       = flag.Duration("settle", defaultSettle, "Wait before reading the ranking")
		outputFile   = flag.String("output", "", "Write generated votes to this file")
		logFile      = flag.String("log", "", "Also log to this file")
		verbose      = flag.Bool("verbose", false, "Enable verbose logging")
		help         = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		loadgen.ShowHelp()
		return
	}
	if err := loadgen.SetupLogging(*logFile, *verbose); err != nil {
		os.Stderr.WriteString("failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	weights, err := loadgen.ParseCriteria(*criteria)
	if err != nil {
		os.Stderr.WriteString("invalid -criteria: " + err.Error() + "\n")
		os.Exit(2)
	}
	ids := loadgen.ParseList(*participants)
	if len(ids) == 0 || *voters < 1 || *workers < 1 {
		os.Stderr.WriteString("need participants, voters and workers\n")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	defer cancel()

	cfg := &loadgen.Config{
		BaseURL:       *baseURL,
		CompetitionID: *competition,
		RubricID:      *rubric,
		Criteria:      weights,
		MaxScore:      *maxScore,
		Participants:  ids,
		Voters:        *voters,
		Submissions:   *submissions,
		Workers:       *workers,
		TopN:          *topN,
		Timeout:       *timeout,
		Settle:        *settle,
		OutputFile:    *outputFile,
		Verbose:       *verbose,
	}
	if err := loadgen.Run(ctx, cfg); err != nil {
		os.Stderr.WriteString("load test failed: " + err.Error() + "\n")
		os.Exit(1)
	}
}
