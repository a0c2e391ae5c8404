package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mikeboe/deep-research/pkg/chat"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/embeddings"
	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/memory"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/search"
)

var (
	topic       string
	depth       int
	breadth     int
	memoryDepth string
	classify    bool
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		// Fine without a .env file as long as env vars are set.
	}
	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:   "deep-research",
		Short: "A recursive web research agent",
		Long:  `deep-research explores a topic by generating search queries, extracting learnings from results and recursing on follow-up questions, then writes a markdown report.`,
		Run: func(cmd *cobra.Command, args []string) {
			if !cmd.Flags().Changed("topic") {
				reader := bufio.NewReader(os.Stdin)
				fmt.Print("Enter research topic: ")
				input, _ := reader.ReadString('\n')
				topic = strings.TrimSpace(input)
			}
			if topic == "" {
				slog.Error("Topic cannot be empty")
				os.Exit(1)
			}
			runResearch(cfg, logger)
		},
	}

	rootCmd.Flags().StringVarP(&topic, "topic", "t", "", "Research topic")
	rootCmd.Flags().IntVarP(&depth, "depth", "d", cfg.ResearchDepth, "Recursion depth")
	rootCmd.Flags().IntVarP(&breadth, "breadth", "b", cfg.ResearchBreadth, "Queries per level")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with tiered memory and research hand-off",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(cfg, logger)
		},
	}
	chatCmd.Flags().StringVar(&memoryDepth, "memory", cfg.MemoryDepth, "Memory depth profile (short, medium or long)")
	chatCmd.Flags().BoolVar(&classify, "classify", cfg.ClassifierEnabled, "Classify queries before research hand-off")
	chatCmd.Flags().IntVarP(&depth, "depth", "d", cfg.ResearchDepth, "Recursion depth for /research")
	chatCmd.Flags().IntVarP(&breadth, "breadth", "b", cfg.ResearchBreadth, "Queries per level for /research")

	rootCmd.AddCommand(chatCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLLMClient(cfg *config.Config, logger *slog.Logger) *llm.Client {
	if cfg.LLMAPIKey == "" {
		logger.Warn("No LLM API key configured, using deterministic fallbacks")
		return nil
	}
	client, err := llm.NewClient(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel, &llm.Options{
		MaxAttempts:  cfg.LLMMaxAttempts,
		InitialDelay: time.Duration(cfg.LLMInitialDelayMs) * time.Millisecond,
		Exponential:  cfg.LLMExponential,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("Failed to init LLM client", "error", err)
		os.Exit(1)
	}
	return client
}

func newEngine(cfg *config.Config, client *llm.Client, logger *slog.Logger) *research.Engine {
	var lastAction string
	return research.NewEngine(research.EngineConfig{
		SearchAPIKey: cfg.SearchAPIKey,
		SearchOptions: &search.Options{
			BaseURL:  cfg.SearchBaseURL,
			Interval: time.Duration(cfg.SearchRateIntervalMs) * time.Millisecond,
			Logger:   logger,
		},
		LLM:    client,
		Logger: logger,
		OnProgress: func(p research.Progress) {
			if p.CurrentAction != "" && p.CurrentAction != lastAction {
				lastAction = p.CurrentAction
				fmt.Printf("[%s] %s (%d/%d queries)\n", p.Status, p.CurrentAction, p.CompletedQueries, p.TotalQueries)
			}
		},
	})
}

func runResearch(cfg *config.Config, logger *slog.Logger) {
	client := newLLMClient(cfg, logger)
	engine := newEngine(cfg, client, logger)

	res := engine.Research(context.Background(), research.Request{
		Query:   research.Query{Original: topic},
		Depth:   depth,
		Breadth: breadth,
	})
	if res.Err != "" {
		slog.Error("Research failed", "error", res.Err)
	}

	if err := writeReport(res); err != nil {
		slog.Error("Failed to write report", "error", err)
		fmt.Println(res.MarkdownContent)
		return
	}
	fmt.Printf("\nReport written to %s\n", res.SuggestedFilename)
	fmt.Printf("Learnings: %d, Sources: %d\n", len(res.Learnings), len(res.Sources))
}

func writeReport(res research.Result) error {
	if res.SuggestedFilename == "" {
		return fmt.Errorf("no filename suggested")
	}
	if dir := filepath.Dir(res.SuggestedFilename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(res.SuggestedFilename, []byte(res.MarkdownContent), 0o644)
}

func runChat(cfg *config.Config, logger *slog.Logger) {
	client := newLLMClient(cfg, logger)

	profile := memory.ProfileFor(memory.Depth(memoryDepth))
	store := memory.NewStore(profile.MaxMemories)

	var persistence memory.Persistence
	if cfg.EmbeddingAPIKey != "" {
		embedder, err := embeddings.NewGoogleEmbedder(context.Background(), cfg.EmbeddingModel, cfg.EmbeddingAPIKey)
		if err != nil {
			logger.Error("Failed to init embedder", "error", err)
			os.Exit(1)
		}
		persistence, err = memory.NewChromemStore(cfg.MemoryPersistDir, embedder.EmbedText)
		if err != nil {
			logger.Error("Failed to open memory store", "error", err)
			os.Exit(1)
		}
	}

	mem := memory.NewManager(store, client, persistence, profile, logger)
	session := chat.NewSession(client, mem, logger)

	var classifier *llm.Classifier
	if classify && client != nil {
		classifier = llm.NewClassifier(client, cfg.ClassifierCharacter)
	}
	bridge := chat.NewBridge(research.NewQueryGenerator(client, logger), classifier, logger)

	fmt.Println("Chat started. Commands: /research, /finalize, /exit")
	reader := bufio.NewReader(os.Stdin)
	ctx := context.Background()

	for {
		fmt.Print("> ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		input = strings.TrimSpace(input)

		switch {
		case input == "":
			continue

		case input == "/exit":
			return

		case input == "/finalize":
			meta, err := session.Finalize(ctx)
			if err != nil {
				fmt.Printf("finalize: %v\n", err)
				continue
			}
			fmt.Printf("Conversation summarized: %s\n", meta.Content)

		case input == "/research":
			engine := newEngine(cfg, client, logger)
			res, err := bridge.Research(ctx, engine, session.Turns(), research.Request{
				Depth:   depth,
				Breadth: breadth,
			}, classify)
			if err != nil {
				fmt.Printf("research: %v\n", err)
				continue
			}
			if res.Err != "" {
				fmt.Printf("research finished with errors: %s\n", res.Err)
			}
			if err := writeReport(res); err != nil {
				fmt.Println(res.MarkdownContent)
				continue
			}
			fmt.Printf("Report written to %s\n", res.SuggestedFilename)

		default:
			reply, err := session.Send(ctx, input)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println(reply)
		}
	}
}
