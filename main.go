package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"

	"parley/chat"
	"parley/config"
	"parley/model"
	"parley/provider"
	"parley/storage"
	"parley/tools"
)

const Version = "v0.1.0"

var (
	promptStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to the settings file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("parley", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		if errors.Is(err, config.ErrMissingCredential) {
			fmt.Fprintf(os.Stderr, "no API key configured: set api_key in %s or export PARLEY_API_KEY\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		}
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel)

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func setupLogging(levelName string) {
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func run(cfg *config.Config) error {
	ctx := context.Background()
	bus := model.NewBus(0)

	client, err := provider.NewClient(cfg.BaseURL, cfg.APIKey, bus)
	if err != nil {
		return err
	}

	store, err := storage.NewMessageStore(cfg.DataDir(), cfg.Database)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer store.Close()

	reg := tools.NewRegistry()
	gate := tools.NewGate()
	if cfg.ToolsEnabled {
		if err := tools.RegisterBuiltins(reg, gate); err != nil {
			return err
		}
		for _, pc := range cfg.MCP {
			plugin, err := tools.StartMCPPlugin(ctx, pc.Name, pc.Command, pc.Env, pc.Args...)
			if err != nil {
				slog.Warn("plugin failed to start", "plugin", pc.Name, "err", err)
				continue
			}
			defer plugin.Close()

			defs, err := plugin.Definitions(ctx)
			if err != nil {
				slog.Warn("plugin tool listing failed", "plugin", pc.Name, "err", err)
				continue
			}
			for _, def := range defs {
				if err := reg.Register(def); err != nil {
					slog.Warn("skipping tool", "plugin", pc.Name, "tool", def.Name, "err", err)
					continue
				}
				gate.Register(def.Name, true)
			}
			slog.Info("plugin connected", "plugin", pc.Name, "tools", len(defs))
		}
	}

	var prompts []string
	if cfg.SystemPrompt != "" {
		prompts = []string{cfg.SystemPrompt}
	}
	orch := chat.New(client, store, bus, reg, gate, chat.Options{
		Model:             cfg.DefaultModel,
		SystemPrompts:     prompts,
		UseThinking:       cfg.Thinking,
		ToolsEnabled:      cfg.ToolsEnabled,
		UseCache:          true,
		CacheTools:        true,
		CacheSystem:       true,
		CacheMessages:     true,
		KeepAliveInterval: cfg.KeepAliveInterval(),
		ToolTimeout:       cfg.ToolTimeout(),
	})
	defer orch.Close()

	if err := orch.LoadHistory(200, 4000, true); err != nil {
		slog.Warn("history restore failed", "err", err)
	}

	turnDone := make(chan struct{}, 1)
	renderDone := make(chan struct{})
	go func() {
		defer close(renderDone)
		renderEvents(bus, turnDone)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigs {
			if !orch.RequestStop() {
				fmt.Println()
				os.Exit(0)
			}
		}
	}()

	fmt.Printf("parley %s | model %s (/quit to exit, /stop to interrupt)\n", Version, cfg.DefaultModel)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print(promptStyle.Render("you> "))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			orch.Wait()
			bus.Close()
			<-renderDone
			return scanner.Err()
		case line == "/stop":
			if !orch.RequestStop() {
				fmt.Println(statusStyle.Render("nothing to stop"))
			}
			continue
		case line == "/pending":
			names := orch.PendingToolNames()
			if len(names) == 0 {
				fmt.Println(statusStyle.Render("no tools pending"))
			} else {
				fmt.Println(statusStyle.Render("pending: " + strings.Join(names, ", ")))
			}
			continue
		}

		// Tool follow-ups signal completions nobody waited for; drop any
		// stale one so the prompt does not return mid-stream.
		select {
		case <-turnDone:
		default:
		}
		if err := orch.SendUser(ctx, line, false, true); err != nil {
			fmt.Println(errorStyle.Render("send failed: " + err.Error()))
			continue
		}
		<-turnDone
	}

	orch.Wait()
	bus.Close()
	<-renderDone
	return scanner.Err()
}

// renderEvents drains the bus and paints the stream. Each completed
// interaction is signalled on turnDone so the prompt returns only after
// the reply finished printing.
func renderEvents(bus *model.Bus, turnDone chan<- struct{}) {
	inText := false
	for ev := range bus.Events() {
		switch ev.Kind {
		case model.EventContentBlockDelta:
			if ev.Content != "" {
				fmt.Print(assistantStyle.Render(ev.Content))
				inText = true
			}
		case model.EventStatus:
			endLine(&inText)
			fmt.Println(statusStyle.Render(ev.Content))
		case model.EventWarning:
			endLine(&inText)
			fmt.Println(warnStyle.Render(ev.Content))
		case model.EventError:
			endLine(&inText)
			fmt.Println(errorStyle.Render(ev.Content))
		case model.EventCancelled:
			endLine(&inText)
			fmt.Println(statusStyle.Render("(stopped)"))
		case model.EventUsage:
			slog.Debug("usage", "tokens", ev.Content)
		case model.EventInteractionComplete:
			endLine(&inText)
			select {
			case turnDone <- struct{}{}:
			default:
			}
		}
	}
}

func endLine(inText *bool) {
	if *inText {
		fmt.Println()
		*inText = false
	}
}
