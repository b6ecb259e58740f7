// Command agentos serves agents and teams declared in a YAML configuration
// file over the HTTP/SSE/WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"

	"github.com/hupe1980/agentos/agent"
	"github.com/hupe1980/agentos/logging"
	"github.com/hupe1980/agentos/model"
	"github.com/hupe1980/agentos/model/anthropic"
	"github.com/hupe1980/agentos/model/openai"
	"github.com/hupe1980/agentos/server"
	"github.com/hupe1980/agentos/session"
	"github.com/hupe1980/agentos/skill"
	"github.com/hupe1980/agentos/team"
)

func main() {
	configPath := flag.String("config", "agentos.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "agentos:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Provider keys may live in a .env file; a missing file is fine.
	_ = godotenv.Load()

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := logging.NewJSONLogger(func(o *logging.Options) {
		o.Output = os.Stderr
	})
	sessions := session.NewInMemoryStore()

	srv := server.New(func(o *server.Options) {
		o.Addr = cfg.Addr
		o.APIKey = cfg.APIKey
		o.Logger = logger
	})

	agents := make(map[string]*agent.Agent, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		m, err := buildModel(ac.Provider, ac.Model)
		if err != nil {
			return fmt.Errorf("agent %s: %w", ac.Name, err)
		}

		var skills *skill.Skills
		if ac.SkillsDir != "" {
			skills = skill.New()
			if err := skills.LoadDir(ac.SkillsDir); err != nil {
				return fmt.Errorf("agent %s: %w", ac.Name, err)
			}
		}

		a := agent.New(ac.Name, m, func(o *agent.Options) {
			o.Description = ac.Description
			o.Instructions = ac.Instructions
			o.Skills = skills
			o.AddHistoryToContext = ac.AddHistoryToContext
			o.StoreEvents = ac.StoreEvents
			if ac.MaxIterations > 0 {
				o.MaxIterations = ac.MaxIterations
			}
			o.SessionStore = sessions
			o.Logger = logger
		})
		agents[a.ID()] = a
		srv.RegisterAgent(a)
	}

	for _, tc := range cfg.Teams {
		m, err := buildModel(tc.Provider, tc.Model)
		if err != nil {
			return fmt.Errorf("team %s: %w", tc.Name, err)
		}

		members := make([]team.Member, 0, len(tc.Members))
		for _, id := range tc.Members {
			a, ok := agents[id]
			if !ok {
				return fmt.Errorf("team %s: unknown member %s", tc.Name, id)
			}
			members = append(members, a)
		}

		t := team.New(tc.Name, m, func(o *team.Options) {
			o.Description = tc.Description
			o.Instructions = tc.Instructions
			o.Members = members
			o.EnableTasks = tc.EnableTasks
			o.SessionStore = sessions
			o.Logger = logger
		})
		srv.RegisterTeam(t)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.ListenAndServe(ctx)
}

func buildModel(provider, id string) (model.Model, error) {
	switch provider {
	case "", "openai":
		return openai.New(func(o *openai.Options) {
			if id != "" {
				o.Model = id
			}
		}), nil
	case "anthropic":
		return anthropic.New(func(o *anthropic.Options) {
			if id != "" {
				o.Model = anthropicsdk.Model(id)
			}
		}), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}
}
