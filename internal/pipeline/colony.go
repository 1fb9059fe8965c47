package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dyluth/warren/internal/agent"
	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/identity"
	"github.com/dyluth/warren/internal/mailbox"
	"github.com/dyluth/warren/internal/memory"
	"github.com/dyluth/warren/internal/oracle"
	"github.com/dyluth/warren/internal/policy"
)

// ColonyDeps are the external services a colony runs against.
type ColonyDeps struct {
	Mail   mailbox.Service
	Store  memory.Store
	Oracle oracle.Oracle
	Bus    *bus.Bus // optional; a fresh bus is created when nil
}

// Colony is the fully wired topology: one commander, one assessor, one
// scribe, and a coordinator, auditor, and executor pool per domain, all
// sharing one bus, one mailbox, one memory store, and one policy
// engine.
type Colony struct {
	cfg    *config.Config
	bus    *bus.Bus
	engine *policy.Engine

	commander    *Commander
	coordinators map[identity.Domain]*Coordinator
	auditors     map[identity.Domain]*Auditor
	scribe       *Scribe
	assessor     *Assessor

	runtimes []*agent.Runtime
	started  bool
}

// NewColony builds the topology described by cfg.
func NewColony(cfg *config.Config, deps ColonyDeps) (*Colony, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Mail == nil || deps.Store == nil || deps.Oracle == nil {
		return nil, fmt.Errorf("colony requires a mailbox, a memory store, and an oracle")
	}

	b := deps.Bus
	if b == nil {
		b = bus.New()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ReportsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reports dir: %w", err)
	}

	engine, err := policy.NewEngine(cfg.DataDir, identity.NewResolver(), cfg.RevocationThreshold)
	if err != nil {
		return nil, err
	}
	c := &Colony{
		cfg:          cfg,
		bus:          b,
		engine:       engine,
		coordinators: make(map[identity.Domain]*Coordinator),
		auditors:     make(map[identity.Domain]*Auditor),
	}

	engine.OnRevoke = func(rec policy.RevocationRecord) {
		b.Signal("system", "policy-engine", bus.SignalAgentRevoked, map[string]string{
			"agent":      rec.Name,
			"reason":     rec.Reason,
			"revoked_by": rec.RevokedBy,
		})
		c.logEvent("agent_revoked", map[string]interface{}{
			"agent":      rec.Name,
			"reason":     rec.Reason,
			"revoked_by": rec.RevokedBy,
		})
	}

	// Pin every configured identity so executor pools follow the config
	// rather than the default name ranges.
	resolver := engine.Resolver()
	for _, d := range cfg.Domains {
		domain := identity.Domain(d.Name)
		if err := resolver.Register(identity.CoordinatorName(domain), identity.RoleCoordinator, domain); err != nil {
			return nil, err
		}
		if err := resolver.Register(identity.AuditorName(domain), identity.RoleAuditor, domain); err != nil {
			return nil, err
		}
		for n := d.Executors[0]; n <= d.Executors[1]; n++ {
			if err := resolver.Register(identity.ExecutorName(n), identity.RoleExecutor, domain); err != nil {
				return nil, err
			}
		}
	}

	opts := agent.Options{
		PollInterval:   time.Duration(cfg.PollInterval),
		SurveyInterval: time.Duration(cfg.SurveyInterval),
		Oracle:         deps.Oracle,
	}
	newRuntime := func(name string) (*agent.Runtime, error) {
		rt, err := agent.New(name, deps.Mail, b, engine, opts)
		if err != nil {
			return nil, err
		}
		c.runtimes = append(c.runtimes, rt)
		return rt, nil
	}

	coordinatorNames := make(map[identity.Domain]string, len(cfg.Domains))
	coordinatorsByName := make(map[string]string, len(cfg.Domains))
	for _, d := range cfg.Domains {
		domain := identity.Domain(d.Name)
		coordinatorNames[domain] = identity.CoordinatorName(domain)
		coordinatorsByName[d.Name] = coordinatorNames[domain]
	}

	commanderRT, err := newRuntime("Commander")
	if err != nil {
		return nil, err
	}
	c.commander = NewCommander(commanderRT, deps.Oracle, coordinatorNames)

	scribeRT, err := newRuntime("Scribe")
	if err != nil {
		return nil, err
	}
	c.scribe = NewScribe(scribeRT, deps.Store, coordinatorsByName, cfg.FrictionThreshold)

	assessorRT, err := newRuntime("Assessor")
	if err != nil {
		return nil, err
	}
	c.assessor = NewAssessor(assessorRT, deps.Oracle, "Commander", "Scribe")

	for i := range cfg.Domains {
		d := &cfg.Domains[i]
		domain := identity.Domain(d.Name)

		coordRT, err := newRuntime(coordinatorNames[domain])
		if err != nil {
			return nil, err
		}
		c.coordinators[domain] = NewCoordinator(coordRT, domain, CoordinatorDeps{
			Oracle:    deps.Oracle,
			Store:     deps.Store,
			Commander: "Commander",
			Auditor:   identity.AuditorName(domain),
			Executors: d.ExecutorNames(),
			Rules:     NewRuleSet(d.Can, d.Cannot),
		})

		auditRT, err := newRuntime(identity.AuditorName(domain))
		if err != nil {
			return nil, err
		}
		c.auditors[domain] = NewAuditor(auditRT, "Assessor", "Scribe", cfg.ReportsDir)

		for n := d.Executors[0]; n <= d.Executors[1]; n++ {
			execRT, err := newRuntime(identity.ExecutorName(n))
			if err != nil {
				return nil, err
			}
			NewExecutor(execRT, deps.Oracle, coordinatorNames[domain], "Scribe", d.Specializations[n])
		}
	}
	return c, nil
}

// Start brings every agent up. A failure stops whatever already
// started and reports the error.
func (c *Colony) Start(ctx context.Context) error {
	if c.started {
		return fmt.Errorf("colony already started")
	}
	for _, rt := range c.runtimes {
		if err := rt.Start(ctx); err != nil {
			c.Stop()
			return fmt.Errorf("failed to start %s: %w", rt.Name(), err)
		}
	}
	c.started = true
	c.logEvent("colony_started", map[string]interface{}{
		"agents":  len(c.runtimes),
		"domains": len(c.coordinators),
	})
	return nil
}

// Stop shuts every agent down. Safe to call more than once.
func (c *Colony) Stop() {
	for _, rt := range c.runtimes {
		rt.Stop()
	}
	if c.started {
		c.logEvent("colony_stopped", map[string]interface{}{
			"agents": len(c.runtimes),
		})
	}
	c.started = false
}

// SubmitTask enters a task through the commander.
func (c *Colony) SubmitTask(ctx context.Context, text string) Task {
	task := c.commander.SubmitTask(ctx, text)
	c.logEvent("task_submitted", map[string]interface{}{
		"task_id": task.ID,
	})
	return task
}

func (c *Colony) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "colony"
	data["event_type"] = eventType
	data["project"] = c.cfg.Project

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Colony] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}

// Commander returns the colony's commander.
func (c *Colony) Commander() *Commander { return c.commander }

// Coordinator returns the coordinator for a domain.
func (c *Colony) Coordinator(domain identity.Domain) *Coordinator { return c.coordinators[domain] }

// Scribe returns the colony's scribe.
func (c *Colony) Scribe() *Scribe { return c.scribe }

// Engine returns the colony's policy engine.
func (c *Colony) Engine() *policy.Engine { return c.engine }

// Bus returns the colony's channel bus.
func (c *Colony) Bus() *bus.Bus { return c.bus }

// Size is the number of agents in the topology.
func (c *Colony) Size() int { return len(c.runtimes) }

// Roster lists every agent name in the topology.
func (c *Colony) Roster() []string {
	names := make([]string, 0, len(c.runtimes))
	for _, rt := range c.runtimes {
		names = append(names, rt.Name())
	}
	return names
}
