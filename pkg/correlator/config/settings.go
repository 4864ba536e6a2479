package config

import "time"

// Settings is the resolved correlator configuration.
// It is extracted once at startup from the raw Config so the rest of
// the engine never touches untyped maps.
type Settings struct {
	// RulesTimeout bounds a single rule invocation.
	// Zero or negative means no timeout.
	RulesTimeout time.Duration

	// MinRuleRunners and MaxRuleRunners bound the rule runner pool.
	MinRuleRunners int
	MaxRuleRunners int

	// RuleRunnersMaxIdle is the number of idle workers kept above the
	// minimum before extra workers are reaped.
	RuleRunnersMaxIdle int

	// HLSHost is the sentinel hostname carrying high-level services.
	// An event whose host matches is treated as targeting an HLS.
	HLSHost string

	// MessageTTL is the lifetime of per-message context keys.
	MessageTTL time.Duration

	// SharedTTL is the lifetime of shared context keys.
	SharedTTL time.Duration

	// ContextAddr is the context-store endpoint (redis address).
	ContextAddr string

	// BusURL is the bus endpoint. Subjects name the inbound stream and
	// the two outbound streams.
	BusURL           string
	SubjectIn        string
	SubjectState     string
	SubjectCorrevent string

	// DBDriver and DBDSN select the relational backend.
	DBDriver string
	DBDSN    string

	// DefaultPriority is assigned to aggregates when no priority rule
	// has stored one in the context.
	DefaultPriority int
}

// Defaults mirror the values the platform ships with.
const (
	DefaultRulesTimeout       = 10 * time.Second
	DefaultMinRuleRunners     = 2
	DefaultMaxRuleRunners     = 8
	DefaultRuleRunnersMaxIdle = 20
	DefaultMessageTTL         = 5 * time.Minute
	DefaultSharedTTL          = time.Hour
	DefaultPriority           = 4
)

// SettingsFrom extracts Settings from a loaded Config.
// Sections: correlator, context, bus, database.
func SettingsFrom(c Config) Settings {
	corr := c.Sub("correlator")
	ctx := c.Sub("context")
	bus := c.Sub("bus")
	db := c.Sub("database")

	timeout := time.Duration(corr.Int("rules_timeout", int(DefaultRulesTimeout/time.Second))) * time.Second
	if corr.Int("rules_timeout", 1) <= 0 {
		timeout = 0
	}

	return Settings{
		RulesTimeout:       timeout,
		MinRuleRunners:     corr.Int("min_rule_runners", DefaultMinRuleRunners),
		MaxRuleRunners:     corr.Int("max_rule_runners", DefaultMaxRuleRunners),
		RuleRunnersMaxIdle: corr.Int("rule_runners_max_idle", DefaultRuleRunnersMaxIdle),
		HLSHost:            corr.String("nagios_hls_host", ""),
		MessageTTL:         ctx.Duration("message_ttl", DefaultMessageTTL),
		SharedTTL:          ctx.Duration("shared_ttl", DefaultSharedTTL),
		ContextAddr:        ctx.String("redis_addr", "localhost:6379"),
		BusURL:             bus.String("url", "nats://localhost:4222"),
		SubjectIn:          bus.String("subject_in", "correlator.in"),
		SubjectState:       bus.String("subject_state", "correlator.state"),
		SubjectCorrevent:   bus.String("subject_correvent", "correlator.correvent"),
		DBDriver:           db.String("driver", "postgres"),
		DBDSN:              db.String("dsn", ""),
		DefaultPriority:    corr.Int("default_priority", DefaultPriority),
	}
}
