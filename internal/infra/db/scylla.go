package db

import (
	"fmt"

	"github.com/gocql/gocql"

	"github.com/acme/voice-campaign-orchestrator/internal/config"
)

// Scylla wraps a gocql session.
type Scylla struct {
	session *gocql.Session
}

// NewScylla creates a new Scylla session and, unless disabled, the event archive schema.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Port > 0 {
		cluster.Port = cfg.Port
	}
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}

	s := &Scylla{session: session}
	if !cfg.DisableInitSchema {
		if err := s.initSchema(cfg); err != nil {
			session.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Scylla) initSchema(cfg config.ScyllaConfig) error {
	ttl := int(cfg.EventTTL.Seconds())
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS call_events_by_call (
		external_call_id text,
		received_at timestamp,
		event_type text,
		attempt_id uuid,
		session_id uuid,
		payload blob,
		PRIMARY KEY ((external_call_id), received_at, event_type)
	) WITH CLUSTERING ORDER BY (received_at ASC, event_type ASC) AND default_time_to_live = %d`, ttl)
	if err := s.session.Query(stmt).Exec(); err != nil {
		return fmt.Errorf("scylla: create call_events_by_call: %w", err)
	}
	return nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func parseConsistency(level string) gocql.Consistency {
	switch level {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "local_one":
		return gocql.LocalOne
	case "each_quorum":
		return gocql.EachQuorum
	case "quorum":
		fallthrough
	default:
		return gocql.Quorum
	}
}
