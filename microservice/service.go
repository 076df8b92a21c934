package microservice

import (
	"log/slog"

	"github.com/next-trace/scg-microservice/topology"
)

// Service is a built service declaration.
type Service struct {
	Name    string
	Version Version

	// Topology is nil when messaging was not requested.
	Topology *topology.Topology

	CorsHosts     []string
	DocsVersion   string
	Authenticated bool
}

// Messaging reports whether a bus topology was built.
func (s *Service) Messaging() bool { return s.Topology != nil }

// Logger is the topology logger, or slog.Default without messaging.
func (s *Service) Logger() *slog.Logger {
	if s.Topology == nil {
		return slog.Default()
	}

	return s.Topology.Logger()
}

// Close releases the topology's log sink and reports records it could not
// ship.
func (s *Service) Close() error {
	err := closeTopology(s.Topology)

	if s.Topology != nil {
		if n := s.Topology.LogDrops(); n > 0 {
			s.Topology.Logger().Warn("log records not shipped", "dropped", n)
		}
	}

	return err
}
