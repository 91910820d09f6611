package server

import (
	"context"
	"fmt"

	"github.com/rhuss/sitehost/pkg/api"
)

// Service is a long-running component whose lifetime follows the server:
// started by Run, stopped and removed by Cleanup.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// RegisterService adds svc. Services are registered before Run; they are
// started in registration order and stopped in reverse.
func (s *Server) RegisterService(svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == api.ServerRunning || s.state == api.ServerStopping {
		return &api.Error{Kind: api.ErrorKindProgrammer, Message: fmt.Sprintf("cannot register service %s while %s", svc.Name(), s.state)}
	}
	for _, existing := range s.services {
		if existing.Name() == svc.Name() {
			return &api.Error{Kind: api.ErrorKindProgrammer, Message: fmt.Sprintf("service %s already registered", svc.Name())}
		}
	}
	s.services = append(s.services, svc)
	return nil
}

// Services returns the names of the registered services.
func (s *Server) Services() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.services))
	for i, svc := range s.services {
		names[i] = svc.Name()
	}
	return names
}
