package api

import "testing"

func TestSiteRoute(t *testing.T) {
	s := &Site{Port: 8080, BaseURL: "/api"}
	tests := []struct {
		path  string
		route string
		ok    bool
	}{
		{"/api", "/", true},
		{"/api/stream", "/stream", true},
		{"/api/v1/items", "/v1/items", true},
		{"/apix", "", false},
		{"/other", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			route, ok := s.Route(tt.path)
			if route != tt.route || ok != tt.ok {
				t.Errorf("Route(%q) = (%q, %v), want (%q, %v)", tt.path, route, ok, tt.route, tt.ok)
			}
		})
	}
}

func TestSiteStartStop(t *testing.T) {
	s := &Site{Port: 80, BaseURL: "/"}
	var order []int
	s.OnStop(func() { order = append(order, 1) })
	s.OnStop(func() { order = append(order, 2) })

	s.Stop() // not started: no-op
	if len(order) != 0 {
		t.Fatalf("hooks ran on a site that was never started")
	}

	s.Start()
	if !s.Started() {
		t.Fatal("Started() = false after Start")
	}
	done := s.Done()
	s.Stop()
	s.Stop()

	if s.Started() {
		t.Error("Started() = true after Stop")
	}
	select {
	case <-done:
	default:
		t.Error("Done channel not closed after Stop")
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("hook order = %v, want [2 1]", order)
	}
}

func TestSiteOnStopRemove(t *testing.T) {
	s := &Site{Port: 80, BaseURL: "/"}
	var order []int
	s.OnStop(func() { order = append(order, 1) })
	remove := s.OnStop(func() { order = append(order, 2) })
	s.OnStop(func() { order = append(order, 3) })

	remove()
	remove()
	if n := s.StopHooks(); n != 2 {
		t.Fatalf("StopHooks() = %d after remove, want 2", n)
	}

	s.Start()
	s.Stop()
	if len(order) != 2 || order[0] != 3 || order[1] != 1 {
		t.Errorf("hook order = %v, want [3 1]", order)
	}
	if n := s.StopHooks(); n != 0 {
		t.Errorf("StopHooks() = %d after Stop, want 0", n)
	}
}

func TestAuthPolicyChallenge(t *testing.T) {
	tests := []struct {
		policy AuthPolicy
		want   string
	}{
		{AuthPolicy{Scheme: "Basic", Realm: "admin"}, `Basic realm="admin"`},
		{AuthPolicy{Realm: "api"}, `Bearer realm="api"`},
		{AuthPolicy{Scheme: "Bearer"}, "Bearer"},
	}
	for _, tt := range tests {
		if got := tt.policy.Challenge(); got != tt.want {
			t.Errorf("Challenge() = %q, want %q", got, tt.want)
		}
	}
}

func TestServerHeaderPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy ServerHeaderPolicy
		want   string
		ok     bool
	}{
		{"default", ServerHeaderPolicy{}, VendorServerName, true},
		{"product", ServerHeaderPolicy{Mode: ServerHeaderProduct, Product: "sitehost/1.2"}, "sitehost/1.2", true},
		{"application", ServerHeaderPolicy{Mode: ServerHeaderApplication, Application: "shop"}, "shop", true},
		{"operator", ServerHeaderPolicy{Mode: ServerHeaderOperator, Operator: "edge-7"}, "edge-7", true},
		{"suppressed", ServerHeaderPolicy{Mode: ServerHeaderSuppressed}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.policy.Value()
			if got != tt.want || ok != tt.ok {
				t.Errorf("Value() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
			if err := tt.policy.Validate(); err != nil {
				t.Errorf("Validate() = %v", err)
			}
		})
	}

	if err := (ServerHeaderPolicy{Mode: ServerHeaderOperator}).Validate(); err == nil {
		t.Error("operator mode without a name should fail validation")
	}
}
