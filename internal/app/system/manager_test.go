package system

import (
	"context"
	"fmt"
	"testing"
)

type recordingService struct {
	name  string
	log   *[]string
	fail  bool
	stops *[]string
}

func (r *recordingService) Name() string { return r.name }

func (r *recordingService) Start(context.Context) error {
	if r.fail {
		return fmt.Errorf("boom")
	}
	*r.log = append(*r.log, r.name)
	return nil
}

func (r *recordingService) Stop(context.Context) error {
	*r.stops = append(*r.stops, r.name)
	return nil
}

func TestManagerStartStopOrder(t *testing.T) {
	var starts, stops []string
	m := NewManager()
	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(&recordingService{name: name, log: &starts, stops: &stops}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if fmt.Sprint(starts) != "[a b c]" {
		t.Fatalf("start order: %v", starts)
	}
	if fmt.Sprint(stops) != "[c b a]" {
		t.Fatalf("stop order: %v", stops)
	}
}

func TestManagerStartFailureUnwinds(t *testing.T) {
	var starts, stops []string
	m := NewManager()
	_ = m.Register(&recordingService{name: "ok", log: &starts, stops: &stops})
	_ = m.Register(&recordingService{name: "bad", log: &starts, stops: &stops, fail: true})

	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("expected start failure")
	}
	if fmt.Sprint(stops) != "[ok]" {
		t.Fatalf("started services not unwound: %v", stops)
	}
}

func TestManagerRejectsDuplicateNames(t *testing.T) {
	m := NewManager()
	if err := m.Register(NoopService{ServiceName: "dup"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(NoopService{ServiceName: "dup"}); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}
