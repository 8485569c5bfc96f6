package extension

import (
	"errors"
	"reflect"
	"testing"

	"github.com/matt0x6f/irc-engine/internal/testutil/testlog"
)

type stubUnit struct {
	name      string
	caps      map[string][]string
	activated *[]string
	reset     *[]string
}

func (u *stubUnit) Name() string { return u.name }

func (u *stubUnit) Activate(Conn) error {
	if u.activated != nil {
		*u.activated = append(*u.activated, u.name)
	}
	return nil
}

func (u *stubUnit) Reset() {
	if u.reset != nil {
		*u.reset = append(*u.reset, u.name)
	}
}

func (u *stubUnit) Caps() map[string][]string { return u.caps }

func desc(name string, requires ...string) Descriptor {
	return Descriptor{
		Name:     name,
		Requires: requires,
		New:      func() Unit { return &stubUnit{name: name} },
	}
}

func TestResolveDependencyChain(t *testing.T) {
	testlog.Start(t)

	plan, err := Resolve([]Descriptor{desc("A", "B")}, NewCatalog(desc("B", "C"), desc("C")))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got, want := plan.Order(), []string{"C", "B", "A"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestResolveSharedDependencyOnce(t *testing.T) {
	testlog.Start(t)

	plan, err := Resolve([]Descriptor{desc("A", "C"), desc("B", "C")}, NewCatalog(desc("C")))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got, want := plan.Order(), []string{"C", "A", "B"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestResolveCycle(t *testing.T) {
	testlog.Start(t)

	_, err := Resolve([]Descriptor{desc("A", "B"), desc("B", "A")}, nil)
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("err = %v, want ErrCycle", err)
	}
	var de *DependencyError
	if !errors.As(err, &de) {
		t.Fatalf("err %T is not a DependencyError", err)
	}
	if !reflect.DeepEqual(de.Names, []string{"A", "B"}) {
		t.Fatalf("cycle names = %v", de.Names)
	}
	if got := err.Error(); got != "extension dependency cycle: A -> B -> A" {
		t.Fatalf("message = %q", got)
	}
}

func TestResolveUnresolved(t *testing.T) {
	testlog.Start(t)

	_, err := Resolve([]Descriptor{desc("A", "missing")}, NewCatalog(desc("B")))
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("err = %v, want ErrUnresolved", err)
	}
	var de *DependencyError
	errors.As(err, &de)
	if de.Requester != "A" || de.Names[0] != "missing" {
		t.Fatalf("error = %+v", de)
	}
}

func TestResolveAliasAndInstance(t *testing.T) {
	testlog.Start(t)

	supplied := &stubUnit{name: "tracker"}
	declared := []Descriptor{
		desc("A", "track"),
		{Name: "tracker", Aliases: []string{"track"}, New: func() Unit { return &stubUnit{name: "fresh"} }},
		{Name: "tracker", Instance: supplied},
	}

	plan, err := Resolve(declared, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got, want := plan.Order(), []string{"tracker", "A"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}

	set, err := plan.Instantiate()
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	u, ok := set.Lookup("tracker")
	if !ok || u != supplied {
		t.Fatalf("Lookup(tracker) = %v, want the supplied instance", u)
	}
}

func TestResolveCatalogAlias(t *testing.T) {
	testlog.Start(t)

	catalog := NewCatalog(Descriptor{
		Name:    "BaseTrack",
		Aliases: []string{"basetrack"},
		New:     func() Unit { return &stubUnit{name: "BaseTrack"} },
	})
	plan, err := Resolve([]Descriptor{desc("ChannelTrack", "basetrack")}, catalog)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got, want := plan.Order(), []string{"BaseTrack", "ChannelTrack"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestInstantiateWithoutFactory(t *testing.T) {
	testlog.Start(t)

	plan, err := Resolve([]Descriptor{{Name: "empty"}}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := plan.Instantiate(); !errors.Is(err, ErrNoFactory) {
		t.Fatalf("err = %v, want ErrNoFactory", err)
	}
}

func TestSetActivateResetOrder(t *testing.T) {
	testlog.Start(t)

	var activated, reset []string
	mk := func(name string, requires ...string) Descriptor {
		d := desc(name, requires...)
		d.New = func() Unit { return &stubUnit{name: name, activated: &activated, reset: &reset} }
		return d
	}

	plan, err := Resolve([]Descriptor{mk("A", "B"), mk("B")}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	set, err := plan.Instantiate()
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if err := set.Activate(nil); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	set.Reset()

	if !reflect.DeepEqual(activated, []string{"B", "A"}) {
		t.Fatalf("activated = %v", activated)
	}
	if !reflect.DeepEqual(reset, []string{"A", "B"}) {
		t.Fatalf("reset = %v", reset)
	}
}

func TestCapInterestMerge(t *testing.T) {
	testlog.Start(t)

	declared := []Descriptor{
		{Name: "sasl", DefaultPriority: -995, Instance: &stubUnit{name: "sasl", caps: map[string][]string{"sasl": {"PLAIN"}}}},
		{Name: "other", Instance: &stubUnit{name: "other", caps: map[string][]string{"sasl": {"EXTERNAL", "PLAIN"}, "away-notify": nil}}},
	}
	plan, err := Resolve(declared, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	set, _ := plan.Instantiate()

	interest := set.CapInterest()
	sasl := interest["sasl"]
	if sasl == nil || sasl.Priority != -995 {
		t.Fatalf("sasl interest = %+v", sasl)
	}
	if !reflect.DeepEqual(sasl.Values, []string{"PLAIN", "EXTERNAL"}) {
		t.Fatalf("sasl values = %v", sasl.Values)
	}
	if away := interest["away-notify"]; away == nil || away.Priority != 0 {
		t.Fatalf("away-notify interest = %+v", away)
	}
	if got := set.Providers("sasl"); !reflect.DeepEqual(got, []string{"other", "sasl"}) {
		t.Fatalf("providers = %v", got)
	}
}
